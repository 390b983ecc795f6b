package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"devicehub/internal/config"
	"devicehub/internal/storage"
)

// MultiLog fans an activation out to several logs. Every sink is attempted;
// the joined error reports the ones that failed.
type MultiLog []storage.ActivationLog

func (m MultiLog) AppendActivation(ctx context.Context, entry storage.ActivationEntry) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.AppendActivation(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// valuesAppender is the part of the Sheets API the activation log needs.
type valuesAppender interface {
	Append(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error
}

type sheetsValues struct {
	svc *sheets.Service
}

func (s sheetsValues) Append(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error {
	_, err := s.svc.Spreadsheets.Values.
		Append(spreadsheetID, rng, &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}

// SheetsActivationLog mirrors activations as rows of a Google spreadsheet:
// timestamp, masked key, device id, display name, model.
type SheetsActivationLog struct {
	values        valuesAppender
	spreadsheetID string
	rng           string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewSheetsActivationLog authenticates with the service account credentials
// in cfg.CredentialsFile.
func NewSheetsActivationLog(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (*SheetsActivationLog, error) {
	if !cfg.SheetsEnabled() {
		return nil, fmt.Errorf("sheets activation log is not configured")
	}

	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	logger.Info("Google Sheets activation log enabled",
		slog.String("spreadsheet_id", cfg.SheetsSpreadsheetID),
		slog.String("range", cfg.SheetsRange))

	return newSheetsActivationLog(sheetsValues{svc: svc}, cfg, logger), nil
}

func newSheetsActivationLog(values valuesAppender, cfg config.AuditConfig, logger *slog.Logger) *SheetsActivationLog {
	return &SheetsActivationLog{
		values:        values,
		spreadsheetID: cfg.SheetsSpreadsheetID,
		rng:           cfg.SheetsRange,
		timeout:       10 * time.Second,
		logger:        logger.With(slog.String("component", "license.sheets")),
	}
}

func (s *SheetsActivationLog) AppendActivation(ctx context.Context, entry storage.ActivationEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := []interface{}{
		entry.At.UTC().Format(time.RFC3339),
		MaskLicenseKey(entry.Key),
		entry.DeviceID,
		entry.DisplayName,
		entry.Model,
	}
	if err := s.values.Append(ctx, s.spreadsheetID, s.rng, [][]interface{}{row}); err != nil {
		return fmt.Errorf("append activation row: %w", err)
	}

	s.logger.DebugContext(ctx, "activation mirrored to sheets", slog.String("device_id", entry.DeviceID))
	return nil
}
