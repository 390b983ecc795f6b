package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "devicehub/internal/errors"
	"devicehub/internal/infrastructure"
	"devicehub/internal/presence"
	"devicehub/internal/storage"
)

// errRejected aborts the store update when the transition refuses the
// request.
var errRejected = errors.New("license activation rejected")

// ValidationResult is the typed outcome of Validate.
type ValidationResult struct {
	Accepted bool                  `json:"accepted"`
	Reason   RejectReason          `json:"reason,omitempty"`
	DeviceID string                `json:"deviceId"`
	Record   storage.LicenseRecord `json:"-"`
}

// Authenticator is the slice of the presence registry the ledger updates.
type Authenticator interface {
	OnAuthenticate(deviceID, licenseKey string, id presence.Identity) presence.Session
}

// Ledger applies the activation rules to the license store.
type Ledger struct {
	store   storage.LicenseStore
	audit   storage.ActivationLog
	auth    Authenticator
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewLedger creates a ledger. audit and auth may be nil.
func NewLedger(store storage.LicenseStore, audit storage.ActivationLog, auth Authenticator,
	logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Ledger {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics = infrastructure.NoopMetrics()
	}
	return &Ledger{
		store:   store,
		audit:   audit,
		auth:    auth,
		logger:  logger.With(slog.String("component", "license.ledger")),
		metrics: metrics,
		tracer:  otel.Tracer(infrastructure.InstrumentationName),
		now:     time.Now,
	}
}

// Validate activates req.Key for req.DeviceID. NotFound, Conflict and
// Invalid come back as a rejected result with a nil error; only storage
// failures are returned as errors.
func (l *Ledger) Validate(ctx context.Context, req Request) (ValidationResult, error) {
	req = req.Normalize()

	ctx, span := l.tracer.Start(ctx, "license.Validate",
		trace.WithAttributes(
			attribute.String("license.key_masked", MaskLicenseKey(req.Key)),
			attribute.String("device.id", req.DeviceID),
		))
	defer span.End()

	result := ValidationResult{DeviceID: req.DeviceID}

	if req.Key == "" || req.DeviceID == "" || presence.IsPlaceholder(req.DeviceID) {
		result.Reason = ReasonInvalid
		l.record(ctx, result)
		return result, nil
	}

	var reason RejectReason
	var current storage.LicenseRecord
	rec, err := l.store.UpdateLicense(ctx, req.Key, func(r *storage.LicenseRecord) error {
		next, rr := Activate(*r, req, l.now())
		if rr != ReasonNone {
			reason, current = rr, *r
			return errRejected
		}
		*r = next
		return nil
	})

	switch {
	case errors.Is(err, storage.ErrNotFound):
		result.Reason = ReasonNotFound
		l.record(ctx, result)
		return result, nil
	case errors.Is(err, errRejected):
		result.Reason = reason
		result.Record = current
		l.logger.WarnContext(ctx, "license activation rejected",
			slog.String("key", MaskLicenseKey(req.Key)),
			slog.String("device_id", req.DeviceID),
			slog.String("bound_device_id", current.BoundDeviceID),
			slog.String("reason", string(reason)))
		l.record(ctx, result)
		return result, nil
	case err != nil:
		infrastructure.RecordError(ctx, err)
		l.logger.ErrorContext(ctx, "license store update failed",
			slog.String("key", MaskLicenseKey(req.Key)),
			slog.String("error", err.Error()))
		infrastructure.Outcome(ctx, l.metrics.LicenseValidations, "error")
		return ValidationResult{}, apierrors.NewStorage("failed to persist license activation", err)
	}

	result.Accepted = true
	result.Record = rec
	l.record(ctx, result)

	if l.auth != nil {
		l.auth.OnAuthenticate(req.DeviceID, req.Key, presence.Identity{
			DeviceID:    req.DeviceID,
			DisplayName: req.DisplayName,
			Model:       req.Model,
		})
	}
	l.appendActivation(ctx, req, rec)

	l.logger.InfoContext(ctx, "license activated",
		slog.String("key", MaskLicenseKey(req.Key)),
		slog.String("device_id", req.DeviceID))

	return result, nil
}

// appendActivation writes the audit entry. The license update has already
// committed, so a failure here is logged and counted only.
func (l *Ledger) appendActivation(ctx context.Context, req Request, rec storage.LicenseRecord) {
	if l.audit == nil {
		return
	}
	at := l.now().UTC()
	if rec.ActivatedAt != nil {
		at = *rec.ActivatedAt
	}
	entry := storage.ActivationEntry{
		Key:         req.Key,
		DeviceID:    req.DeviceID,
		DisplayName: req.DisplayName,
		Model:       req.Model,
		At:          at,
	}
	if err := l.audit.AppendActivation(ctx, entry); err != nil {
		l.metrics.ActivationLogErrors.Add(ctx, 1)
		l.logger.ErrorContext(ctx, "activation log write failed",
			slog.String("key", MaskLicenseKey(req.Key)),
			slog.String("error", err.Error()))
	}
}

func (l *Ledger) record(ctx context.Context, r ValidationResult) {
	outcome := "accepted"
	if !r.Accepted {
		outcome = string(r.Reason)
	}
	infrastructure.Outcome(ctx, l.metrics.LicenseValidations, outcome)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("license.outcome", outcome))
}

// Release clears the device binding of key.
func (l *Ledger) Release(ctx context.Context, key string) (storage.LicenseRecord, error) {
	rec, err := l.store.UpdateLicense(ctx, key, func(r *storage.LicenseRecord) error {
		*r = Clear(*r)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.LicenseRecord{}, apierrors.NewNotFound("license", key)
	}
	if err != nil {
		return storage.LicenseRecord{}, apierrors.NewStorage("failed to release license", err)
	}

	l.logger.InfoContext(ctx, "license released", slog.String("key", MaskLicenseKey(key)))
	return rec, nil
}

// Get returns one license record.
func (l *Ledger) Get(ctx context.Context, key string) (storage.LicenseRecord, error) {
	rec, err := l.store.GetLicense(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.LicenseRecord{}, apierrors.NewNotFound("license", key)
	}
	if err != nil {
		return storage.LicenseRecord{}, apierrors.NewStorage("failed to read license", err)
	}
	return rec, nil
}

// List returns every license record.
func (l *Ledger) List(ctx context.Context) ([]storage.LicenseRecord, error) {
	recs, err := l.store.ListLicenses(ctx)
	if err != nil {
		return nil, apierrors.NewStorage("failed to list licenses", err)
	}
	return recs, nil
}
