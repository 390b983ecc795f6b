package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"devicehub/internal/exporter"
	"devicehub/internal/license"
	"devicehub/internal/storage"
	api "devicehub/pkg/contracts/api/v1"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// LicenseHandler handles license validation and administration.
type LicenseHandler struct {
	ledger    LicenseLedger
	devices   DeviceDirectory
	validator Validator
	errors    ErrorRenderer
	logger    *slog.Logger
	now       func() time.Time
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(ledger LicenseLedger, devices DeviceDirectory, validator Validator,
	errors ErrorRenderer, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		ledger:    ledger,
		devices:   devices,
		validator: validator,
		errors:    errors,
		logger:    logger.With(slog.String("handler", "license")),
		now:       time.Now,
	}
}

// Validate handles POST /api/licenses/validate. Rejections are rendered as
// 200 with accepted=false.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req license.Request
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.ledger.Validate(r.Context(), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

// List handles GET /api/licenses
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	views := make([]api.LicenseView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, licenseView(rec))
	}
	render.JSON(w, r, views)
}

// Release handles POST /api/licenses/{key}/release
func (h *LicenseHandler) Release(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Release(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, licenseView(rec))
}

// ExportWorkbook handles GET /api/licenses/export.xlsx
func (h *LicenseHandler) ExportWorkbook(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	now := h.now().UTC()
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", attachment(fmt.Sprintf("devicehub-licenses-%s.xlsx", now.Format("20060102-150405"))))
	report := exporter.Report{Licenses: recs, Devices: h.devices.Snapshot(), GeneratedAt: now}
	if err := exporter.WriteWorkbook(w, report); err != nil {
		// Headers are gone; all that is left is to log.
		h.logger.ErrorContext(r.Context(), "license export failed", slog.String("error", err.Error()))
	}
}

// ExportCSV handles GET /api/licenses/export.csv
func (h *LicenseHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.List(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment(fmt.Sprintf("devicehub-licenses-%s.csv", h.now().UTC().Format("20060102-150405"))))
	if err := exporter.WriteLicensesCSV(w, recs); err != nil {
		h.logger.ErrorContext(r.Context(), "license export failed", slog.String("error", err.Error()))
	}
}

func licenseView(rec storage.LicenseRecord) api.LicenseView {
	return api.LicenseView{
		Key:                rec.Key,
		Activated:          rec.Activated,
		BoundDeviceID:      rec.BoundDeviceID,
		ActivatedAt:        rec.ActivatedAt,
		ActivatedByName:    rec.ActivatedByName,
		ActivatedByModel:   rec.ActivatedByModel,
		AssignedPackageRef: rec.AssignedPackageRef,
	}
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
