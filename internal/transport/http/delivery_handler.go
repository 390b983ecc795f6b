package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"devicehub/internal/delivery"
	"devicehub/internal/services"
	api "devicehub/pkg/contracts/api/v1"
)

// DeliveryHandler handles assignments, pushes, download links and
// redemption.
type DeliveryHandler struct {
	coordinator DeliveryCoordinator
	validator   Validator
	errors      ErrorRenderer
	logger      *slog.Logger
}

// NewDeliveryHandler creates a new delivery handler
func NewDeliveryHandler(coordinator DeliveryCoordinator, validator Validator, errors ErrorRenderer, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{
		coordinator: coordinator,
		validator:   validator,
		errors:      errors,
		logger:      logger.With(slog.String("handler", "delivery")),
	}
}

// Assign handles POST /api/assignments
func (h *DeliveryHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req api.AssignRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.coordinator.Assign(r.Context(), req.LicenseKey, req.PackageRef)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.AssignResponse{
		Assigned:  true,
		Delivered: res.Delivered,
		DeviceID:  res.DeviceID,
		Package:   services.PackageView(res.Package),
	})
}

// Send handles POST /api/deliveries/send
func (h *DeliveryHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req api.SendRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.coordinator.SendNow(r.Context(), req.LicenseKey, req.PackageRef)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.SendResponse{Sent: true, DeviceID: res.DeviceID, TransportID: res.TransportID})
}

// Link handles POST /api/deliveries/links
func (h *DeliveryHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req api.LinkRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.coordinator.IssueLink(r.Context(), delivery.LinkRequest{GrantRequest: delivery.GrantRequest{
		PackageRef:        req.PackageRef,
		TTL:               time.Duration(req.TTLMinutes) * time.Minute,
		TargetDeviceID:    req.DeviceID,
		TargetTransportID: req.TransportID,
		BaseURL:           requestBaseURL(r),
	}})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	g := res.Grant
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.LinkResponse{
		URL:        res.URL,
		Token:      g.Token,
		PackageRef: g.PackageRef,
		FileName:   g.FileName,
		FileSize:   g.FileSize,
		Checksum:   g.Checksum,
		IssuedAt:   g.IssuedAt,
		ExpiresAt:  g.ExpiresAt,
		Notified:   res.Notified,
	})
}

// Prune handles POST /api/maintenance/prune
func (h *DeliveryHandler) Prune(w http.ResponseWriter, r *http.Request) {
	n, err := h.coordinator.Prune(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.PruneResponse{Removed: n})
}

// Download handles GET /download/{token}. Grants may be redeemed any number
// of times until they expire.
func (h *DeliveryHandler) Download(w http.ResponseWriter, r *http.Request) {
	red, err := h.coordinator.Redeem(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	defer red.File.Close()

	modTime := red.Grant.IssuedAt
	if info, err := red.File.Stat(); err == nil {
		modTime = info.ModTime()
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(red.Grant.FileName))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, red.Grant.FileName, modTime, red.File)

	h.logger.InfoContext(r.Context(), "package downloaded",
		slog.String("package_ref", red.Grant.PackageRef),
		slog.String("file", red.Grant.FileName),
		slog.String("remote_addr", r.RemoteAddr))
}

// requestBaseURL rebuilds the scheme and host a request arrived on, honoring
// X-Forwarded-Proto from a terminating proxy.
func requestBaseURL(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
