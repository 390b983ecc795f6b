package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"devicehub/internal/presence"
	"devicehub/internal/services"
	"devicehub/pkg/contracts"
	"devicehub/pkg/contracts/events"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Panels      []presence.Panel   `json:"panels"`
	Devices     []presence.Session `json:"devices"`
	OnlineCount int                `json:"onlineCount"`
	Timestamp   time.Time          `json:"timestamp"`
}

// StatusHandler serves presence, panel liveness and health endpoints.
type StatusHandler struct {
	devices   DeviceDirectory
	panels    PanelDirectory
	bus       Broadcaster
	health    *services.HealthService
	validator Validator
	errors    ErrorRenderer
	logger    *slog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(devices DeviceDirectory, panels PanelDirectory, bus Broadcaster, health *services.HealthService,
	validator Validator, errors ErrorRenderer, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		devices:   devices,
		panels:    panels,
		bus:       bus,
		health:    health,
		validator: validator,
		errors:    errors,
		logger:    logger.With(slog.String("handler", "status")),
	}
}

// Devices handles GET /api/devices
func (h *StatusHandler) Devices(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.devices.Snapshot())
}

// Status handles GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, StatusResponse{
		Panels:      h.panels.List(),
		Devices:     h.devices.Snapshot(),
		OnlineCount: h.devices.OnlineCount(),
		Timestamp:   time.Now().UTC(),
	})
}

// Ping handles POST /api/ping. A ping from an unknown panel registers it
// and is announced to every transport.
func (h *StatusHandler) Ping(w http.ResponseWriter, r *http.Request) {
	var report presence.PingReport
	if err := h.validator.DecodeAndValidate(r, &report); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	panel, created := h.panels.Ping(report)
	if created && h.bus != nil {
		h.bus.Broadcast(events.MessageTypePanelsUpdate, events.PanelsUpdate{Panels: h.panels.IDs()})
		h.logger.InfoContext(r.Context(), "panel registered by ping", slog.String("panel_id", panel.ID))
	}
	render.JSON(w, r, panel)
}

// Health handles GET /healthz and GET /api/health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.health.HealthCheck(r.Context())
	if status.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// Version handles GET /api/version
func (h *StatusHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
