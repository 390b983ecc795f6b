package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"devicehub/internal/infrastructure"
	"devicehub/internal/license"
	"devicehub/internal/presence"
	"devicehub/pkg/contracts/events"
)

// Presence is the part of the presence registry driven by transports.
type Presence interface {
	OnConnect(transportID string, id presence.Identity) presence.Session
	OnDisconnect(transportID string)
	DeviceForTransport(transportID string) (string, bool)
}

// Panels tracks operator panels per transport.
type Panels interface {
	Register(panelID, transportID string) []string
	RemoveByTransport(transportID string) (bool, []string)
}

// LicenseValidator activates licenses for license:validate frames.
type LicenseValidator interface {
	Validate(ctx context.Context, req license.Request) (license.ValidationResult, error)
}

// StructValidator checks validate tags on decoded payloads.
type StructValidator interface {
	Struct(s interface{}) error
}

// Bus is the outbound side of the hub used by the router.
type Bus interface {
	SendTo(transportID string, msgType events.MessageType, payload interface{}) error
	Broadcast(msgType events.MessageType, payload interface{})
}

// Router is the Dispatcher that maps inbound frames onto presence, panels
// and the license ledger.
type Router struct {
	bus       Bus
	presence  Presence
	panels    Panels
	licenses  LicenseValidator
	validator StructValidator
	logger    *slog.Logger
}

// NewRouter creates the inbound router. validator may be nil.
func NewRouter(bus Bus, p Presence, panels Panels, licenses LicenseValidator,
	validator StructValidator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Router{
		bus:       bus,
		presence:  p,
		panels:    panels,
		licenses:  licenses,
		validator: validator,
		logger:    logger.With(slog.String("component", "websocket.router")),
	}
}

// HandleMessage implements Dispatcher.
func (r *Router) HandleMessage(ctx context.Context, peer Peer, msg events.Inbound) {
	switch msg.Type {
	case events.MessageTypeDeviceConnect:
		r.connectDevice(ctx, peer, msg)

	case events.MessageTypePanelRegister:
		var p events.PanelRegister
		if !r.decode(ctx, peer, msg, &p) {
			return
		}
		id := strings.TrimSpace(p.PanelID)
		if id == "" {
			r.fail(peer, events.ErrCodeInvalidPayload, "panelId is required")
			return
		}
		ids := r.panels.Register(id, peer.TransportID)
		r.bus.Broadcast(events.MessageTypePanelsUpdate, events.PanelsUpdate{Panels: ids})

	case events.MessageTypeRelay:
		var payload interface{}
		if len(msg.Data) > 0 {
			payload = msg.Data
		}
		r.bus.Broadcast(events.MessageTypeRelay, payload)

	case events.MessageTypeLicenseValidate:
		r.validateLicense(ctx, peer, msg)

	default:
		r.fail(peer, events.ErrCodeUnsupportedType, "unsupported message type "+string(msg.Type))
	}
}

func (r *Router) connectDevice(ctx context.Context, peer Peer, msg events.Inbound) {
	var p events.DeviceConnect
	if !r.decode(ctx, peer, msg, &p) {
		return
	}
	p = events.DeviceConnect{
		DeviceID:    strings.TrimSpace(p.DeviceID),
		DisplayName: strings.TrimSpace(p.DisplayName),
		Model:       strings.TrimSpace(p.Model),
		AppVersion:  strings.TrimSpace(p.AppVersion),
	}
	if presence.IsPlaceholder(p.DeviceID) {
		r.rejectIdentity(ctx, peer, "deviceId uses a reserved prefix")
		return
	}
	if r.validator != nil {
		if err := r.validator.Struct(p); err != nil {
			r.rejectIdentity(ctx, peer, err.Error())
			return
		}
	}

	s := r.presence.OnConnect(peer.TransportID, presence.Identity{
		DeviceID:      p.DeviceID,
		DisplayName:   p.DisplayName,
		Model:         p.Model,
		AppVersion:    p.AppVersion,
		SourceAddress: peer.RemoteAddr,
	})
	r.logger.InfoContext(ctx, "device connected",
		slog.String("transport_id", peer.TransportID),
		slog.String("device_id", s.DeviceID))
}

func (r *Router) rejectIdentity(ctx context.Context, peer Peer, reason string) {
	r.logger.WarnContext(ctx, "device identity rejected",
		slog.String("transport_id", peer.TransportID),
		slog.String("reason", reason))
	r.fail(peer, events.ErrCodeInvalidPayload, reason)
}

func (r *Router) validateLicense(ctx context.Context, peer Peer, msg events.Inbound) {
	var p events.LicenseValidate
	if !r.decode(ctx, peer, msg, &p) {
		return
	}
	req := license.Request{
		Key:         p.Key,
		DeviceID:    p.DeviceID,
		DisplayName: p.DisplayName,
		Model:       p.Model,
	}.Normalize()

	// A device that already declared itself may omit deviceId.
	if req.DeviceID == "" {
		if d, ok := r.deviceFor(peer.TransportID); ok {
			req.DeviceID = d
		}
	}
	if r.validator != nil {
		if err := r.validator.Struct(req); err != nil {
			r.fail(peer, events.ErrCodeInvalidPayload, err.Error())
			return
		}
	}

	res, err := r.licenses.Validate(ctx, req)
	if err != nil {
		r.logger.ErrorContext(ctx, "license validation failed",
			slog.String("transport_id", peer.TransportID),
			slog.String("error", err.Error()))
		r.fail(peer, events.ErrCodeServerError, "license validation unavailable")
		return
	}
	if err := r.bus.SendTo(peer.TransportID, events.MessageTypeLicenseResult, events.LicenseResult{
		Accepted: res.Accepted,
		Reason:   string(res.Reason),
		DeviceID: res.DeviceID,
	}); err != nil {
		r.logger.WarnContext(ctx, "license result not delivered",
			slog.String("transport_id", peer.TransportID),
			slog.String("error", err.Error()))
	}
}

func (r *Router) deviceFor(transportID string) (string, bool) {
	id, ok := r.presence.DeviceForTransport(transportID)
	if !ok || presence.IsPlaceholder(id) {
		return "", false
	}
	return id, true
}

// OnClose implements Dispatcher.
func (r *Router) OnClose(ctx context.Context, peer Peer) {
	r.presence.OnDisconnect(peer.TransportID)
	if changed, ids := r.panels.RemoveByTransport(peer.TransportID); changed {
		r.bus.Broadcast(events.MessageTypePanelsUpdate, events.PanelsUpdate{Panels: ids})
	}
	r.logger.DebugContext(ctx, "transport closed", slog.String("transport_id", peer.TransportID))
}

func (r *Router) decode(ctx context.Context, peer Peer, msg events.Inbound, dst interface{}) bool {
	if len(msg.Data) == 0 {
		r.fail(peer, events.ErrCodeInvalidPayload, string(msg.Type)+" requires data")
		return false
	}
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		r.logger.WarnContext(ctx, "invalid frame payload",
			slog.String("transport_id", peer.TransportID),
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()))
		r.fail(peer, events.ErrCodeInvalidPayload, "invalid "+string(msg.Type)+" payload")
		return false
	}
	return true
}

func (r *Router) fail(peer Peer, code, message string) {
	_ = r.bus.SendTo(peer.TransportID, events.MessageTypeError, events.ErrorData{Code: code, Message: message})
}
