package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"devicehub/internal/config"
	"devicehub/internal/infrastructure"
	"devicehub/pkg/contracts/events"
)

// ErrUnknownTransport is returned by SendTo when no client holds the id.
var ErrUnknownTransport = errors.New("unknown transport")

// ErrSendBufferFull is returned by SendTo when the client is not draining.
var ErrSendBufferFull = errors.New("client send buffer full")

// Options tune the per-client pumps.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

// OptionsFromConfig converts the websocket config section.
func OptionsFromConfig(cfg config.WebSocketConfig) Options {
	return Options{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
	}
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Hub owns the set of live transports. It addresses a single transport with
// SendTo and every transport with Broadcast. Neither call blocks on a slow
// client: frames that do not fit in a client's buffer are dropped and
// counted.
type Hub struct {
	// Registered clients keyed by transport id
	clients map[string]*Client

	// Outbound frames for every client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	metrics    *infrastructure.BusinessMetrics

	totalConnections int64
	done             chan struct{}
}

// NewHub creates a hub. dispatcher may be nil and set later with
// SetDispatcher, before Run.
func NewHub(dispatcher Dispatcher, opts Options, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics = infrastructure.NoopMetrics()
	}
	opts = opts.withDefaults()
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, opts.SendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// SetDispatcher installs the inbound frame handler.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// Run is the hub's main loop. It returns when ctx is cancelled, after closing
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()
			close(client.registered)

			h.metrics.WebSocketConnections.Add(ctx, 1)
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("transport_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				h.metrics.WebSocketConnections.Add(ctx, -1)
				h.logger.InfoContext(ctx, "Client unregistered",
					slog.Int("total_clients", count),
					slog.String("transport_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			} else {
				h.mu.Unlock()
			}
			close(client.unregistered)

		case message := <-h.broadcast:
			h.mu.RLock()
			dropped := 0
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					dropped++
				}
			}
			total := len(h.clients)
			h.mu.RUnlock()

			if dropped > 0 {
				h.metrics.BusMessagesDropped.Add(ctx, int64(dropped),
					metric.WithAttributes(attribute.String("mode", "broadcast")))
				h.logger.WarnContext(ctx, "Some clients failed to receive broadcast",
					slog.Int("client_count", total),
					slog.Int("dropped", dropped))
			}
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

// Register adds a client and waits until it is addressable. It reports
// false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		<-client.registered
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and waits until the hub has processed it, so
// SendTo fails for its transport id afterwards.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
		<-client.unregistered
	case <-h.done:
	}
}

// SendTo queues one frame for a single transport.
func (h *Hub) SendTo(transportID string, msgType events.MessageType, payload interface{}) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[transportID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, transportID)
	}
	select {
	case client.send <- data:
		return nil
	default:
		h.metrics.BusMessagesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("mode", "direct")))
		return fmt.Errorf("%w: %s", ErrSendBufferFull, transportID)
	}
}

// Broadcast queues a frame for every transport without blocking.
func (h *Hub) Broadcast(msgType events.MessageType, payload interface{}) {
	data, err := encode(msgType, payload)
	if err != nil {
		h.logger.Error("Error marshaling broadcast message",
			slog.String("error", err.Error()),
			slog.String("message_type", string(msgType)))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.metrics.BusMessagesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("mode", "broadcast_queue")))
		h.logger.Warn("Broadcast queue full, dropping message",
			slog.String("message_type", string(msgType)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasTransport reports whether transportID is connected.
func (h *Hub) HasTransport(transportID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[transportID]
	return ok
}

// Stats returns hub counters for diagnostics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"broadcast_queue":   len(h.broadcast),
	}
}

func (h *Hub) currentDispatcher() Dispatcher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dispatcher
}

func encode(msgType events.MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(events.Message{
		Type:      msgType,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", msgType, err)
	}
	return data, nil
}
