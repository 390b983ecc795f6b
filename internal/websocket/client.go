package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devicehub/internal/infrastructure"
	"devicehub/pkg/contracts/events"
)

// heartbeat frames from browser panels keep the read deadline alive and are
// otherwise ignored.
const typeHeartbeat events.MessageType = "heartbeat"

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between one websocket connection and the hub. Its
// id is the transport id presence and delivery address it by.
type Client struct {
	hub  *Hub
	conn Connection

	// Buffered channel of outbound messages
	send chan []byte

	id           string
	traceID      string
	remoteAddr   string
	connectedAt  time.Time
	registered   chan struct{}
	unregistered chan struct{}

	logger *slog.Logger

	messagesSent     int64
	messagesReceived int64
}

// NewClient creates a client for conn with a fresh transport id.
func NewClient(hub *Hub, conn Connection, traceID string) *Client {
	id := uuid.NewString()
	logger := hub.logger.With(
		slog.String("component", "websocket.client"),
		slog.String("transport_id", id),
	)
	if traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.opts.SendBuffer),
		id:           id,
		traceID:      traceID,
		remoteAddr:   conn.RemoteAddr(),
		connectedAt:  time.Now(),
		registered:   make(chan struct{}),
		unregistered: make(chan struct{}),
		logger:       logger,
	}
}

// ID returns the transport id.
func (c *Client) ID() string { return c.id }

func (c *Client) peer() Peer {
	return Peer{TransportID: c.id, RemoteAddr: c.remoteAddr}
}

func (c *Client) context() context.Context {
	ctx := context.Background()
	if c.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, c.traceID)
	}
	return ctx
}

// ReadPump decodes frames from the connection and hands them to the
// dispatcher until the connection fails. On exit the client is removed from
// the hub before the dispatcher hears about the close.
func (c *Client) ReadPump() {
	ctx := c.context()
	defer func() {
		c.logger.InfoContext(ctx, "WebSocket client disconnected (readPump)",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int64("messages_received", c.messagesReceived))
		c.hub.Unregister(c)
		c.conn.Close()
		if d := c.hub.currentDispatcher(); d != nil {
			d.OnClose(ctx, c.peer())
		}
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.ErrorContext(ctx, "Unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		c.messagesReceived++
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))

		var in events.Inbound
		if err := json.Unmarshal(message, &in); err != nil || in.Type == "" {
			c.logger.WarnContext(ctx, "Discarding malformed frame", slog.Int("size", len(message)))
			c.reply(events.MessageTypeError, events.ErrorData{
				Code:    events.ErrCodeInvalidFrame,
				Message: "frames must be JSON objects with a type",
			})
			continue
		}
		if in.Type == typeHeartbeat {
			continue
		}

		d := c.hub.currentDispatcher()
		if d == nil {
			continue
		}
		d.HandleMessage(ctx, c.peer(), in)
	}
}

func (c *Client) reply(msgType events.MessageType, payload interface{}) {
	if err := c.hub.SendTo(c.id, msgType, payload); err != nil {
		c.logger.Debug("Reply not queued", slog.String("error", err.Error()))
	}
}

// WritePump writes queued frames and periodic pings to the connection.
func (c *Client) WritePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod)
	ctx := c.context()
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.DebugContext(ctx, "WebSocket write pump stopped",
			slog.Int64("messages_sent", c.messagesSent))
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.ErrorContext(ctx, "Error writing message to WebSocket",
					slog.String("error", err.Error()))
				return
			}
			c.messagesSent++

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(ctx, "Failed to send ping message",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Serve registers a client for conn and starts its pumps. It returns the
// client, or nil when the hub is no longer running.
func (h *Hub) Serve(conn Connection, traceID string) *Client {
	client := NewClient(h, conn, traceID)
	if !h.Register(client) {
		conn.Close()
		return nil
	}
	go client.WritePump()
	go client.ReadPump()
	return client
}

// Upgrader builds the HTTP upgrader for the hub. An empty allowedOrigins
// list accepts any origin.
func Upgrader(readBuf, writeBuf int, allowedOrigins []string, logger *slog.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			logger.WarnContext(r.Context(), "WebSocket origin check - origin not allowed",
				slog.String("origin", origin))
			return false
		},
	}
}

// Handler upgrades GET /ws requests and hands the connection to the hub.
func Handler(h *Hub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "WebSocket upgrade failed",
				slog.String("error", err.Error()),
				slog.String("remote_addr", r.RemoteAddr))
			return
		}
		h.Serve(wrapConn(conn), infrastructure.TraceIDFromContext(r.Context()))
	}
}
