package websocket

import (
	"context"
	"time"

	"devicehub/pkg/contracts/events"
)

// Connection is the part of a websocket connection the client pumps use.
// It exists so tests can drive a client without a network.
type Connection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// Peer identifies the transport an inbound frame arrived on.
type Peer struct {
	TransportID string
	RemoteAddr  string
}

// Dispatcher handles decoded inbound frames. HandleMessage runs on the
// sending client's read goroutine; OnClose runs once after the transport has
// been removed from the hub.
type Dispatcher interface {
	HandleMessage(ctx context.Context, peer Peer, msg events.Inbound)
	OnClose(ctx context.Context, peer Peer)
}
