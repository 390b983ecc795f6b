package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"devicehub/pkg/contracts/events"
)

// mockConnection is an in-memory Connection. ReadMessage blocks until a
// frame is pushed or the connection is closed.
type mockConnection struct {
	mu       sync.Mutex
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	written  [][]byte
	control  []int

	readLimit   int64
	pongHandler func(string) error
	remoteAddr  string
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		incoming:   make(chan []byte, 16),
		closed:     make(chan struct{}),
		remoteAddr: "10.0.0.7:5151",
	}
}

func (m *mockConnection) push(frame string) { m.incoming <- []byte(frame) }

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.incoming:
		return 1, data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == 1 {
		m.written = append(m.written, data)
	} else {
		m.control = append(m.control, messageType)
	}
	return nil
}

func (m *mockConnection) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	m.readLimit = limit
	m.mu.Unlock()
}

func (m *mockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	m.pongHandler = h
	m.mu.Unlock()
}

func (m *mockConnection) RemoteAddr() string { return m.remoteAddr }

// frames decodes every text frame written so far.
func (m *mockConnection) frames() []events.Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Inbound, 0, len(m.written))
	for _, data := range m.written {
		var in events.Inbound
		if json.Unmarshal(data, &in) == nil {
			out = append(out, in)
		}
	}
	return out
}

func (m *mockConnection) framesOfType(t events.MessageType) []events.Inbound {
	var out []events.Inbound
	for _, f := range m.frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}
