package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogRecord is a captured log record with its attributes flattened.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// recordSink is shared between a RecordingHandler and the handlers derived
// from it with WithAttrs.
type recordSink struct {
	mu      sync.Mutex
	records []LogRecord
}

// RecordingHandler captures every record for later assertions. Loggers
// derived with With(...) write into the same sink and keep their attributes.
type RecordingHandler struct {
	sink  *recordSink
	attrs []slog.Attr
	group string
	t     testing.TB
}

// NewRecordingHandler creates an empty handler. When t is non-nil every
// record is mirrored to the test log.
func NewRecordingHandler(t testing.TB) *RecordingHandler {
	return &RecordingHandler{sink: &recordSink{}, t: t}
}

// NewTestLogger returns a logger backed by a fresh RecordingHandler.
func NewTestLogger(t testing.TB) (*slog.Logger, *RecordingHandler) {
	h := NewRecordingHandler(t)
	return slog.New(h), h
}

func (h *RecordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	h.sink.records = append(h.sink.records, LogRecord{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	h.sink.mu.Unlock()

	if h.t != nil {
		h.t.Logf("[%s] %s %v", r.Level, r.Message, attrs)
	}
	return nil
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *RecordingHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = h.key(name)
	return &next
}

func (h *RecordingHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

// Records returns a copy of everything captured so far.
func (h *RecordingHandler) Records() []LogRecord {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	out := make([]LogRecord, len(h.sink.records))
	copy(out, h.sink.records)
	return out
}

// RecordsAt returns the records logged at level.
func (h *RecordingHandler) RecordsAt(level slog.Level) []LogRecord {
	var out []LogRecord
	for _, r := range h.Records() {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the first record whose message contains substr.
func (h *RecordingHandler) Find(substr string) (LogRecord, bool) {
	for _, r := range h.Records() {
		if strings.Contains(r.Message, substr) {
			return r, true
		}
	}
	return LogRecord{}, false
}

// Reset drops all captured records.
func (h *RecordingHandler) Reset() {
	h.sink.mu.Lock()
	h.sink.records = nil
	h.sink.mu.Unlock()
}

// AssertLogged fails t unless a record at level contains message.
func AssertLogged(t testing.TB, h *RecordingHandler, level slog.Level, message string) {
	t.Helper()
	for _, r := range h.RecordsAt(level) {
		if strings.Contains(r.Message, message) {
			return
		}
	}
	t.Errorf("expected %s log containing %q", level, message)
	for _, r := range h.Records() {
		t.Logf("  [%s] %s", r.Level, r.Message)
	}
}

// AssertNoErrors fails t if any error-level record was captured.
func AssertNoErrors(t testing.TB, h *RecordingHandler) {
	t.Helper()
	for _, r := range h.RecordsAt(slog.LevelError) {
		t.Errorf("unexpected error log: %s %v", r.Message, r.Attrs)
	}
}
