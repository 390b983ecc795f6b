package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanelDirectory(t *testing.T) {
	clock := newFakeClock()
	dir := NewPanelDirectory(clock)

	assert.Equal(t, []string{"b"}, dir.Register("b", "T1"))
	assert.Equal(t, []string{"a", "b"}, dir.Register("a", "T2"))

	clock.Advance(time.Minute)
	p, created := dir.Ping(PingReport{ID: "a", Source: "kiosk-lan", Devices: 3, Status: "ok"})
	assert.False(t, created)
	assert.Equal(t, 3, p.Devices)
	assert.Equal(t, clock.Now(), p.LastPingAt)
	assert.Equal(t, "T2", p.TransportID)

	changed, ids := dir.RemoveByTransport("T1")
	assert.True(t, changed)
	assert.Equal(t, []string{"a"}, ids)

	changed, _ = dir.RemoveByTransport("T1")
	assert.False(t, changed)

	_, created = dir.Ping(PingReport{ID: "remote"})
	assert.True(t, created)
	list := dir.List()
	require.Len(t, list, 2)
	assert.Equal(t, "remote", list[1].ID)
	assert.Empty(t, list[1].TransportID)
}
