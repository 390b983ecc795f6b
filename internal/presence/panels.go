package presence

import (
	"sort"
	"sync"
	"time"
)

// Panel is an operator control panel known to the hub.
type Panel struct {
	ID           string    `json:"id"`
	TransportID  string    `json:"transportId,omitempty"`
	Source       string    `json:"source,omitempty"`
	Devices      int       `json:"devices"`
	Status       string    `json:"status,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastPingAt   time.Time `json:"lastPingAt,omitempty"`
}

// PingReport is the liveness report a panel posts periodically.
type PingReport struct {
	ID        string    `json:"id" validate:"required,max=128"`
	Source    string    `json:"source,omitempty" validate:"max=256"`
	Devices   int       `json:"devices" validate:"gte=0"`
	Status    string    `json:"status,omitempty" validate:"max=64"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PanelDirectory tracks registered panels by id.
type PanelDirectory struct {
	mu     sync.RWMutex
	panels map[string]*Panel
	clock  Clock
}

// NewPanelDirectory creates an empty directory. A nil clock uses the system
// clock.
func NewPanelDirectory(clock Clock) *PanelDirectory {
	if clock == nil {
		clock = SystemClock()
	}
	return &PanelDirectory{panels: make(map[string]*Panel), clock: clock}
}

// Register binds panelID to transportID and returns the current panel ids.
func (d *PanelDirectory) Register(panelID, transportID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.panels[panelID]
	if !ok {
		p = &Panel{ID: panelID, RegisteredAt: d.clock.Now()}
		d.panels[panelID] = p
	}
	p.TransportID = transportID
	return d.idsLocked()
}

// RemoveByTransport drops every panel registered over transportID. It
// reports whether anything changed along with the remaining ids.
func (d *PanelDirectory) RemoveByTransport(transportID string) (bool, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for id, p := range d.panels {
		if p.TransportID == transportID {
			delete(d.panels, id)
			changed = true
		}
	}
	return changed, d.idsLocked()
}

// Ping records a liveness report, creating the panel if needed. created
// reports whether the panel was new.
func (d *PanelDirectory) Ping(report PingReport) (panel Panel, created bool) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.panels[report.ID]
	if !ok {
		p = &Panel{ID: report.ID, RegisteredAt: now}
		d.panels[report.ID] = p
	}
	p.Source = report.Source
	p.Devices = report.Devices
	p.Status = report.Status
	p.LastPingAt = now
	return *p, !ok
}

// List returns all panels sorted by id.
func (d *PanelDirectory) List() []Panel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Panel, 0, len(d.panels))
	for _, p := range d.panels {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted panel ids.
func (d *PanelDirectory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.idsLocked()
}

func (d *PanelDirectory) idsLocked() []string {
	ids := make([]string, 0, len(d.panels))
	for id := range d.panels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
