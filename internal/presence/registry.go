package presence

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is the presence state of a device record.
type State string

const (
	StateOnline        State = "online"
	StateOffline       State = "offline"
	StateAuthenticated State = "authenticated"
)

// PlaceholderPrefix prefixes the device id given to transports that did not
// declare one.
const PlaceholderPrefix = "transport:"

// IsPlaceholder reports whether deviceID lies in the placeholder namespace.
// Such ids are never accepted from a device.
func IsPlaceholder(deviceID string) bool {
	return strings.HasPrefix(deviceID, PlaceholderPrefix)
}

// DefaultGraceInterval is the delay between a disconnect and the offline mark.
const DefaultGraceInterval = 5 * time.Second

// Identity is what a device declares about itself on connect.
type Identity struct {
	DeviceID      string `json:"deviceId"`
	DisplayName   string `json:"displayName,omitempty"`
	Model         string `json:"model,omitempty"`
	AppVersion    string `json:"appVersion,omitempty"`
	SourceAddress string `json:"sourceAddress,omitempty"`
}

// Session is the public view of a canonical device record.
type Session struct {
	TransportID   string    `json:"transportId"`
	DeviceID      string    `json:"deviceId"`
	DisplayName   string    `json:"displayName"`
	Model         string    `json:"model"`
	AppVersion    string    `json:"appVersion"`
	SourceAddress string    `json:"sourceAddress"`
	LicenseKey    string    `json:"licenseKey,omitempty"`
	State         State     `json:"state"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// Notifier receives the snapshot after every presence change. It runs while
// the registry lock is held and must not block or call back into the
// registry.
type Notifier func(snapshot []Session)

type record struct {
	Session
	// generation increases whenever a transport claims the record; pending
	// grace timers compare against it at fire time.
	generation uint64
}

// Registry is the canonical device table.
type Registry struct {
	mu sync.RWMutex

	records    map[string]*record
	order      []string
	transports map[string]string // transport id -> device id
	timers     map[string]Timer  // transport id -> pending offline check

	grace  time.Duration
	clock  Clock
	notify Notifier
	logger *slog.Logger
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	GraceInterval time.Duration
	Clock         Clock
	Notifier      Notifier
	Logger        *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.GraceInterval <= 0 {
		opts.GraceInterval = DefaultGraceInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		records:    make(map[string]*record),
		transports: make(map[string]string),
		timers:     make(map[string]Timer),
		grace:      opts.GraceInterval,
		clock:      opts.Clock,
		notify:     opts.Notifier,
		logger:     opts.Logger.With(slog.String("component", "presence")),
	}
}

// SetNotifier replaces the change notifier.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = n
}

// OnConnect binds transportID to the declared device. An existing record for
// the same device id is reused and any pending offline check for it is
// voided.
func (r *Registry) OnConnect(transportID string, id Identity) Session {
	deviceID := strings.TrimSpace(id.DeviceID)
	if deviceID == "" {
		deviceID = PlaceholderPrefix + transportID
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	// the same transport may re-declare itself under a new device id
	if prev, ok := r.transports[transportID]; ok && prev != deviceID {
		r.detachLocked(prev, transportID)
	}

	rec, ok := r.records[deviceID]
	if ok {
		if rec.TransportID != "" && rec.TransportID != transportID {
			r.stopTimerLocked(rec.TransportID)
		}
		r.logger.Info("device reconnected",
			slog.String("device_id", deviceID),
			slog.String("transport_id", transportID),
			slog.String("previous_transport_id", rec.TransportID))
	} else {
		rec = &record{Session: Session{DeviceID: deviceID}}
		r.records[deviceID] = rec
		r.order = append(r.order, deviceID)
		r.logger.Info("device connected",
			slog.String("device_id", deviceID),
			slog.String("transport_id", transportID))
	}

	rec.generation++
	rec.TransportID = transportID
	rec.State = StateOnline
	rec.LastSeenAt = now
	refresh(&rec.Session, id)

	r.transports[transportID] = deviceID
	r.notifyLocked()
	return rec.Session
}

// OnDisconnect schedules the grace check for the device last bound to
// transportID. Unknown transports are ignored.
func (r *Registry) OnDisconnect(transportID string) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.transports[transportID]
	if !ok {
		return
	}
	delete(r.transports, transportID)

	rec, ok := r.records[deviceID]
	if !ok || rec.TransportID != transportID {
		return
	}
	rec.LastSeenAt = now

	gen := rec.generation
	r.stopTimerLocked(transportID)
	r.timers[transportID] = r.clock.AfterFunc(r.grace, func() {
		r.expire(transportID, deviceID, gen)
	})

	r.logger.Debug("device disconnected, grace period started",
		slog.String("device_id", deviceID),
		slog.String("transport_id", transportID),
		slog.Duration("grace", r.grace))
}

// expire is the grace timer callback. It re-reads the record rather than
// trusting what was captured at schedule time.
func (r *Registry) expire(transportID, deviceID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.timers, transportID)

	rec, ok := r.records[deviceID]
	if !ok || rec.generation != gen || rec.State == StateOffline {
		return
	}
	if rec.TransportID != "" && rec.TransportID != transportID {
		return
	}

	rec.State = StateOffline
	rec.TransportID = ""
	r.logger.Info("device offline", slog.String("device_id", deviceID))
	r.notifyLocked()
}

// OnAuthenticate records a validated license for deviceID. Without an
// existing record a placeholder with no transport is created.
func (r *Registry) OnAuthenticate(deviceID, licenseKey string, id Identity) Session {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		rec = &record{Session: Session{DeviceID: deviceID}}
		r.records[deviceID] = rec
		r.order = append(r.order, deviceID)
	}
	rec.LicenseKey = licenseKey
	rec.State = StateAuthenticated
	rec.LastSeenAt = now
	refresh(&rec.Session, id)

	r.notifyLocked()
	return rec.Session
}

// Publish hands the current snapshot to the notifier under the registry
// lock, so it is ordered with the snapshots published by state changes.
func (r *Registry) Publish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked()
}

// Snapshot returns every canonical record in order of first appearance.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Lookup returns the record for deviceID.
func (r *Registry) Lookup(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return Session{}, false
	}
	return rec.Session, true
}

// ResolveTransport returns the live transport for deviceID, if any.
func (r *Registry) ResolveTransport(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[deviceID]
	if !ok || rec.TransportID == "" || rec.State == StateOffline {
		return "", false
	}
	return rec.TransportID, true
}

// DeviceForTransport returns the device id currently bound to transportID.
func (r *Registry) DeviceForTransport(transportID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.transports[transportID]
	return id, ok
}

// OnlineCount returns the number of records not marked offline that have a
// transport.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineCountLocked()
}

func (r *Registry) onlineCountLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.TransportID != "" && rec.State != StateOffline {
			n++
		}
	}
	return n
}

func (r *Registry) snapshotLocked() []Session {
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Session)
	}
	return out
}

func (r *Registry) notifyLocked() {
	if r.notify != nil {
		r.notify(r.snapshotLocked())
	}
}

func (r *Registry) stopTimerLocked(transportID string) {
	if t, ok := r.timers[transportID]; ok {
		t.Stop()
		delete(r.timers, transportID)
	}
}

// detachLocked unbinds transportID from deviceID when the transport moves
// to another identity. Placeholder records are dropped entirely.
func (r *Registry) detachLocked(deviceID, transportID string) {
	rec, ok := r.records[deviceID]
	if !ok || rec.TransportID != transportID {
		return
	}
	if strings.HasPrefix(deviceID, PlaceholderPrefix) && rec.LicenseKey == "" {
		delete(r.records, deviceID)
		for i, id := range r.order {
			if id == deviceID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		return
	}
	rec.generation++
	rec.TransportID = ""
	rec.State = StateOffline
}

func refresh(s *Session, id Identity) {
	if id.DisplayName != "" {
		s.DisplayName = id.DisplayName
	}
	if id.Model != "" {
		s.Model = id.Model
	}
	if id.AppVersion != "" {
		s.AppVersion = id.AppVersion
	}
	if id.SourceAddress != "" {
		s.SourceAddress = id.SourceAddress
	}
}
