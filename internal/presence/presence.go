// Package presence tracks network reachability. A periodic probe against
// the backend health endpoint decides online/offline; transitions are
// published on the event bus so the offline queue can replay on the
// online edge. A manual override pins the state for tests and forced
// offline operation.
package presence

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// Bus events published on state edges.
const (
	EventOnline  = "presence.online"
	EventOffline = "presence.offline"
)

var ErrAlreadyRunning = errors.New("presence: already running")

// Config tunes the probe.
type Config struct {
	ProbeURL string
	Interval time.Duration // default 30s
	Timeout  time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Monitor probes reachability. Safe for concurrent use.
type Monitor struct {
	log  logx.Logger
	bus  eventbus.Bus
	http *http.Client

	mu       sync.Mutex
	cfg      Config
	online   bool
	override *bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	probes uint64
	flips  uint64
}

// New builds a monitor. The state starts optimistic: online until a probe
// says otherwise.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		online: true,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Apply swaps tunables at runtime; the next tick uses them.
func (m *Monitor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.http = &http.Client{Timeout: cfg.Timeout}
	m.mu.Unlock()
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(runCtx)
	return nil
}

// Stop halts the probe loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	// immediate first probe; don't wait a full interval for initial state
	m.probe(ctx)
	for {
		m.mu.Lock()
		interval := m.cfg.Interval
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			m.probe(ctx)
		}
	}
}

// probe decides reachability: any HTTP response counts as online, a
// transport error as offline. The backend being up enough to reject us
// still means the network works.
func (m *Monitor) probe(ctx context.Context) {
	m.mu.Lock()
	url := m.cfg.ProbeURL
	timeout := m.cfg.Timeout
	client := m.http
	m.mu.Unlock()
	if url == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	m.probes++
	m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	m.setOnline(err == nil, "probe")
}

// Online reports the effective state; a manual override wins over the
// probed one.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override != nil {
		return *m.override
	}
	return m.online
}

// SetOverride pins the reported state regardless of probe results.
func (m *Monitor) SetOverride(online bool) {
	m.mu.Lock()
	was := m.effectiveLocked()
	m.override = &online
	now := m.effectiveLocked()
	m.mu.Unlock()
	m.publishEdge(was, now, "override")
}

// ClearOverride returns control to the probe.
func (m *Monitor) ClearOverride() {
	m.mu.Lock()
	was := m.effectiveLocked()
	m.override = nil
	now := m.effectiveLocked()
	m.mu.Unlock()
	m.publishEdge(was, now, "override cleared")
}

func (m *Monitor) effectiveLocked() bool {
	if m.override != nil {
		return *m.override
	}
	return m.online
}

func (m *Monitor) setOnline(online bool, cause string) {
	m.mu.Lock()
	was := m.effectiveLocked()
	m.online = online
	now := m.effectiveLocked()
	m.mu.Unlock()
	m.publishEdge(was, now, cause)
}

func (m *Monitor) publishEdge(was, now bool, cause string) {
	if was == now {
		return
	}
	m.mu.Lock()
	m.flips++
	m.mu.Unlock()
	typ := EventOffline
	if now {
		typ = EventOnline
	}
	m.log.Info("network presence changed",
		logx.Bool("online", now),
		logx.String("cause", cause))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Data: now})
	}
}

// Snapshot reports monitor counters for the status surface.
type Snapshot struct {
	Online     bool   `json:"online"`
	Overridden bool   `json:"overridden"`
	Probes     uint64 `json:"probes"`
	Flips      uint64 `json:"flips"`
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Online:     m.effectiveLocked(),
		Overridden: m.override != nil,
		Probes:     m.probes,
		Flips:      m.flips,
	}
}
