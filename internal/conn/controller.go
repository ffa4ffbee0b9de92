package conn

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/internal/transport"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

const outboxQueue = "conn.outbox"

// Controller drives the transport escalation ladder and exposes a single
// tier-agnostic surface: Send, On/Off, state snapshots.
//
// One run goroutine owns dialing, the heartbeat, and inbound dispatch, so
// there is never more than one reconnect/escalation sequence in flight.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	rungs []transport.Rung
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	state State
	cur   transport.Conn
	tier  string

	running   bool
	runCancel context.CancelFunc
	runDone   chan struct{}

	handlers   map[string]map[uint64]Handler
	handlerSeq uint64

	outbox []outboxItem

	// counters for the status surface
	cycles        uint64
	dialAttempts  uint64
	connects      uint64
	dispatched    uint64
	outboxSent    uint64
	outboxExpired uint64
	lastPongAt    time.Time
	lastErr       error

	rng *rand.Rand
}

// New builds a controller over the given escalation ladder. bus and store
// may be nil (no observability events, no durable outbox).
func New(cfg Config, rungs []transport.Rung, log logx.Logger, bus eventbus.Bus, store storage.Store) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		rungs:    rungs,
		log:      log,
		bus:      bus,
		store:    store,
		state:    StateDisconnected,
		handlers: map[string]map[uint64]Handler{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.restoreOutbox()
	return c
}

// Apply swaps tunables at runtime. Endpoint changes need a reconnect; this
// only touches timings and limits.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Connect starts the controller. Calling it while running is a no-op, so
// concurrent connect triggers coalesce into the single run loop.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if len(c.rungs) == 0 {
		c.mu.Unlock()
		return ErrNoTiers
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

// Disconnect stops the run loop and waits for it to unwind.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.runCancel
	done := c.runDone
	c.running = false
	c.runCancel = nil
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.setState(StateDisconnected, "")
	return nil
}

func (c *Controller) IsConnected() bool { return c.State().IsUp() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for one inbound wire event and returns its
// deregistration func.
func (c *Controller) On(event string, h Handler) (off func()) {
	if h == nil {
		return func() {}
	}
	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	m := c.handlers[event]
	if m == nil {
		m = map[uint64]Handler{}
		c.handlers[event] = m
	}
	m[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if m := c.handlers[event]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(c.handlers, event)
				}
			}
			c.mu.Unlock()
		})
	}
}

// Send pushes one envelope over the live tier, or queues it in the outbox
// when nothing is up. Queued envelopes carry their enqueue time and are
// dropped at flush when older than the outbox TTL.
func (c *Controller) Send(event string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	ev := transport.Event{Name: event, Data: raw}

	c.mu.Lock()
	cur := c.cur
	up := c.state.IsUp()
	if !up || cur == nil {
		err := c.enqueueLocked(ev)
		c.mu.Unlock()
		return err
	}
	timeout := c.cfg.LivenessTimeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cur.Send(ctx, ev); err != nil {
		// The conn is dying; the run loop will notice. Keep the intent.
		c.mu.Lock()
		qerr := c.enqueueLocked(ev)
		c.mu.Unlock()
		if qerr != nil {
			return qerr
		}
		return nil
	}
	return nil
}

func (c *Controller) enqueueLocked(ev transport.Event) error {
	if len(c.outbox) >= c.cfg.OutboxLimit {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, outboxItem{Event: ev, QueuedAt: time.Now()})
	c.persistOutboxLocked()
	return nil
}

// Snapshot returns a point-in-time view for the status surface.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:         c.state,
		Tier:          c.tier,
		Cycles:        c.cycles,
		DialAttempts:  c.dialAttempts,
		Connects:      c.connects,
		Dispatched:    c.dispatched,
		OutboxLen:     len(c.outbox),
		OutboxSent:    c.outboxSent,
		OutboxExpired: c.outboxExpired,
		LastPongAt:    c.lastPongAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// ---- run loop ----

// run owns the whole connect/serve/reconnect lifecycle until ctx cancels.
func (c *Controller) run(ctx context.Context) {
	everConnected := false
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}

		first := StateConnecting
		if everConnected {
			first = StateReconnecting
		}

		conn, err := c.escalate(ctx, first)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected, "")
				return
			}
			// Every tier failed: cooldown, reset counters, start over while
			// the connect intent holds.
			c.mu.Lock()
			c.cycles++
			cycles := c.cycles
			cooldown := c.cfg.FailureCooldown
			c.lastErr = err
			c.mu.Unlock()

			c.setState(StateFailed, "")
			c.publish(EventDown, DownReport{Cycles: cycles, Cooldown: cooldown, LastErr: err.Error(), At: time.Now()})
			c.log.Warn("all transport tiers failed; cooling down",
				logx.Duration("cooldown", cooldown), logx.Err(err))
			if !sleepCtx(ctx, cooldown) {
				c.setState(StateDisconnected, "")
				return
			}
			continue
		}

		everConnected = true
		startedAt := time.Now()
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}
		c.log.Info("connection lost; reconnecting",
			logx.String("tier", conn.Tier().String()),
			logx.Duration("uptime", time.Since(startedAt)),
			logx.Err(conn.Err()))
	}
}

// escalate walks the ladder, best tier first, with a per-tier attempt
// budget and jittered exponential backoff between attempts.
func (c *Controller) escalate(ctx context.Context, first State) (transport.Conn, error) {
	c.setState(first, "")

	c.mu.Lock()
	rungs := c.rungs
	cfg := c.cfg
	c.mu.Unlock()

	var lastErr error
	backoff := cfg.ReconnectBase
	for _, rung := range rungs {
		for attempt := 1; attempt <= cfg.AttemptsPerTier; attempt++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.mu.Lock()
			c.dialAttempts++
			c.mu.Unlock()

			conn, err := rung.Dial(ctx)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			c.log.Debug("dial failed",
				logx.String("tier", rung.Tier.String()),
				logx.Int("attempt", attempt),
				logx.Duration("backoff", backoff),
				logx.Err(err))

			if !sleepCtx(ctx, c.jitter(backoff)) {
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > cfg.ReconnectMax {
				backoff = cfg.ReconnectMax
			}
		}
		c.log.Warn("tier exhausted; escalating", logx.String("tier", rung.Tier.String()))
	}
	if lastErr == nil {
		lastErr = ErrNoTiers
	}
	return nil, lastErr
}

// serve pumps one live connection: outbox flush, inbound dispatch, and the
// app-level heartbeat. Returns when the conn dies or ctx cancels.
func (c *Controller) serve(ctx context.Context, conn transport.Conn) {
	up := StateConnected
	if conn.Tier() == transport.TierLongPoll {
		up = StateFallbackPolling
	}

	c.mu.Lock()
	c.cur = conn
	c.connects++
	c.lastPongAt = time.Now()
	hb := c.cfg.HeartbeatInterval
	liveness := c.cfg.LivenessTimeout
	c.mu.Unlock()

	c.setState(up, conn.Tier().String())
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		if c.cur == conn {
			c.cur = nil
		}
		c.lastErr = conn.Err()
		c.mu.Unlock()
	}()

	c.flushOutbox(ctx, conn)

	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Name {
			case transport.EvPong:
				c.mu.Lock()
				c.lastPongAt = time.Now()
				c.mu.Unlock()
				if c.State() == StateDegraded {
					c.setState(up, conn.Tier().String())
				}
			case transport.EvDisconnect:
				// The server asked us to drop; reconnect from scratch.
				c.log.Debug("server requested disconnect")
				return
			default:
				c.dispatch(ev)
			}
		case <-ticker.C:
			c.mu.Lock()
			sincePong := time.Since(c.lastPongAt)
			c.mu.Unlock()
			// Liveness: a transport that still looks connected but stopped
			// ponging gets torn down so the ladder can recover.
			if sincePong > liveness {
				c.log.Warn("heartbeat liveness expired; forcing reconnect",
					logx.Duration("since_pong", sincePong))
				return
			}
			if sincePong > 2*hb && c.State() == up && up != StateFallbackPolling {
				c.setState(StateDegraded, conn.Tier().String())
			}
			sctx, cancel := context.WithTimeout(ctx, hb)
			err := conn.Send(sctx, transport.Event{Name: transport.EvPing})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// flushOutbox replays queued sends in FIFO order, dropping entries older
// than the TTL.
func (c *Controller) flushOutbox(ctx context.Context, conn transport.Conn) {
	c.mu.Lock()
	pending := c.outbox
	c.outbox = nil
	ttl := c.cfg.OutboxTTL
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	now := time.Now()
	sent, expired := 0, 0
	for i, it := range pending {
		if now.Sub(it.QueuedAt) > ttl {
			expired++
			continue
		}
		if err := conn.Send(ctx, it.Event); err != nil {
			// Conn died mid-flush; keep the rest for the next connection.
			c.mu.Lock()
			c.outbox = append(pending[i:], c.outbox...)
			c.outboxSent += uint64(sent)
			c.outboxExpired += uint64(expired)
			c.persistOutboxLocked()
			c.mu.Unlock()
			return
		}
		sent++
	}

	c.mu.Lock()
	c.outboxSent += uint64(sent)
	c.outboxExpired += uint64(expired)
	c.persistOutboxLocked()
	c.mu.Unlock()
	if sent > 0 || expired > 0 {
		c.log.Debug("outbox flushed", logx.Int("sent", sent), logx.Int("expired", expired))
	}
}

func (c *Controller) dispatch(ev transport.Event) {
	c.mu.Lock()
	m := c.handlers[ev.Name]
	hs := make([]Handler, 0, len(m))
	for _, h := range m {
		hs = append(hs, h)
	}
	c.dispatched++
	c.mu.Unlock()

	for _, h := range hs {
		h(ev.Data)
	}
}

func (c *Controller) setState(s State, tier string) {
	c.mu.Lock()
	if c.state == s && c.tier == tier {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = s
	c.tier = tier
	c.mu.Unlock()

	c.log.Debug("state changed",
		logx.String("from", string(from)),
		logx.String("to", string(s)),
		logx.String("tier", tier))
	c.publish(EventState, StateChange{From: from, To: s, Tier: tier, At: time.Now()})
}

func (c *Controller) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// ---- outbox persistence ----

func (c *Controller) restoreOutbox() {
	if c.store == nil {
		return
	}
	items, err := c.store.LoadQueue(context.Background(), outboxQueue)
	if err != nil || len(items) == 0 {
		return
	}
	for _, raw := range items {
		var it outboxItem
		if json.Unmarshal(raw, &it) == nil && it.Event.Name != "" {
			c.outbox = append(c.outbox, it)
		}
	}
	if len(c.outbox) > 0 {
		c.log.Debug("outbox restored", logx.Int("items", len(c.outbox)))
	}
}

func (c *Controller) persistOutboxLocked() {
	if c.store == nil {
		return
	}
	items := make([][]byte, 0, len(c.outbox))
	for _, it := range c.outbox {
		b, err := json.Marshal(it)
		if err != nil {
			continue
		}
		items = append(items, b)
	}
	if err := c.store.ReplaceQueue(context.Background(), outboxQueue, items); err != nil {
		c.log.Warn("outbox persist failed", logx.Err(err))
	}
}

// ---- helpers ----

func (c *Controller) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// 20% jitter.
	c.mu.Lock()
	j := time.Duration(c.rng.Int63n(int64(d/5) + 1))
	c.mu.Unlock()
	return d + j
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
