// Package offline holds mutating REST requests issued while the network
// is unreachable and replays them in submission order once connectivity
// returns. The queue is durable: every change is persisted to local
// storage, so queued mutations survive a process restart.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

const queueName = "offline.mutations"

// Bus events.
const (
	EventQueued   = "offline.queued"
	EventReplayed = "offline.replayed"
	EventDropped  = "offline.dropped"
)

var (
	ErrQueueFull = errors.New("offline: queue full")
	ErrReplaying = errors.New("offline: replay in progress")
)

// Mutation is one deferred request.
type Mutation struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Body       json.RawMessage `json:"body,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	QueuedAt   time.Time       `json:"queued_at"`
}

// DropReport rides EventDropped when a mutation exhausts its retries.
type DropReport struct {
	Mutation Mutation `json:"mutation"`
	LastErr  string   `json:"last_err"`
}

// Executor performs a replayed mutation against the live backend. The
// REST client implements it.
type Executor interface {
	Execute(ctx context.Context, m Mutation) error
}

// Config tunes the queue.
type Config struct {
	MaxRetries    int           // per-item, default 3
	ReplayTimeout time.Duration // per-item, default 15s
	QueueLimit    int           // default 1000
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = 15 * time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1000
	}
	return c
}

// Queue is a durable FIFO of mutations. Safe for concurrent use, but
// replay runs single-flight: a second Replay while one is in progress
// returns ErrReplaying.
type Queue struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu        sync.Mutex
	items     []Mutation
	replaying bool

	queued   uint64
	replayed uint64
	dropped  uint64
}

// New builds the queue and restores any persisted backlog.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{cfg: cfg.withDefaults(), log: log, bus: bus, store: store}
	q.restore()
	return q
}

// Apply swaps tunables at runtime. Already queued items keep the
// max-retries they were enqueued with.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg.withDefaults()
}

// Enqueue appends a mutation and persists the queue. The returned copy
// carries the assigned id.
func (q *Queue) Enqueue(ctx context.Context, method, rawURL string, body json.RawMessage) (Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cfg.QueueLimit {
		return Mutation{}, ErrQueueFull
	}
	m := Mutation{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        rawURL,
		Body:       body,
		MaxRetries: q.cfg.MaxRetries,
		QueuedAt:   time.Now().UTC(),
	}
	q.items = append(q.items, m)
	q.queued++
	q.persistLocked(ctx)
	q.publish(EventQueued, m)
	q.log.Info("mutation queued for replay",
		logx.String("id", m.ID),
		logx.String("method", m.Method),
		logx.String("url", m.URL),
		logx.Int("depth", len(q.items)))
	return m, nil
}

// Len reports the backlog depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the backlog in submission order.
func (q *Queue) Pending() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Mutation, len(q.items))
	copy(out, q.items)
	return out
}

// Replay executes the backlog head-first against exec. A failed item has
// its retry count bumped and, while retries remain, stops the pass with
// the item still at the head so order is preserved for the next attempt.
// Items past MaxRetries are dropped and reported. Returns the number of
// successfully replayed mutations.
func (q *Queue) Replay(ctx context.Context, exec Executor) (int, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return 0, ErrReplaying
	}
	q.replaying = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return done, nil
		}
		m := q.items[0]
		q.mu.Unlock()

		itemCtx, cancel := context.WithTimeout(ctx, q.cfg.ReplayTimeout)
		err := exec.Execute(itemCtx, m)
		cancel()

		q.mu.Lock()
		if err == nil {
			q.items = q.items[1:]
			q.replayed++
			done++
			q.persistLocked(ctx)
			q.mu.Unlock()
			q.publish(EventReplayed, m)
			q.log.Debug("mutation replayed", logx.String("id", m.ID), logx.String("url", m.URL))
			continue
		}

		q.items[0].Retries++
		if q.items[0].Retries > m.MaxRetries {
			dropped := q.items[0]
			q.items = q.items[1:]
			q.dropped++
			q.persistLocked(ctx)
			q.mu.Unlock()
			q.publish(EventDropped, DropReport{Mutation: dropped, LastErr: err.Error()})
			q.log.Warn("mutation dropped after max retries",
				logx.String("id", dropped.ID),
				logx.String("url", dropped.URL),
				logx.Int("retries", dropped.Retries),
				logx.Err(err))
			continue
		}
		q.persistLocked(ctx)
		q.mu.Unlock()
		// Head still failing with retries left; end the pass and keep
		// order intact for the next connectivity edge.
		return done, fmt.Errorf("offline: replay %s %s: %w", m.Method, m.URL, err)
	}
}

// Snapshot reports queue counters for the status surface.
type Snapshot struct {
	Depth    int    `json:"depth"`
	Queued   uint64 `json:"queued"`
	Replayed uint64 `json:"replayed"`
	Dropped  uint64 `json:"dropped"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{Depth: len(q.items), Queued: q.queued, Replayed: q.replayed, Dropped: q.dropped}
}

func (q *Queue) publish(typ string, data any) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (q *Queue) persistLocked(ctx context.Context) {
	if q.store == nil {
		return
	}
	items := make([][]byte, 0, len(q.items))
	for _, m := range q.items {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		items = append(items, data)
	}
	if err := q.store.ReplaceQueue(ctx, queueName, items); err != nil {
		q.log.Warn("offline queue persist failed", logx.Err(err))
	}
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	items, err := q.store.LoadQueue(context.Background(), queueName)
	if err != nil {
		q.log.Warn("offline queue restore failed", logx.Err(err))
		return
	}
	for _, data := range items {
		var m Mutation
		if err := json.Unmarshal(data, &m); err != nil {
			q.log.Warn("offline queue record malformed; skipped", logx.Err(err))
			continue
		}
		q.items = append(q.items, m)
	}
	if len(q.items) > 0 {
		q.log.Info("offline queue restored", logx.Int("depth", len(q.items)))
	}
}
