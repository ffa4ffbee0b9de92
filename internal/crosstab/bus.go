package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// Bus is one tab's handle on the shared channel. The tab id is an opaque
// uuid minted at construction; it tags every outbound record and is the
// key for echo suppression on the inbound path.
type Bus struct {
	tab string
	ch  Channel
	log logx.Logger

	mu     sync.Mutex
	subs   map[int]Handler
	nextID int

	published uint64
	received  uint64
	echoes    uint64
}

// New builds a bus over ch with a fresh tab id.
func New(ch Channel, log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		tab:  uuid.NewString(),
		ch:   ch,
		log:  log,
		subs: map[int]Handler{},
	}
}

// TabID returns the opaque local tab identifier.
func (b *Bus) TabID() string { return b.tab }

// Publish tags payload with the local tab id and appends it to the shared
// channel. payload may be nil (READ_ALL carries none).
func (b *Bus) Publish(ctx context.Context, kind string, payload any) error {
	switch kind {
	case KindAdd, KindRead, KindReadAll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("crosstab: encode %s payload: %w", kind, err)
		}
		raw = data
	}
	rec := Record{Tab: b.tab, Kind: kind, Payload: raw, At: time.Now().UTC()}
	if err := b.ch.Append(ctx, rec); err != nil {
		return err
	}
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	b.log.Trace("crosstab record published", logx.String("kind", kind))
	return nil
}

// Subscribe registers h for records from other tabs. The returned func
// detaches it.
func (b *Bus) Subscribe(h Handler) (off func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Run pumps the channel into the subscribers until ctx is done. Records
// tagged with the local tab id are counted and dropped.
func (b *Bus) Run(ctx context.Context) error {
	return b.ch.Run(ctx, b.dispatch)
}

func (b *Bus) dispatch(rec Record) {
	if rec.Tab == b.tab {
		b.mu.Lock()
		b.echoes++
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	b.received++
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(rec)
	}
}

// Close releases the underlying channel.
func (b *Bus) Close() error { return b.ch.Close() }

// Snapshot returns counters for the status surface.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Tab: b.tab, Published: b.published, Received: b.received, Echoes: b.echoes}
}
