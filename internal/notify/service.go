// Package notify canonicalizes heterogeneous inbound push events into one
// notification shape, deduplicates them by id, and bundles same-key events
// inside a sliding time window.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

const inboxKey = "notify.inbox"

// Service is the notification inbox. All mutations go through its methods;
// readers get copies, never live references.
type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	schema *jsonschema.Schema
	now    func() time.Time

	entries []*Notification
	// seen holds every ingested id for dedup; seenOrder bounds it FIFO.
	seen      map[string]struct{}
	seenOrder []string

	ingested uint64
	bundled  uint64
	deduped  uint64
	rejected uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		schema: compileEventSchema(),
		now:    time.Now,
		seen:   map[string]struct{}{},
	}
	s.restore()
	return s
}

// Apply swaps tunables at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Ingest normalizes one raw wire payload and folds it into the canonical
// set. wireEvent picks the canonical type when the payload carries none.
//
// Returns (nil, nil) when the event was a duplicate of an already-ingested
// id; a non-nil error means the payload was rejected (and logged), never
// that ingestion of later events is compromised.
func (s *Service) Ingest(wireEvent string, raw []byte) (*Notification, error) {
	n, err := s.normalize(wireEvent, raw)
	if err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		s.log.Warn("inbound event dropped", logx.String("wire_event", wireEvent), logx.Err(err))
		return nil, err
	}

	s.mu.Lock()
	if _, dup := s.seen[n.ID]; dup {
		s.deduped++
		s.mu.Unlock()
		return nil, nil
	}
	s.rememberLocked(n.ID)
	s.ingested++

	merged := s.bundleLocked(n)
	unread := s.unreadLocked()
	s.enforceCapLocked()
	out := *merged
	out.SourceIDs = append([]string(nil), merged.SourceIDs...)
	wasBundled := merged.Count > 1
	if wasBundled {
		s.bundled++
	}
	s.mu.Unlock()

	typ := EventAdded
	if wasBundled {
		typ = EventBundled
	}
	s.publish(typ, out)
	s.log.Debug("event ingested",
		logx.String("id", out.ID),
		logx.String("type", out.Type),
		logx.Int("count", out.Count),
		logx.Int("unread", unread))
	return &out, nil
}

// normalize validates the envelope and fills defaults.
func (s *Service) normalize(wireEvent string, raw []byte) (*Notification, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.ID == "" && ev.Message == "" {
		return nil, ErrUnidentifiable
	}

	n := &Notification{
		ID:         ev.ID,
		Type:       ev.Type,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Message:    ev.Message,
		Read:       false,
		Count:      1,
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = TypeForWireEvent(wireEvent)
	}
	if ev.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, ev.CreatedAt); err == nil {
			n.CreatedAt = ts
		}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.SourceIDs = []string{n.ID}
	return n, nil
}

// bundleLocked merges n into an existing same-key entry when n arrives
// inside the window measured from the existing entry's timestamp (sliding,
// not bucketed), otherwise inserts it.
func (s *Service) bundleLocked(n *Notification) *Notification {
	window := s.cfg.BundleWindow
	if w, ok := s.cfg.BundleWindows[n.Type]; ok {
		window = w
	}

	for _, e := range s.entries {
		if e.Type != n.Type || e.SenderID != n.SenderID {
			continue
		}
		if n.CreatedAt.Sub(e.CreatedAt) > window {
			continue
		}
		e.Count++
		e.SourceIDs = append(e.SourceIDs, n.ID)
		e.CreatedAt = n.CreatedAt
		e.Read = false
		if n.SenderName != "" {
			e.SenderName = n.SenderName
		}
		e.Message = aggregateMessage(e)
		return e
	}

	s.entries = append(s.entries, n)
	return n
}

// aggregateMessage re-templates the display text for a bundled entry.
func aggregateMessage(n *Notification) string {
	if n.Count <= 1 {
		return n.Message
	}
	who := n.SenderName
	if who == "" {
		who = n.SenderID
	}
	var noun string
	switch n.Type {
	case "message":
		noun = "new messages"
	case "like":
		noun = "new likes"
	case "match":
		noun = "new matches"
	case "comment":
		noun = "new comments"
	case "call":
		noun = "missed calls"
	case "photo":
		noun = "photo requests"
	case "story":
		noun = "new stories"
	default:
		noun = "new notifications"
	}
	if who == "" {
		return fmt.Sprintf("%d %s", n.Count, noun)
	}
	return fmt.Sprintf("%d %s from %s", n.Count, noun, who)
}

// rememberLocked records an id for dedup, evicting the oldest ids once
// the window grows past several times the inbox cap.
func (s *Service) rememberLocked(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	limit := 8 * s.cfg.MaxEntries
	for len(s.seenOrder) > limit {
		old := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, old)
	}
}

// enforceCapLocked bounds the canonical set, evicting read entries oldest
// first, then unread oldest first.
func (s *Service) enforceCapLocked() {
	over := len(s.entries) - s.cfg.MaxEntries
	if over <= 0 {
		return
	}
	sorted := append([]*Notification(nil), s.entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Read != sorted[j].Read {
			return sorted[i].Read
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	evict := map[string]struct{}{}
	for _, e := range sorted[:over] {
		evict[e.ID] = struct{}{}
	}
	keep := s.entries[:0]
	for _, e := range s.entries {
		if _, gone := evict[e.ID]; !gone {
			keep = append(keep, e)
		}
	}
	s.entries = keep
}

// MarkRead marks one entry read. Idempotent; reports whether the entry
// exists.
func (s *Service) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			e.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every entry read and returns how many flipped.
func (s *Service) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	flipped := 0
	for _, e := range s.entries {
		if !e.Read {
			e.Read = true
			flipped++
		}
	}
	return flipped
}

// UnreadCount is recomputed from the canonical set on every call, never
// drifted incrementally.
func (s *Service) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *Service) unreadLocked() int {
	n := 0
	for _, e := range s.entries {
		if !e.Read {
			n++
		}
	}
	return n
}

// Notifications returns copies of the canonical set, newest first.
func (s *Service) Notifications() []Notification {
	s.mu.Lock()
	out := make([]Notification, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		cp.SourceIDs = append([]string(nil), e.SourceIDs...)
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Snapshot returns inbox counters for the status surface.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Entries:  len(s.entries),
		Unread:   s.unreadLocked(),
		Ingested: s.ingested,
		Bundled:  s.bundled,
		Deduped:  s.deduped,
		Rejected: s.rejected,
	}
}

// ---- idempotent remote mutations (cross-tab replay) ----

// ApplyAdd inserts a canonical entry produced by a sibling tab if its id
// is absent. Safe to replay in any order.
func (s *Service) ApplyAdd(n Notification) bool {
	if n.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == n.ID {
			return false
		}
	}
	if n.Count < 1 {
		n.Count = 1
	}
	if len(n.SourceIDs) == 0 {
		n.SourceIDs = []string{n.ID}
	}
	s.rememberLocked(n.ID)
	cp := n
	s.entries = append(s.entries, &cp)
	s.enforceCapLocked()
	return true
}

// ApplyRead marks an entry read if present. Same mutation MarkRead uses,
// so cross-tab replay order cannot corrupt state.
func (s *Service) ApplyRead(id string) bool { return s.MarkRead(id) }

// ApplyReadAll is the remote form of MarkAllRead.
func (s *Service) ApplyReadAll() int { return s.MarkAllRead() }

// ---- persistence ----

// SaveSnapshot persists the canonical set so a restart restores unread
// state. No-op without a store.
func (s *Service) SaveSnapshot(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	entries := make([]Notification, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	s.mu.Unlock()

	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, inboxKey, b)
}

func (s *Service) restore() {
	if s.store == nil {
		return
	}
	raw, ok, err := s.store.Get(context.Background(), inboxKey)
	if err != nil || !ok {
		return
	}
	var entries []Notification
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.log.Warn("inbox snapshot unreadable; starting empty", logx.Err(err))
		return
	}
	for i := range entries {
		e := entries[i]
		if e.ID == "" {
			continue
		}
		s.rememberLocked(e.ID)
		for _, src := range e.SourceIDs {
			s.rememberLocked(src)
		}
		s.entries = append(s.entries, &e)
	}
	if len(s.entries) > 0 {
		s.log.Debug("inbox restored", logx.Int("entries", len(s.entries)))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
