package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

func newTestService(cfg Config) *Service {
	return New(cfg, logx.Nop(), nil, nil)
}

func TestIngestNormalizesDefaults(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	n, err := s.Ingest("message:new", []byte(`{"sender_id":"u1","message":"hey"}`))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n.ID == "" {
		t.Fatal("id not defaulted")
	}
	if n.Type != "message" {
		t.Fatalf("type = %q, want message (from wire event)", n.Type)
	}
	if n.CreatedAt.IsZero() {
		t.Fatal("created_at not defaulted")
	}
	if n.Read {
		t.Fatal("new entry must be unread")
	}
	if n.Count != 1 || len(n.SourceIDs) != 1 {
		t.Fatalf("count=%d sources=%v", n.Count, n.SourceIDs)
	}
}

func TestIngestRejectsUnidentifiable(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	if _, err := s.Ingest("notice", []byte(`{"sender_id":"u1"}`)); !errors.Is(err, ErrUnidentifiable) {
		t.Fatalf("err = %v, want ErrUnidentifiable", err)
	}
	if s.Snapshot().Rejected != 1 {
		t.Fatal("rejected counter not bumped")
	}
}

func TestIngestRejectsMalformedAndKeepsGoing(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"id":123}`),       // id must be a string
		[]byte(`{"read":"yes"}`),   // read must be a bool
		[]byte(`["array","form"]`), // envelope must be an object
	}
	for _, raw := range cases {
		if _, err := s.Ingest("notice", raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Ingest(%s) err = %v, want ErrMalformed", raw, err)
		}
	}

	// Ingestion of subsequent events is unaffected.
	if _, err := s.Ingest("notice", []byte(`{"id":"ok-1","message":"fine"}`)); err != nil {
		t.Fatalf("ingest after malformed: %v", err)
	}
	if s.Snapshot().Entries != 1 {
		t.Fatal("valid event not ingested after malformed ones")
	}
}

func TestBundlingSameKeyWithinWindow(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{BundleWindow: time.Minute})

	first, err := s.Ingest("message:new", []byte(`{"id":"e1","sender_id":"u1","sender_name":"Maya","message":"hi"}`))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.Ingest("message:new", []byte(`{"id":"e2","sender_id":"u1","message":"again"}`))
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("second ingest created a new entry (%s vs %s)", second.ID, first.ID)
	}
	if second.Count != 2 {
		t.Fatalf("count = %d, want 2", second.Count)
	}
	if len(second.SourceIDs) != 2 || second.SourceIDs[1] != "e2" {
		t.Fatalf("source ids = %v", second.SourceIDs)
	}
	if want := "2 new messages from Maya"; second.Message != want {
		t.Fatalf("aggregate message = %q, want %q", second.Message, want)
	}
	if s.Snapshot().Entries != 1 {
		t.Fatal("bundling created extra canonical entries")
	}
}

func TestBundlingWindowIsSliding(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{BundleWindow: time.Minute})
	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	ingest := func(id string) *Notification {
		t.Helper()
		n, err := s.Ingest("like:new", []byte(fmt.Sprintf(`{"id":%q,"sender_id":"u2","message":"like"}`, id)))
		if err != nil {
			t.Fatalf("ingest %s: %v", id, err)
		}
		return n
	}

	ingest("l1")
	// 50s later: inside the window measured from l1; merge refreshes the
	// timestamp.
	clock = base.Add(50 * time.Second)
	if n := ingest("l2"); n.Count != 2 {
		t.Fatalf("l2 count = %d, want 2", n.Count)
	}
	// 50s after the refresh: still merges because the window slides with
	// the existing entry's timestamp.
	clock = base.Add(100 * time.Second)
	if n := ingest("l3"); n.Count != 3 {
		t.Fatalf("l3 count = %d, want 3 (window must slide)", n.Count)
	}
	// 2 minutes of silence: the bundle is cold, a new entry starts.
	clock = base.Add(220 * time.Second)
	if n := ingest("l4"); n.Count != 1 {
		t.Fatalf("l4 count = %d, want 1 (fresh entry)", n.Count)
	}
	if s.Snapshot().Entries != 2 {
		t.Fatalf("entries = %d, want 2", s.Snapshot().Entries)
	}
}

func TestBundlingResetsReadFlag(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{BundleWindow: time.Minute})

	n, _ := s.Ingest("comment:new", []byte(`{"id":"c1","sender_id":"u3","message":"nice"}`))
	if !s.MarkRead(n.ID) {
		t.Fatal("MarkRead failed")
	}
	if s.UnreadCount() != 0 {
		t.Fatal("unread != 0 after MarkRead")
	}

	merged, _ := s.Ingest("comment:new", []byte(`{"id":"c2","sender_id":"u3","message":"more"}`))
	if merged.Read {
		t.Fatal("merge must reset read=false")
	}
	if s.UnreadCount() != 1 {
		t.Fatal("unread not recomputed after merge")
	}
}

func TestIngestIdempotentById(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	raw := []byte(`{"id":"dup-1","sender_id":"u1","message":"hi"}`)
	if _, err := s.Ingest("message:new", raw); err != nil {
		t.Fatalf("first: %v", err)
	}
	before := s.Snapshot()

	n, err := s.Ingest("message:new", raw)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if n != nil {
		t.Fatal("duplicate id must return nil")
	}
	after := s.Snapshot()
	if after.Entries != before.Entries || after.Unread != before.Unread {
		t.Fatalf("dedup changed state: %+v -> %+v", before, after)
	}
	if after.Deduped != 1 {
		t.Fatal("deduped counter not bumped")
	}
}

func TestDistinctSendersDoNotBundle(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{BundleWindow: time.Minute})

	s.Ingest("message:new", []byte(`{"id":"a1","sender_id":"u1","message":"hi"}`))
	s.Ingest("message:new", []byte(`{"id":"a2","sender_id":"u2","message":"hi"}`))
	s.Ingest("like:new", []byte(`{"id":"a3","sender_id":"u1","message":"like"}`))

	if got := s.Snapshot().Entries; got != 3 {
		t.Fatalf("entries = %d, want 3 (key is type+sender)", got)
	}
}

func TestMarkAllRead(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	for i := 0; i < 4; i++ {
		s.Ingest("notice", []byte(fmt.Sprintf(`{"id":"n%d","sender_id":"u%d","message":"x"}`, i, i)))
	}
	if s.UnreadCount() != 4 {
		t.Fatalf("unread = %d, want 4", s.UnreadCount())
	}
	if flipped := s.MarkAllRead(); flipped != 4 {
		t.Fatalf("flipped = %d, want 4", flipped)
	}
	if s.UnreadCount() != 0 {
		t.Fatal("unread != 0 after MarkAllRead")
	}
	for _, n := range s.Notifications() {
		if !n.Read {
			t.Fatalf("entry %s still unread", n.ID)
		}
	}
	// Idempotent.
	if flipped := s.MarkAllRead(); flipped != 0 {
		t.Fatalf("second MarkAllRead flipped %d", flipped)
	}
}

func TestApplyRemoteMutationsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{})

	remote := Notification{ID: "r1", Type: "message", SenderID: "u1", Message: "from tab A", CreatedAt: time.Now()}
	if !s.ApplyAdd(remote) {
		t.Fatal("first ApplyAdd = false")
	}
	if s.ApplyAdd(remote) {
		t.Fatal("second ApplyAdd must be a no-op")
	}
	if s.Snapshot().Entries != 1 {
		t.Fatal("replayed ADD duplicated the entry")
	}

	if !s.ApplyRead("r1") {
		t.Fatal("ApplyRead on present id = false")
	}
	if s.ApplyRead("missing") {
		t.Fatal("ApplyRead on absent id = true")
	}
	// Replaying READ after READ_ALL (any order) cannot corrupt state.
	s.ApplyReadAll()
	s.ApplyRead("r1")
	if s.UnreadCount() != 0 {
		t.Fatal("remote replay corrupted unread count")
	}
}

func TestMaxEntriesEvictsReadFirst(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{MaxEntries: 3})

	for i := 0; i < 3; i++ {
		s.Ingest("notice", []byte(fmt.Sprintf(`{"id":"n%d","sender_id":"u%d","message":"x"}`, i, i)))
	}
	s.MarkRead("n0")

	s.Ingest("notice", []byte(`{"id":"n3","sender_id":"u9","message":"x"}`))
	if got := s.Snapshot().Entries; got != 3 {
		t.Fatalf("entries = %d, want 3", got)
	}
	for _, n := range s.Notifications() {
		if n.ID == "n0" {
			t.Fatal("read entry survived eviction over unread ones")
		}
	}
}

func TestSnapshotPersistRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "store.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	s := New(Config{}, logx.Nop(), nil, st)
	s.Ingest("message:new", []byte(`{"id":"p1","sender_id":"u1","message":"persist me"}`))
	s.MarkRead("p1")
	s.Ingest("like:new", []byte(`{"id":"p2","sender_id":"u2","message":"unread"}`))
	if err := s.SaveSnapshot(context.Background()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	s2 := New(Config{}, logx.Nop(), nil, st)
	if got := s2.Snapshot().Entries; got != 2 {
		t.Fatalf("restored entries = %d, want 2", got)
	}
	if got := s2.UnreadCount(); got != 1 {
		t.Fatalf("restored unread = %d, want 1", got)
	}
	// Restored ids still dedup.
	if n, err := s2.Ingest("message:new", []byte(`{"id":"p1","message":"again"}`)); err != nil || n != nil {
		t.Fatalf("restored id not deduped: n=%v err=%v", n, err)
	}
}
