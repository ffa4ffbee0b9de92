package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/auth"
	"github.com/yaront1111/mandarin-sub009/internal/cache"
	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/offline"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

func testTokens(t *testing.T, initial string, refresh auth.RefreshFunc) *auth.Source {
	t.Helper()
	return auth.NewSource(initial, refresh, nil, logx.Nop())
}

func okEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func errEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

func TestGetDecodesEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth header = %q", got)
		}
		okEnvelope(w, map[string]string{"name": "alice"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop(), testTokens(t, "tok-1", nil))
	var out struct {
		Name string `json:"name"`
	}
	if err := c.Get(context.Background(), "/profiles/1", nil, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Name != "alice" {
		t.Fatalf("out = %+v", out)
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer stale":
			atomic.AddInt32(&calls, 1)
			errEnvelope(w, http.StatusUnauthorized, "token expired")
		case "Bearer fresh":
			okEnvelope(w, map[string]bool{"ok": true})
		default:
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
	}))
	defer srv.Close()

	var refreshes int32
	tokens := testTokens(t, "stale", func(ctx context.Context, rejected string) (string, error) {
		atomic.AddInt32(&refreshes, 1)
		return "fresh", nil
	})
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), tokens)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Get(context.Background(), "/settings", nil, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !out.OK {
		t.Fatal("retried request did not succeed")
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshes)
	}
	if c.Snapshot().TokenRefreshes != 1 {
		t.Fatalf("snapshot = %+v", c.Snapshot())
	}
}

func TestRefreshedTokenStillRejectedPublishesAuthExpired(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errEnvelope(w, http.StatusUnauthorized, "token expired")
	}))
	defer srv.Close()

	tokens := testTokens(t, "stale", func(ctx context.Context, rejected string) (string, error) {
		return "also-stale", nil
	})
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(4, EventAuthExpired)
	defer unsub()

	c := New(Config{BaseURL: srv.URL, RetryMax: -1}, logx.Nop(), tokens, WithBus(bus))
	err := c.Get(context.Background(), "/settings", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("Get err = %v, want 401 StatusError", err)
	}
	select {
	case ev := <-events:
		if ev.Data != "/settings" {
			t.Fatalf("event data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth.expired event published")
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			errEnvelope(w, http.StatusBadGateway, "upstream down")
			return
		}
		okEnvelope(w, "fine")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		logx.Nop(), testTokens(t, "t", nil))
	var out string
	if err := c.Get(context.Background(), "/profiles/1", nil, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestEnvelopeRejectionIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		errEnvelope(w, http.StatusBadRequest, "bad recipient")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RetryMax: 3, RetryBase: time.Millisecond}, logx.Nop(), testTokens(t, "t", nil))
	err := c.Get(context.Background(), "/messages", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest || se.Message != "bad recipient" {
		t.Fatalf("err = %v", err)
	}
	if Retryable(err) {
		t.Fatal("definitive rejection classified retryable")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		errEnvelope(w, http.StatusInternalServerError, "boom")
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:   srv.URL,
		RetryMax:  -1, // no retries; count attempts precisely
		RetryBase: time.Millisecond,
		Breaker:   BreakerConfig{TripAfter: 3, CooldownBase: time.Minute},
	}, logx.Nop(), testTokens(t, "t", nil))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Get(ctx, "/messages", nil, nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := atomic.LoadInt32(&calls)

	err := c.Get(ctx, "/messages", nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatal("open circuit still hit the network")
	}
	// Another class is unaffected.
	if err := c.Get(ctx, "/profiles/1", nil, nil); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("breaker leaked across resource classes")
	}
	if _, open := c.breakers.snapshot(); open != 1 {
		t.Fatalf("open circuits = %d", open)
	}
	snap := c.Snapshot()
	if snap.BreakerRejected != 1 || snap.BreakerOpen != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGetReadsThroughCache(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		okEnvelope(w, map[string]string{"v": "cached"})
	}))
	defer srv.Close()

	cc := cache.New(cache.Config{}, logx.Nop())
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), testTokens(t, "t", nil), WithCache(cc))

	ctx := context.Background()
	var out map[string]string
	params := url.Values{"page": {"1"}, "limit": {"50"}}
	if err := c.Get(ctx, "/messages", params, &out); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	// Same request, permuted params: served from cache.
	if err := c.Get(ctx, "/messages", url.Values{"limit": {"50"}, "page": {"1"}}, &out); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
	if out["v"] != "cached" {
		t.Fatalf("out = %v", out)
	}
}

func TestMutationInvalidatesResourcePrefix(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okEnvelope(w, map[string]string{"id": "m-1"})
	}))
	defer srv.Close()

	cc := cache.New(cache.Config{}, logx.Nop())
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), testTokens(t, "t", nil), WithCache(cc))
	ctx := context.Background()

	var out any
	c.Get(ctx, "/messages", nil, &out)
	c.Get(ctx, "/profiles/1", nil, &out)

	if _, err := c.Mutate(ctx, http.MethodPost, "/messages", map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if _, ok := cc.Get("/messages", nil); ok {
		t.Fatal("mutated class still cached")
	}
	if _, ok := cc.Get("/profiles/1", nil); !ok {
		t.Fatal("unrelated class invalidated")
	}
}

func TestOfflineMutationIsQueued(t *testing.T) {
	t.Parallel()
	// Server that refuses connections: point at a closed listener.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	q := offline.New(offline.Config{}, logx.Nop(), nil, nil)
	c := New(Config{BaseURL: base, RetryMax: -1, RetryBase: time.Millisecond},
		logx.Nop(), testTokens(t, "t", nil),
		WithOfflineQueue(q), WithPresence(func() bool { return false }))

	_, err := c.Mutate(context.Background(), http.MethodPost, "/messages", map[string]string{"content": "later"})
	if !errors.Is(err, ErrQueuedOffline) {
		t.Fatalf("err = %v, want ErrQueuedOffline", err)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Method != http.MethodPost || pending[0].URL != "/messages" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestReplayExecutesQueuedMutation(t *testing.T) {
	t.Parallel()
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]string
		json.NewDecoder(r.Body).Decode(&m)
		gotBody = m["content"]
		okEnvelope(w, nil)
	}))
	defer srv.Close()

	q := offline.New(offline.Config{}, logx.Nop(), nil, nil)
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), testTokens(t, "t", nil), WithOfflineQueue(q))

	body, _ := json.Marshal(map[string]string{"content": "deferred"})
	q.Enqueue(context.Background(), http.MethodPost, "/messages", body)

	n, err := q.Replay(context.Background(), c)
	if err != nil || n != 1 {
		t.Fatalf("Replay: n=%d err=%v", n, err)
	}
	if gotBody != "deferred" {
		t.Fatalf("replayed body = %q", gotBody)
	}
}

func TestSendMessageReturnsServerID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		json.NewDecoder(r.Body).Decode(&m)
		if m["recipient_id"] != "conv-1" || m["content"] != "hello" {
			t.Errorf("body = %v", m)
		}
		okEnvelope(w, map[string]string{"id": "srv-42"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop(), testTokens(t, "t", nil))
	id, err := c.SendMessage(context.Background(), "conv-1", "hello", "text", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "srv-42" {
		t.Fatalf("id = %q", id)
	}
}
