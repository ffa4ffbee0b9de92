package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProbeFlipsStateOnEdges(t *testing.T) {
	t.Parallel()
	var healthy int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 0 {
			// Hijack and drop: simulate an unreachable network.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("no hijacker")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventOnline, EventOffline)
	defer unsub()

	m := New(Config{ProbeURL: srv.URL, Interval: 20 * time.Millisecond, Timeout: time.Second}, logx.Nop(), bus)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	waitFor(t, func() bool { return m.Snapshot().Probes >= 1 }, "no probe ran")
	if !m.Online() {
		t.Fatal("healthy probe reported offline")
	}

	atomic.StoreInt32(&healthy, 0)
	waitFor(t, func() bool { return !m.Online() }, "failure probes never flipped offline")
	select {
	case ev := <-events:
		if ev.Type != EventOffline {
			t.Fatalf("event = %s, want %s", ev.Type, EventOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("no offline event published")
	}

	atomic.StoreInt32(&healthy, 1)
	waitFor(t, func() bool { return m.Online() }, "recovery never flipped online")
}

func TestRejectionStillMeansOnline(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, Interval: 20 * time.Millisecond}, logx.Nop(), nil)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	waitFor(t, func() bool { return m.Snapshot().Probes >= 2 }, "probes did not run")
	if !m.Online() {
		t.Fatal("HTTP rejection treated as network failure")
	}
}

func TestOverridePinsState(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventOnline, EventOffline)
	defer unsub()

	m := New(Config{}, logx.Nop(), bus)
	if !m.Online() {
		t.Fatal("initial state must be optimistic")
	}

	m.SetOverride(false)
	if m.Online() {
		t.Fatal("override not applied")
	}
	select {
	case ev := <-events:
		if ev.Type != EventOffline {
			t.Fatalf("event = %s", ev.Type)
		}
	default:
		t.Fatal("override edge not published")
	}

	// Redundant override publishes nothing.
	m.SetOverride(false)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	m.ClearOverride()
	if !m.Online() {
		t.Fatal("clear did not restore probed state")
	}
	if !m.Snapshot().Online || m.Snapshot().Overridden {
		t.Fatalf("snapshot = %+v", m.Snapshot())
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()
	m := New(Config{ProbeURL: "http://127.0.0.1:0/health", Interval: time.Hour}, logx.Nop(), nil)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())
	if err := m.Start(ctx); err != ErrAlreadyRunning {
		t.Fatalf("second Start = %v", err)
	}
}
