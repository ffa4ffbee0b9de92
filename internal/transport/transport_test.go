package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testOptions() Options {
	return Options{
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  100 * time.Millisecond,
	}
}

func recvEvent(t *testing.T, c Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events channel closed early (err=%v)", c.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestLadderOrder(t *testing.T) {
	t.Parallel()
	opts := Options{URL: "ws://x", PollURL: "http://x/poll", RawAddr: "x:1"}
	rungs := Ladder(opts)
	want := []Tier{TierWebSocket, TierWebSocketBasic, TierRawTCP, TierLongPoll}
	if len(rungs) != len(want) {
		t.Fatalf("rungs = %d, want %d", len(rungs), len(want))
	}
	for i, r := range rungs {
		if r.Tier != want[i] {
			t.Fatalf("rung %d = %s, want %s", i, r.Tier, want[i])
		}
	}

	// Without endpoints the matching rungs disappear.
	rungs = Ladder(Options{PollURL: "http://x/poll"})
	if len(rungs) != 1 || rungs[0].Tier != TierLongPoll {
		t.Fatalf("poll-only ladder = %+v", rungs)
	}
}

func TestWebSocketConn(t *testing.T) {
	t.Parallel()
	up := websocket.Upgrader{
		Subprotocols: []string{"v2.chat"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Greet, then echo back every envelope with the name suffixed.
		_ = ws.WriteJSON(Event{Name: EvConnected})
		for {
			var ev Event
			if err := ws.ReadJSON(&ev); err != nil {
				return
			}
			ev.Name = ev.Name + ":echo"
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	opts.Subprotocols = []string{"v2.chat", "v1.chat"}
	opts.BearerToken = func(context.Context) (string, error) { return "tok-ws", nil }

	c, err := dialWebSocket(context.Background(), opts, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.Tier() != TierWebSocket {
		t.Fatalf("Tier = %s", c.Tier())
	}
	if got := gotAuth.Load(); got != "Bearer tok-ws" {
		t.Fatalf("Authorization = %v", got)
	}
	if ev := recvEvent(t, c); ev.Name != EvConnected {
		t.Fatalf("greeting = %q", ev.Name)
	}

	if err := c.Send(context.Background(), Event{Name: EvPing}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ev := recvEvent(t, c); ev.Name != EvPing+":echo" {
		t.Fatalf("echo = %q", ev.Name)
	}

	// Close is observable through Done.
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestRawConn(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverGot := make(chan Event, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		enc := json.NewEncoder(conn)
		_ = enc.Encode(Event{Name: EvConnected})
		for sc.Scan() {
			var ev Event
			if json.Unmarshal(sc.Bytes(), &ev) == nil {
				serverGot <- ev
			}
		}
	}()

	opts := testOptions()
	opts.RawAddr = ln.Addr().String()
	opts.BearerToken = func(context.Context) (string, error) { return "tok-raw", nil }

	c, err := dialRaw(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.Tier() != TierRawTCP {
		t.Fatalf("Tier = %s", c.Tier())
	}

	// Auth envelope arrives before anything else.
	select {
	case ev := <-serverGot:
		if ev.Name != EvAuth {
			t.Fatalf("first server event = %q, want %s", ev.Name, EvAuth)
		}
		var d map[string]string
		if err := json.Unmarshal(ev.Data, &d); err != nil || d["token"] != "tok-raw" {
			t.Fatalf("auth data = %s (%v)", ev.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received auth envelope")
	}

	if ev := recvEvent(t, c); ev.Name != EvConnected {
		t.Fatalf("greeting = %q", ev.Name)
	}
	if err := c.Send(context.Background(), Event{Name: EvTyping}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case ev := <-serverGot:
		if ev.Name != EvTyping {
			t.Fatalf("server event = %q", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received typing envelope")
	}
}

func TestLongPollConn(t *testing.T) {
	t.Parallel()
	var polls atomic.Int64
	posted := make(chan Event, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			n := polls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			if n == 1 {
				// Dial probe: empty batch, establishes the cursor.
				_ = json.NewEncoder(w).Encode(pollBatch{Cursor: 10})
				return
			}
			if r.URL.Query().Get("cursor") != "10" && r.URL.Query().Get("cursor") != "11" {
				t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
			}
			if n == 2 {
				_ = json.NewEncoder(w).Encode(pollBatch{
					Cursor: 11,
					Events: []Event{{Name: EvMessageNew, Data: json.RawMessage(`{"id":"m1"}`)}},
				})
				return
			}
			// Later polls: no content (server wait expiry).
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			var ev Event
			if json.NewDecoder(r.Body).Decode(&ev) == nil {
				posted <- ev
			}
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.PollURL = srv.URL

	c, err := dialLongPoll(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.Tier() != TierLongPoll {
		t.Fatalf("Tier = %s", c.Tier())
	}
	ev := recvEvent(t, c)
	if ev.Name != EvMessageNew {
		t.Fatalf("event = %q", ev.Name)
	}

	if err := c.Send(context.Background(), Event{Name: EvReadMark}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-posted:
		if got.Name != EvReadMark {
			t.Fatalf("posted = %q", got.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("POST never arrived")
	}
}

func TestLongPollDialFailsFast(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.PollURL = srv.URL
	if _, err := dialLongPoll(context.Background(), opts); err == nil {
		t.Fatal("expected dial error from failing endpoint")
	}
}

func TestLongPollGivesUpAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(pollBatch{Cursor: 1})
			return
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.PollURL = srv.URL

	c, err := dialLongPoll(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Done():
		if c.Err() == nil {
			t.Fatal("expected non-nil Err after poll failures")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conn never declared dead")
	}
}
