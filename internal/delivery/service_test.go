package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/conn"
	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/transport"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

type sentEnvelope struct {
	event string
	data  sendPayload
}

// fakeCtrl stands in for the connection controller: it records outbound
// envelopes and lets the test inject inbound acks.
type fakeCtrl struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]conn.Handler
	sendErr   error

	sent chan sentEnvelope
}

func newFakeCtrl(connected bool) *fakeCtrl {
	return &fakeCtrl{
		connected: connected,
		handlers:  map[string][]conn.Handler{},
		sent:      make(chan sentEnvelope, 64),
	}
}

func (f *fakeCtrl) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCtrl) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeCtrl) Send(event string, data any) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	env := sentEnvelope{event: event}
	if p, ok := data.(sendPayload); ok {
		env.data = p
	}
	f.sent <- env
	return nil
}

func (f *fakeCtrl) On(event string, h conn.Handler) func() {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeCtrl) emit(event string, p ackPayload) {
	b, _ := json.Marshal(p)
	f.mu.Lock()
	hs := append([]conn.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

type fakeFallback struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeFallback) SendMessage(ctx context.Context, conversationID, content, msgType string, metadata map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "srv-" + conversationID, nil
}

func testCfg() Config {
	return Config{
		AckTimeout:   50 * time.Millisecond,
		StaleAfter:   time.Minute,
		RatePerSec:   1000,
		PendingLimit: 64,
	}
}

func waitStatus(t *testing.T, s *Service, tempID string, want Status) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := s.Get(tempID); ok && msg.Status == want {
			return msg
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg, _ := s.Get(tempID)
	t.Fatalf("message %s status = %s, want %s", tempID, msg.Status, want)
	return Message{}
}

func waitSend(t *testing.T, ctrl *fakeCtrl) sentEnvelope {
	t.Helper()
	select {
	case env := <-ctrl.sent:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope hit the wire")
	}
	return sentEnvelope{}
}

func TestSendMessageAckPath(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	bus := eventbus.New()
	sentEvents, unsub := bus.SubscribeTypes(8, EventSent)
	defer unsub()

	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, err := s.SendMessage(context.Background(), "u2", "hello", "text", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != StatusSending || msg.TempID == "" {
		t.Fatalf("optimistic entry = %+v", msg)
	}

	env := waitSend(t, ctrl)
	if env.event != transport.EvMessageSend || env.data.TempID != msg.TempID {
		t.Fatalf("wire envelope = %+v", env)
	}
	ctrl.emit(transport.EvMessageAck, ackPayload{TempID: msg.TempID, ID: "srv-1"})

	got := waitStatus(t, s, msg.TempID, StatusSent)
	if got.ServerID != "srv-1" || got.Channel != ChannelPrimary {
		t.Fatalf("reconciled = %+v", got)
	}
	// TempID survives reconciliation as the UI reconciliation key.
	if got.TempID != msg.TempID {
		t.Fatalf("TempID changed: %s -> %s", msg.TempID, got.TempID)
	}

	select {
	case e := <-sentEvents:
		if r := e.Data.(Report); r.TempID != msg.TempID {
			t.Fatalf("EventSent report = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery.sent event")
	}
}

func TestAckTimeoutFallsBackToHTTP(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	fb := &fakeFallback{}
	s := New(testCfg(), ctrl, fb, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, err := s.SendMessage(context.Background(), "u2", "hi", "text", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitSend(t, ctrl) // primary goes out; never acked

	got := waitStatus(t, s, msg.TempID, StatusSent)
	if got.Channel != ChannelFallback || got.ServerID != "srv-u2" {
		t.Fatalf("fallback result = %+v", got)
	}
}

func TestMessageErrorTriggersFallback(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	fb := &fakeFallback{}
	s := New(testCfg(), ctrl, fb, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, _ := s.SendMessage(context.Background(), "u3", "hi", "text", nil)
	waitSend(t, ctrl)
	ctrl.emit(transport.EvMessageError, ackPayload{TempID: msg.TempID, Error: "conversation closed"})

	got := waitStatus(t, s, msg.TempID, StatusSent)
	if got.Channel != ChannelFallback {
		t.Fatalf("channel = %s, want fallback", got.Channel)
	}
}

func TestBothChannelsFailThenRetry(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	fb := &fakeFallback{err: errors.New("api down")}
	bus := eventbus.New()
	failures, unsub := bus.SubscribeTypes(8, EventFailed)
	defer unsub()

	s := New(testCfg(), ctrl, fb, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, _ := s.SendMessage(context.Background(), "u4", "hi", "text", nil)
	waitSend(t, ctrl)

	got := waitStatus(t, s, msg.TempID, StatusError)
	if got.Error == "" {
		t.Fatal("error text missing on failed entry")
	}
	select {
	case e := <-failures:
		if r := e.Data.(Report); r.TempID != msg.TempID || r.Error == "" {
			t.Fatalf("EventFailed report = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery.failed event")
	}

	// The entry stays visible and individually retryable.
	fb.mu.Lock()
	fb.err = nil
	fb.mu.Unlock()
	if err := s.Retry(msg.TempID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	env := waitSend(t, ctrl)
	ctrl.emit(transport.EvMessageAck, ackPayload{TempID: env.data.TempID, ID: "srv-9"})
	waitStatus(t, s, msg.TempID, StatusSent)
}

func TestRetryRejectsNonError(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, _ := s.SendMessage(context.Background(), "u5", "hi", "text", nil)
	if err := s.Retry(msg.TempID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on sending entry = %v, want ErrNotRetryable", err)
	}
	if err := s.Retry("nope"); !errors.Is(err, ErrUnknownTemp) {
		t.Fatalf("Retry unknown = %v, want ErrUnknownTemp", err)
	}
}

func TestOfflineQueuesImmediately(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(false)
	bus := eventbus.New()
	queued, unsub := bus.SubscribeTypes(8, EventQueued)
	defer unsub()

	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, err := s.SendMessage(context.Background(), "u6", "offline hi", "text", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != StatusSending {
		t.Fatalf("offline entry status = %s", msg.Status)
	}

	// The envelope was handed to the controller outbox right away.
	env := waitSend(t, ctrl)
	if env.event != transport.EvMessageSend || env.data.TempID != msg.TempID {
		t.Fatalf("queued envelope = %+v", env)
	}
	select {
	case <-queued:
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery.queued event")
	}

	// When the replayed envelope is finally acked, the entry reconciles
	// even though no waiter is registered anymore.
	ctrl.emit(transport.EvMessageAck, ackPayload{TempID: msg.TempID, ID: "srv-late"})
	got := waitStatus(t, s, msg.TempID, StatusSent)
	if got.ServerID != "srv-late" {
		t.Fatalf("late reconcile = %+v", got)
	}
}

func TestWireOrderIsFIFO(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// Ack instantly so the worker never stalls.
	done := make(chan struct{})
	var wire []string
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			env := waitSend(t, ctrl)
			wire = append(wire, env.data.Content)
			ctrl.emit(transport.EvMessageAck, ackPayload{TempID: env.data.TempID, ID: fmt.Sprintf("srv-%d", i)})
		}
	}()

	var temps []string
	for i := 0; i < 5; i++ {
		msg, err := s.SendMessage(context.Background(), "u7", fmt.Sprintf("m%d", i), "text", nil)
		if err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
		temps = append(temps, msg.TempID)
	}
	<-done

	for i, content := range wire {
		if want := fmt.Sprintf("m%d", i); content != want {
			t.Fatalf("wire[%d] = %q, want %q", i, content, want)
		}
	}
	for _, id := range temps {
		waitStatus(t, s, id, StatusSent)
	}

	// Pending() preserves submission order too.
	pend := s.Pending()
	for i, msg := range pend {
		if msg.TempID != temps[i] {
			t.Fatalf("Pending()[%d] out of order", i)
		}
	}
}

func TestPruneStale(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(false)
	cfg := testCfg()
	cfg.StaleAfter = 10 * time.Millisecond
	s := New(cfg, ctrl, &fakeFallback{}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg, _ := s.SendMessage(context.Background(), "u8", "will go stale", "text", nil)
	waitSend(t, ctrl)
	time.Sleep(30 * time.Millisecond)

	marked, _ := s.PruneStale()
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	got, _ := s.Get(msg.TempID)
	if got.Status != StatusError {
		t.Fatalf("stale entry status = %s, want error", got.Status)
	}

	// A second prune drops the terminal entry from the registry.
	time.Sleep(15 * time.Millisecond)
	if _, dropped := s.PruneStale(); dropped != 1 {
		t.Fatal("terminal stale entry not dropped")
	}
	if _, ok := s.Get(msg.TempID); ok {
		t.Fatal("entry still present after drop")
	}
}

func TestStoppedServiceRejectsSends(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	if _, err := s.SendMessage(context.Background(), "u9", "hi", "text", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopRacingSendersDoesNotPanic(t *testing.T) {
	t.Parallel()
	for i := 0; i < 200; i++ {
		ctrl := newFakeCtrl(true)
		ctrl.sent = make(chan sentEnvelope, 4096)
		s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), nil)
		s.Start(context.Background())

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for k := 0; k < 4; k++ {
					_, err := s.SendMessage(context.Background(), "u1", "x", "text", nil)
					if err != nil {
						if !errors.Is(err, ErrStopped) && !errors.Is(err, ErrQueueFull) {
							t.Errorf("SendMessage: %v", err)
						}
						return
					}
				}
			}()
		}
		close(start)
		s.Stop(context.Background())
		wg.Wait()
	}
}

func TestQueueFullRollsBackRegistration(t *testing.T) {
	t.Parallel()
	ctrl := newFakeCtrl(true)
	s := New(testCfg(), ctrl, &fakeFallback{}, logx.Nop(), nil)

	// Start with a dead context so the worker exits and whatever we stuff
	// into the intake buffer stays there.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	s.workerWG.Wait()

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	filled := false
	for !filled {
		select {
		case q <- job{}:
		default:
			filled = true
		}
	}

	if _, err := s.SendMessage(context.Background(), "u1", "x", "text", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("pending after rollback = %+v", got)
	}
	s.mu.Lock()
	orderLen := len(s.order)
	s.mu.Unlock()
	if orderLen != 0 {
		t.Fatalf("order len after rollback = %d, want 0", orderLen)
	}
}
