// Package delivery turns "send this message" into an optimistic,
// acknowledged, retried operation on top of the connection controller.
package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yaront1111/mandarin-sub009/internal/conn"
	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/transport"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// Controller is the slice of the connection controller the pipeline needs.
type Controller interface {
	IsConnected() bool
	Send(event string, data any) error
	On(event string, h conn.Handler) (off func())
}

type ackResult struct {
	serverID string
	errText  string
}

type job struct {
	tempID string
}

// Service is the reliable delivery pipeline: optimistic pending registry,
// one send worker (wire FIFO), ack waiters, and the HTTP fallback path.
type Service struct {
	mu sync.Mutex

	cfg     Config
	ctrl    Controller
	fb      Fallback
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	pending map[string]*Message
	order   []string // tempIDs, append-only FIFO
	waiters map[string]chan ackResult

	queue     chan job
	accepting bool
	offAck    func()
	offErr    func()
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	sent     uint64
	failed   uint64
	queued   uint64
	fallback uint64
}

func New(cfg Config, ctrl Controller, fb Fallback, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		ctrl:    ctrl,
		fb:      fb,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		pending: map[string]*Message{},
		waiters: map[string]chan ackResult{},
	}
}

// Apply swaps tunables at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start registers the ack/error handlers and launches the send worker.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.PendingLimit)
	s.accepting = true
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	q := s.queue
	s.mu.Unlock()

	s.offAck = s.ctrl.On(transport.EvMessageAck, func(data json.RawMessage) { s.resolve(data, "") })
	s.offErr = s.ctrl.On(transport.EvMessageError, func(data json.RawMessage) { s.resolve(data, "rejected") })

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.workerLoop(runCtx, q)
	}()
}

// Stop halts intake and waits for the worker until ctx expires. The intake
// channel is never closed: a sender that raced past the accepting check may
// still push one last job into the buffer, and the worker exits on context
// cancellation instead of channel close.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.runCancel = nil
	s.mu.Unlock()

	if s.offAck != nil {
		s.offAck()
		s.offAck = nil
	}
	if s.offErr != nil {
		s.offErr()
		s.offErr = nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// SendMessage registers an optimistic pending entry and returns it
// immediately. The entry reaches sent or error asynchronously, observable
// through Get and the delivery.* bus events. When the controller is down
// the envelope rides its outbox and goes out on reconnect; entries older
// than StaleAfter are dropped there rather than replayed.
func (s *Service) SendMessage(ctx context.Context, recipientID, content, msgType string, metadata map[string]any) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = "text"
	}

	msg := &Message{
		TempID:         uuid.NewString(),
		ConversationID: recipientID,
		Content:        content,
		Type:           msgType,
		Metadata:       metadata,
		Channel:        ChannelPrimary,
		CreatedAt:      time.Now(),
		Status:         StatusSending,
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if len(s.pending) >= s.cfg.PendingLimit {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	s.pending[msg.TempID] = msg
	s.order = append(s.order, msg.TempID)
	q := s.queue
	s.mu.Unlock()

	if !s.ctrl.IsConnected() {
		// Queue immediately and return the optimistic entry without
		// waiting. The controller's outbox enforces the staleness drop.
		s.enqueueOffline(msg)
		out := *msg
		return &out, nil
	}

	select {
	case q <- job{tempID: msg.TempID}:
	default:
		s.rollback(msg.TempID)
		return nil, ErrQueueFull
	}

	out := *msg
	return &out, nil
}

// Retry re-runs the pipeline for a message that ended in error. The entry
// keeps its TempID, so UI state referencing it reconciles in place.
func (s *Service) Retry(tempID string) error {
	s.mu.Lock()
	msg, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTemp
	}
	if msg.Status != StatusError {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	msg.Status = StatusSending
	msg.Channel = ChannelPrimary
	msg.Error = ""
	q := s.queue
	s.mu.Unlock()

	if !s.ctrl.IsConnected() {
		s.enqueueOffline(msg)
		return nil
	}
	select {
	case q <- job{tempID: tempID}:
		return nil
	default:
		s.mu.Lock()
		if m, ok := s.pending[tempID]; ok && m.Status == StatusSending {
			m.Status = StatusError
			m.Error = "retry queue full"
		}
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Get returns a copy of the pending entry for tempID.
func (s *Service) Get(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pending[tempID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Pending returns copies of all registered entries in submission order.
func (s *Service) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		if msg, ok := s.pending[id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}

// PruneStale marks entries stuck in sending longer than StaleAfter as
// error and drops sent/error entries older than the threshold from the
// registry. Called by the maintenance janitor.
func (s *Service) PruneStale() (marked, dropped int) {
	now := time.Now()
	var reports []Report

	s.mu.Lock()
	stale := s.cfg.StaleAfter
	keep := s.order[:0]
	for _, id := range s.order {
		msg, ok := s.pending[id]
		if !ok {
			continue
		}
		age := now.Sub(msg.CreatedAt)
		if age <= stale {
			keep = append(keep, id)
			continue
		}
		if msg.Status == StatusSending {
			msg.Status = StatusError
			msg.Error = "stale: never acknowledged"
			s.failed++
			marked++
			keep = append(keep, id)
			reports = append(reports, Report{
				TempID:         msg.TempID,
				ConversationID: msg.ConversationID,
				Channel:        msg.Channel,
				Error:          msg.Error,
				At:             now,
			})
			continue
		}
		delete(s.pending, id)
		dropped++
	}
	s.order = keep
	s.mu.Unlock()

	for _, r := range reports {
		s.publish(EventFailed, r)
	}
	return marked, dropped
}

// Snapshot returns pipeline counters for the status surface.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Pending:  len(s.pending),
		Sent:     s.sent,
		Failed:   s.failed,
		Queued:   s.queued,
		Fallback: s.fallback,
	}
	for _, msg := range s.pending {
		if msg.Status == StatusSending {
			snap.Sending++
		}
	}
	return snap
}

// SendTyping emits a fire-and-forget typing indicator.
func (s *Service) SendTyping(conversationID string) error {
	return s.ctrl.Send(transport.EvTyping, typingPayload{ConversationID: conversationID})
}

// BroadcastRead tells the peer the given notifications/messages were read.
func (s *Service) BroadcastRead(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.ctrl.Send(transport.EvReadMark, readMarkPayload{IDs: ids})
}

// ---- internals ----

// rollback undoes a registration whose job never made it into the intake
// queue, including its slot in the submission order.
func (s *Service) rollback(tempID string) {
	s.mu.Lock()
	delete(s.pending, tempID)
	for i := len(s.order) - 1; i >= 0; i-- {
		if s.order[i] == tempID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Service) enqueueOffline(msg *Message) {
	payload := sendPayload{
		TempID:      msg.TempID,
		RecipientID: msg.ConversationID,
		Content:     msg.Content,
		Type:        msg.Type,
		Metadata:    msg.Metadata,
	}
	if err := s.ctrl.Send(transport.EvMessageSend, payload); err != nil {
		s.log.Warn("offline queue rejected send", logx.String("temp_id", msg.TempID), logx.Err(err))
	}
	s.mu.Lock()
	s.queued++
	s.mu.Unlock()
	s.publish(EventQueued, Report{
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		Channel:        msg.Channel,
		At:             time.Now(),
	})
}

// workerLoop serializes sends, which keeps wire order FIFO relative to
// submission order.
func (s *Service) workerLoop(ctx context.Context, q chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			if ctx.Err() != nil {
				return
			}
			s.attempt(ctx, j.tempID)
		}
	}
}

// attempt runs one full send pipeline: primary channel + ack wait, then
// the HTTP fallback. The waiter is removed on every exit path.
func (s *Service) attempt(ctx context.Context, tempID string) {
	s.mu.Lock()
	msg, ok := s.pending[tempID]
	if !ok || msg.Status != StatusSending {
		s.mu.Unlock()
		return
	}
	payload := sendPayload{
		TempID:      msg.TempID,
		RecipientID: msg.ConversationID,
		Content:     msg.Content,
		Type:        msg.Type,
		Metadata:    msg.Metadata,
	}
	msg.Attempts++
	ackTimeout := s.cfg.AckTimeout
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	waiter := make(chan ackResult, 1)
	s.mu.Lock()
	s.waiters[tempID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, tempID)
		s.mu.Unlock()
	}()

	if err := s.ctrl.Send(transport.EvMessageSend, payload); err != nil {
		s.log.Debug("primary send failed; falling back", logx.String("temp_id", tempID), logx.Err(err))
		s.fallbackSend(ctx, tempID)
		return
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case res := <-waiter:
		if res.errText == "" {
			s.reconcile(tempID, res.serverID, ChannelPrimary)
			return
		}
		s.log.Debug("primary send rejected; falling back",
			logx.String("temp_id", tempID), logx.String("err", res.errText))
		s.fallbackSend(ctx, tempID)
	case <-timer.C:
		s.log.Debug("ack timeout; falling back", logx.String("temp_id", tempID))
		s.fallbackSend(ctx, tempID)
	case <-ctx.Done():
	}
}

func (s *Service) fallbackSend(ctx context.Context, tempID string) {
	s.mu.Lock()
	msg, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg.Channel = ChannelFallback
	msg.Attempts++
	conversationID := msg.ConversationID
	content := msg.Content
	msgType := msg.Type
	metadata := msg.Metadata
	s.fallback++
	fb := s.fb
	ackTimeout := s.cfg.AckTimeout
	s.mu.Unlock()

	if fb == nil {
		s.fail(tempID, "primary channel failed, no fallback configured")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*ackTimeout)
	serverID, err := fb.SendMessage(callCtx, conversationID, content, msgType, metadata)
	cancel()
	if err != nil {
		s.fail(tempID, err.Error())
		return
	}
	s.reconcile(tempID, serverID, ChannelFallback)
}

// resolve routes an inbound message:ack / message:error to its waiter. A
// server ack that arrives when no waiter is registered (e.g. an outbox
// replay after reconnect) reconciles the pending entry directly.
func (s *Service) resolve(data json.RawMessage, defaultErr string) {
	var p ackPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TempID == "" {
		s.log.Debug("malformed ack payload dropped", logx.Err(err))
		return
	}
	errText := p.Error
	if errText == "" {
		errText = defaultErr
	}

	s.mu.Lock()
	waiter := s.waiters[p.TempID]
	s.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- ackResult{serverID: p.ID, errText: errText}:
		default:
		}
		return
	}
	if errText == "" {
		s.reconcile(p.TempID, p.ID, ChannelPrimary)
	} else {
		s.fail(p.TempID, errText)
	}
}

func (s *Service) reconcile(tempID, serverID, channel string) {
	s.mu.Lock()
	msg, ok := s.pending[tempID]
	if !ok || msg.Status == StatusSent {
		s.mu.Unlock()
		return
	}
	msg.Status = StatusSent
	msg.ServerID = serverID
	msg.Channel = channel
	msg.Error = ""
	s.sent++
	conversationID := msg.ConversationID
	s.mu.Unlock()

	s.publish(EventSent, Report{
		TempID:         tempID,
		ServerID:       serverID,
		ConversationID: conversationID,
		Channel:        channel,
		At:             time.Now(),
	})
}

func (s *Service) fail(tempID, errText string) {
	s.mu.Lock()
	msg, ok := s.pending[tempID]
	if !ok || msg.Status == StatusSent {
		s.mu.Unlock()
		return
	}
	msg.Status = StatusError
	msg.Error = errText
	s.failed++
	conversationID := msg.ConversationID
	channel := msg.Channel
	s.mu.Unlock()

	s.log.Warn("delivery exhausted", logx.String("temp_id", tempID), logx.String("err", errText))
	s.publish(EventFailed, Report{
		TempID:         tempID,
		ConversationID: conversationID,
		Channel:        channel,
		Error:          errText,
		At:             time.Now(),
	})
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
