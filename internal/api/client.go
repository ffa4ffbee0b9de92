package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/auth"
	"github.com/yaront1111/mandarin-sub009/internal/cache"
	"github.com/yaront1111/mandarin-sub009/internal/eventbus"
	"github.com/yaront1111/mandarin-sub009/internal/offline"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// EventAuthExpired fires when a refreshed token is still rejected. The
// consumer decides what to do with a dead session; the client only reports.
const EventAuthExpired = "auth.expired"

// Client talks to the collaborator backend. Safe for concurrent use.
type Client struct {
	log      logx.Logger
	tokens   auth.TokenSource
	http     *http.Client
	breakers *breakerStore

	cache  *cache.Cache
	queue  *offline.Queue
	online func() bool
	bus    eventbus.Bus

	mu  sync.Mutex
	cfg Config

	rngMu sync.Mutex
	rng   *rand.Rand

	requests uint64
	retries  uint64
	refreshs uint64
	queued   uint64
	rejected uint64
}

// Option configures optional collaborators.
type Option func(*Client)

// WithCache wires the read-through response cache.
func WithCache(c *cache.Cache) Option { return func(cl *Client) { cl.cache = c } }

// WithOfflineQueue wires the durable mutation queue.
func WithOfflineQueue(q *offline.Queue) Option { return func(cl *Client) { cl.queue = q } }

// WithPresence wires the reachability check consulted before queueing a
// failed mutation. Without it the client assumes the network is up.
func WithPresence(online func() bool) Option { return func(cl *Client) { cl.online = online } }

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option { return func(cl *Client) { cl.http = h } }

// WithBus wires the observability bus for auth.expired events.
func WithBus(b eventbus.Bus) Option { return func(cl *Client) { cl.bus = b } }

// New builds a client.
func New(cfg Config, log logx.Logger, tokens auth.TokenSource, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		log:      log,
		tokens:   tokens,
		cfg:      cfg,
		breakers: newBreakerStore(cfg.Breaker),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return c
}

// Apply swaps tunables at runtime.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.breakers.apply(cfg.Breaker)
}

func (c *Client) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Get performs a cached GET. On a cache hit the stored envelope data is
// decoded into out without touching the network; on a miss the decoded
// 2xx data is stored under the request's canonical key.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	if c.cache != nil {
		if v, ok := c.cache.Get(path, params); ok {
			if raw, ok := v.(json.RawMessage); ok {
				return decodeInto(raw, out)
			}
		}
	}
	raw, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Set(path, params, raw)
	}
	return decodeInto(raw, out)
}

// Mutate performs a write request. The resource prefix is invalidated
// before the request so no reader can observe pre-mutation data from the
// cache. A retryable failure while the network is unreachable moves the
// mutation into the offline queue and returns ErrQueuedOffline.
func (c *Client) Mutate(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode body: %w", err)
		}
		payload = data
	}
	c.invalidateClass(path)

	raw, err := c.do(ctx, method, path, nil, payload)
	if err == nil {
		return raw, nil
	}
	if Retryable(err) && c.offline() && c.queue != nil {
		if _, qerr := c.queue.Enqueue(ctx, method, path, payload); qerr != nil {
			return nil, fmt.Errorf("api: %v; queue rejected: %w", err, qerr)
		}
		c.mu.Lock()
		c.queued++
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrQueuedOffline, method, path)
	}
	return nil, err
}

// Execute replays a queued mutation. offline.Executor.
func (c *Client) Execute(ctx context.Context, m offline.Mutation) error {
	_, err := c.do(ctx, m.Method, m.URL, nil, m.Body)
	if err == nil {
		c.invalidateClass(m.URL)
	}
	return err
}

// SendMessage posts a message over HTTP. delivery.Fallback.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, msgType string, metadata map[string]any) (string, error) {
	body := map[string]any{
		"recipient_id": conversationID,
		"content":      content,
		"type":         msgType,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	raw, err := c.Mutate(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("api: decode message response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("api: message response missing id")
	}
	return resp.ID, nil
}

// do runs one request with retry, refresh-once, and the class breaker.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte) (json.RawMessage, error) {
	cfg := c.config()
	class := classOf(path)

	if open, until := c.breakers.isOpen(class); open {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: class %q until %s", ErrCircuitOpen, class, until.Format(time.RFC3339))
	}

	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.retries++
			c.mu.Unlock()
			if !sleepCtx(ctx, c.backoff(cfg, attempt)) {
				return nil, ctx.Err()
			}
		}
		raw, err := c.attempt(ctx, cfg, method, path, params, body)
		c.breakers.record(class, err)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
		c.log.Debug("request attempt failed",
			logx.String("method", method),
			logx.String("path", path),
			logx.Int("attempt", attempt+1),
			logx.Err(err))
	}
	return nil, lastErr
}

// attempt runs the request once, refreshing a rejected token a single
// time before giving up on 401.
func (c *Client) attempt(ctx context.Context, cfg Config, method, path string, params url.Values, body []byte) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	token := ""
	if c.tokens != nil {
		t, err := c.tokens.Token(reqCtx)
		if err != nil {
			return nil, fmt.Errorf("api: token: %w", err)
		}
		token = t
	}

	raw, status, err := c.roundTrip(reqCtx, cfg, method, path, params, body, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && c.tokens != nil {
		c.mu.Lock()
		c.refreshs++
		c.mu.Unlock()
		fresh, rerr := c.tokens.Refresh(reqCtx, token)
		if rerr != nil {
			c.authExpired(path, rerr)
			return nil, fmt.Errorf("api: token refresh: %w", rerr)
		}
		raw, status, err = c.roundTrip(reqCtx, cfg, method, path, params, body, fresh)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.authExpired(path, nil)
		}
	}
	return decodeEnvelope(raw, status)
}

func (c *Client) roundTrip(ctx context.Context, cfg Config, method, path string, params url.Values, body []byte, token string) ([]byte, int, error) {
	u := cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("api: read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// decodeEnvelope maps one HTTP response onto the uniform envelope.
func decodeEnvelope(raw []byte, status int) (json.RawMessage, error) {
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if status >= 200 && status < 300 {
				return nil, fmt.Errorf("api: malformed envelope: %w", err)
			}
			return nil, &StatusError{Status: status}
		}
	}
	if status >= 200 && status < 300 && env.Success {
		return env.Data, nil
	}
	msg := env.Error
	if status >= 200 && status < 300 {
		// 2xx with success=false is a definitive rejection
		status = http.StatusUnprocessableEntity
	}
	return nil, &StatusError{Status: status, Message: msg}
}

func decodeInto(raw json.RawMessage, out any) error {
	if out == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode data: %w", err)
	}
	return nil
}

func (c *Client) invalidateClass(path string) {
	if c.cache == nil {
		return
	}
	class := classOf(path)
	if class == "" {
		return
	}
	c.cache.Invalidate("/" + class)
}

// authExpired reports a session that survived neither the original token
// nor a fresh one.
func (c *Client) authExpired(path string, err error) {
	c.log.Warn("session rejected after token refresh",
		logx.String("path", path),
		logx.Err(err))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventAuthExpired, Data: path})
	}
}

func (c *Client) offline() bool {
	if c.online == nil {
		return false
	}
	return !c.online()
}

func (c *Client) backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	c.rngMu.Lock()
	j := time.Duration(c.rng.Int63n(int64(d/4) + 1))
	c.rngMu.Unlock()
	return d + j
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Snapshot reports client counters for the status surface.
type Snapshot struct {
	Requests        uint64 `json:"requests"`
	Retries         uint64 `json:"retries"`
	TokenRefreshes  uint64 `json:"token_refreshes"`
	QueuedOffline   uint64 `json:"queued_offline"`
	BreakerRejected uint64 `json:"breaker_rejected"`
	BreakerOpen     int    `json:"breaker_open"`
	BreakerTracked  int    `json:"breaker_tracked"`
}

func (c *Client) Snapshot() Snapshot {
	total, open := c.breakers.snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Requests:        c.requests,
		Retries:         c.retries,
		TokenRefreshes:  c.refreshs,
		QueuedOffline:   c.queued,
		BreakerRejected: c.rejected,
		BreakerOpen:     open,
		BreakerTracked:  total,
	}
}
