package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// pollConn emulates the duplex interface over HTTP long-polling: GETs block
// server-side until events arrive (or the wait expires), POSTs emit.
// It is the last rung of the ladder and reports TierLongPoll so the
// controller can surface the degraded "fallback-polling" state.
type pollConn struct {
	opts   Options
	client *http.Client

	cancel context.CancelFunc

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// pollBatch is the GET response body.
type pollBatch struct {
	Events []Event `json:"events"`
	Cursor uint64  `json:"cursor"`
}

const pollMaxConsecutiveFailures = 5

func dialLongPoll(ctx context.Context, opts Options) (Conn, error) {
	client := &http.Client{Timeout: opts.PollTimeout + 5*time.Second}

	c := &pollConn{
		opts:   opts,
		client: client,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	// Probe once with a zero wait so a dead endpoint fails the dial instead
	// of the first background poll.
	probeCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	batch, err := c.poll(probeCtx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("longpoll dial: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.cancel = loopCancel
	go c.pollLoop(loopCtx, batch.Cursor, batch.Events)
	return c, nil
}

func (c *pollConn) pollLoop(ctx context.Context, cursor uint64, initial []Event) {
	defer close(c.events)

	deliver := func(evs []Event) bool {
		for _, ev := range evs {
			select {
			case c.events <- ev:
			case <-c.done:
				return false
			}
		}
		return true
	}
	if !deliver(initial) {
		return
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		batch, err := c.poll(ctx, cursor, c.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= pollMaxConsecutiveFailures {
				c.fail(fmt.Errorf("longpoll: %d consecutive failures: %w", failures, err))
				return
			}
			select {
			case <-time.After(c.opts.PollInterval):
			case <-c.done:
				return
			}
			continue
		}
		failures = 0
		if batch.Cursor > 0 {
			cursor = batch.Cursor
		}
		// An empty batch is a server-side wait expiry; loop re-polls immediately.
		if !deliver(batch.Events) {
			return
		}
	}
}

func (c *pollConn) poll(ctx context.Context, cursor uint64, wait time.Duration) (pollBatch, error) {
	url := c.opts.PollURL + "?cursor=" + strconv.FormatUint(cursor, 10) +
		"&wait=" + strconv.Itoa(int(wait/time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pollBatch{}, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return pollBatch{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return pollBatch{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNoContent {
		return pollBatch{Cursor: cursor}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return pollBatch{}, fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var batch pollBatch
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&batch); err != nil {
		return pollBatch{}, fmt.Errorf("poll decode: %w", err)
	}
	return batch, nil
}

func (c *pollConn) Send(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.PollURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("emit status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) authorize(ctx context.Context, req *http.Request) error {
	if c.opts.BearerToken == nil {
		return nil
	}
	tok, err := c.opts.BearerToken(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func (c *pollConn) Events() <-chan Event  { return c.events }
func (c *pollConn) Done() <-chan struct{} { return c.done }
func (c *pollConn) Tier() Tier            { return TierLongPoll }

func (c *pollConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *pollConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *pollConn) fail(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
		}
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
	})
}
