package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// rawConn speaks the same envelope over plain TCP, one JSON object per line.
// It exists for environments where websocket upgrades are blocked outright.
type rawConn struct {
	conn net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

const rawMaxLine = 1 << 20 // 1 MiB per envelope

func dialRaw(ctx context.Context, opts Options) (Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", opts.RawAddr)
	if err != nil {
		return nil, fmt.Errorf("raw dial: %w", err)
	}

	c := &rawConn{
		conn:         nc,
		writeTimeout: opts.WriteTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}

	// The TCP tier has no handshake headers, so authentication rides the
	// first envelope.
	if opts.BearerToken != nil {
		tok, err := opts.BearerToken(ctx)
		if err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("raw dial: token: %w", err)
		}
		data, _ := json.Marshal(map[string]string{"token": tok})
		if err := c.Send(ctx, Event{Name: EvAuth, Data: data}); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("raw dial: auth: %w", err)
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *rawConn) readLoop() {
	defer close(c.events)
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), rawMaxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Name == "" {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = ErrConnClosed
	}
	c.fail(err)
}

func (c *rawConn) Send(ctx context.Context, ev Event) error {
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
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(b); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *rawConn) Events() <-chan Event  { return c.events }
func (c *rawConn) Done() <-chan struct{} { return c.done }
func (c *rawConn) Tier() Tier            { return TierRawTCP }

func (c *rawConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *rawConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *rawConn) fail(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}
