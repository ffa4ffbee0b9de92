package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the Conn contract.
//
// Tier 1 dials with the full subprotocol list and permessage-deflate
// enabled; tier 2 pins the first subprotocol and disables extensions, which
// sidesteps intermediaries that mishandle negotiation.
type wsConn struct {
	conn *websocket.Conn
	tier Tier

	writeMu      sync.Mutex
	writeTimeout time.Duration

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func dialWebSocket(ctx context.Context, opts Options, negotiate bool) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
	}
	tier := TierWebSocketBasic
	if negotiate {
		tier = TierWebSocket
		dialer.Subprotocols = opts.Subprotocols
		dialer.EnableCompression = opts.Compression
	} else if len(opts.Subprotocols) > 0 {
		dialer.Subprotocols = opts.Subprotocols[:1]
	}

	var header http.Header
	if opts.BearerToken != nil {
		tok, err := opts.BearerToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("ws dial %s: token: %w", tier, err)
		}
		header = http.Header{"Authorization": {"Bearer " + tok}}
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", tier, err)
	}

	c := &wsConn{
		conn:         conn,
		tier:         tier,
		writeTimeout: opts.WriteTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Name == "" {
			// Not an envelope; skip rather than kill the stream.
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, ev Event) error {
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

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *wsConn) Events() <-chan Event  { return c.events }
func (c *wsConn) Done() <-chan struct{} { return c.done }
func (c *wsConn) Tier() Tier            { return c.tier }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *wsConn) fail(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
		}
		close(c.done)
		// Best-effort polite close; the read loop unblocks either way.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
