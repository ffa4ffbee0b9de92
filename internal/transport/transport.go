// Package transport implements the duplex tiers the connection controller
// escalates through. Every tier speaks the same JSON envelope and satisfies
// the same Conn contract, so upper layers never know which rung they are on.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is one wire envelope, identical across all tiers.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	// Seq is the server-assigned sequence number, 0 when absent.
	Seq uint64 `json:"seq,omitempty"`
}

// Wire event names. Outbound are produced by the substrate; inbound arrive
// from the peer.
const (
	// outbound
	EvAuth        = "auth"
	EvPing        = "ping"
	EvMessageSend = "message:send"
	EvTyping      = "typing"
	EvReadMark    = "read:mark"

	// inbound
	EvConnected     = "connected"
	EvDisconnect    = "disconnect"
	EvConnectError  = "connect_error"
	EvPong          = "pong"
	EvMessageNew    = "message:new"
	EvMessageAck    = "message:ack"
	EvMessageError  = "message:error"
	EvLikeNew       = "like:new"
	EvMatchNew      = "match:new"
	EvCommentNew    = "comment:new"
	EvCallIncoming  = "call:incoming"
	EvPhotoRequest  = "photo:request"
	EvPhotoResponse = "photo:response"
	EvStoryNew      = "story:new"
	EvNotice        = "notice"
)

var ErrConnClosed = errors.New("transport: connection closed")

// Tier identifies a rung of the escalation ladder, best first.
type Tier int

const (
	TierWebSocket      Tier = iota // websocket, negotiated subprotocols + compression
	TierWebSocketBasic             // websocket pinned to one subprotocol, no extensions
	TierRawTCP                     // newline-delimited JSON over TCP
	TierLongPoll                   // HTTP long-poll emulation
)

func (t Tier) String() string {
	switch t {
	case TierWebSocket:
		return "websocket"
	case TierWebSocketBasic:
		return "websocket-basic"
	case TierRawTCP:
		return "raw-tcp"
	case TierLongPoll:
		return "long-poll"
	default:
		return "unknown"
	}
}

// Conn is a live duplex connection on some tier.
//
// Events() is closed when the connection dies; Done() closes at the same
// time and Err() then reports the cause. Close() is idempotent.
type Conn interface {
	Send(ctx context.Context, ev Event) error
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
	Tier() Tier
}

// DialFunc opens a connection on one specific tier.
type DialFunc func(ctx context.Context) (Conn, error)

// Options carries endpoint and negotiation settings for every tier.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// PollURL serves both long-poll reads (GET) and emits (POST).
	PollURL string
	// RawAddr is host:port for the raw TCP tier; empty disables the tier.
	RawAddr string

	Subprotocols []string
	Compression  bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration

	// BearerToken, when set, authenticates dials (header for HTTP-based
	// tiers, an auth envelope for raw TCP).
	BearerToken func(ctx context.Context) (string, error)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 25 * time.Second
	}
	return o
}

// Rung is one tier of the escalation ladder.
type Rung struct {
	Tier Tier
	Dial DialFunc
}

// Ladder returns the ordered rungs for the configured tiers, best transport
// first. Tiers without endpoints are skipped.
func Ladder(opts Options) []Rung {
	opts = opts.withDefaults()

	var out []Rung
	if opts.URL != "" {
		out = append(out,
			Rung{TierWebSocket, func(ctx context.Context) (Conn, error) { return dialWebSocket(ctx, opts, true) }},
			Rung{TierWebSocketBasic, func(ctx context.Context) (Conn, error) { return dialWebSocket(ctx, opts, false) }},
		)
	}
	if opts.RawAddr != "" {
		out = append(out, Rung{TierRawTCP, func(ctx context.Context) (Conn, error) { return dialRaw(ctx, opts) }})
	}
	if opts.PollURL != "" {
		out = append(out, Rung{TierLongPoll, func(ctx context.Context) (Conn, error) { return dialLongPoll(ctx, opts) }})
	}
	return out
}
