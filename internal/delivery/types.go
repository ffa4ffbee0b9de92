package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped      = errors.New("delivery: service stopped")
	ErrQueueFull    = errors.New("delivery: pending queue full")
	ErrUnknownTemp  = errors.New("delivery: unknown temp id")
	ErrNotRetryable = errors.New("delivery: message not in error state")
)

// Status is the lifecycle of one outbound message. Every message reaches
// sent or error eventually; sending is never terminal.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Channel names the path a message went out on.
const (
	ChannelPrimary  = "primary"
	ChannelFallback = "fallback-http"
)

// Message is the optimistic outbound entry. TempID stays populated after
// reconciliation so callers holding the optimistic entry can match it to
// the server-confirmed one.
type Message struct {
	TempID         string         `json:"temp_id"`
	ServerID       string         `json:"server_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Channel        string         `json:"channel"`
	Attempts       int            `json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         Status         `json:"status"`
	Error          string         `json:"error,omitempty"`
}

// Bus event types published by the pipeline.
const (
	EventSent   = "delivery.sent"
	EventFailed = "delivery.failed"
	EventQueued = "delivery.queued"
)

// Report is the payload of every delivery.* bus event.
type Report struct {
	TempID         string    `json:"temp_id"`
	ServerID       string    `json:"server_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Config tunes the pipeline. Zero fields fall back to defaults.
type Config struct {
	AckTimeout   time.Duration // default 2s
	StaleAfter   time.Duration // default 10m
	RatePerSec   int           // default 10
	PendingLimit int           // default 512
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 512
	}
	return c
}

// Fallback is the HTTP send path used when the primary channel errors or
// the ack times out.
type Fallback interface {
	SendMessage(ctx context.Context, conversationID, content, msgType string, metadata map[string]any) (serverID string, err error)
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	Pending  int    `json:"pending"`
	Sending  int    `json:"sending"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Queued   uint64 `json:"queued"`
	Fallback uint64 `json:"fallback"`
}

// sendPayload is the message:send wire shape.
type sendPayload struct {
	TempID      string         `json:"temp_id"`
	RecipientID string         `json:"recipient_id"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ackPayload is the message:ack / message:error wire shape.
type ackPayload struct {
	TempID string `json:"temp_id"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// typingPayload is the typing wire shape.
type typingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// readMarkPayload is the read:mark wire shape.
type readMarkPayload struct {
	IDs []string `json:"ids"`
}
