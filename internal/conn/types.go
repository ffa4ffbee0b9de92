package conn

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/transport"
)

var (
	ErrNotRunning = errors.New("conn: controller not running")
	ErrOutboxFull = errors.New("conn: outbox full")
	ErrNoTiers    = errors.New("conn: no transport tiers configured")
)

// State is the controller's externally visible connection state.
// It is mutated only inside the controller; everyone else observes it via
// State() snapshots and EventState bus events.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDegraded        State = "degraded"
	StateReconnecting    State = "reconnecting"
	StateFallbackPolling State = "fallback-polling"
	StateFailed          State = "failed"
)

// IsUp reports whether the controller can push envelopes right now.
// Degraded means connected with missed heartbeat pongs under the liveness
// limit, so sends still flow.
func (s State) IsUp() bool {
	return s == StateConnected || s == StateDegraded || s == StateFallbackPolling
}

// Bus event types published by the controller.
const (
	// EventState carries a StateChange on every transition.
	EventState = "conn.state"
	// EventDown fires when every tier of one escalation cycle failed and
	// the controller entered its cooldown.
	EventDown = "conn.down"
)

// StateChange is the EventState payload.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	Tier string    `json:"tier,omitempty"`
	At   time.Time `json:"at"`
}

// DownReport is the EventDown payload.
type DownReport struct {
	Cycles   uint64        `json:"cycles"`
	Cooldown time.Duration `json:"cooldown"`
	LastErr  string        `json:"last_err,omitempty"`
	At       time.Time     `json:"at"`
}

// Handler receives the raw data of one inbound envelope. Handlers run on
// the controller's dispatch goroutine; they must not block.
type Handler func(data json.RawMessage)

// Config tunes the controller. Zero fields fall back to defaults.
type Config struct {
	HeartbeatInterval time.Duration // default 25s
	LivenessTimeout   time.Duration // default 60s

	ReconnectBase   time.Duration // default 500ms
	ReconnectMax    time.Duration // default 30s
	AttemptsPerTier int           // default 5
	FailureCooldown time.Duration // default 45s

	OutboxLimit int           // default 256
	OutboxTTL   time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 30 * time.Second
	}
	if c.AttemptsPerTier <= 0 {
		c.AttemptsPerTier = 5
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 45 * time.Second
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 256
	}
	if c.OutboxTTL <= 0 {
		c.OutboxTTL = 10 * time.Minute
	}
	return c
}

// outboxItem is one queued send with its enqueue time, so flushes can drop
// entries older than the TTL instead of resurrecting stale intent.
type outboxItem struct {
	Event    transport.Event `json:"event"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	State         State     `json:"state"`
	Tier          string    `json:"tier,omitempty"`
	Cycles        uint64    `json:"cycles"`
	DialAttempts  uint64    `json:"dial_attempts"`
	Connects      uint64    `json:"connects"`
	Dispatched    uint64    `json:"dispatched"`
	OutboxLen     int       `json:"outbox_len"`
	OutboxSent    uint64    `json:"outbox_sent"`
	OutboxExpired uint64    `json:"outbox_expired"`
	LastPongAt    time.Time `json:"last_pong_at"`
	LastError     string    `json:"last_error,omitempty"`
}
