// Package crosstab synchronizes inbox state between concurrently running
// tabs of the same user. Each tab publishes tagged mutation records and
// applies the records of its peers; records carrying the local tab id are
// dropped on receipt, so a tab never replays its own mutations.
//
// Two channels carry the records: an in-process broker for handles that
// share a process, and a shared JSONL file watched via fsnotify for handles
// that do not. Receivers may see records late, duplicated, or interleaved
// in any order, so only idempotent mutation kinds are defined.
package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Mutation kinds. ADD carries the canonical notification JSON, READ an
// entry id, READ_ALL no payload. All three are idempotent at the receiver.
const (
	KindAdd     = "ADD"
	KindRead    = "READ"
	KindReadAll = "READ_ALL"
)

// Record is one tagged mutation on the shared channel.
type Record struct {
	Tab     string          `json:"tab"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Handler receives records published by other tabs.
type Handler func(Record)

// Channel is the transport under a Bus. Append publishes one record to
// every attached tab (the local one included; the Bus filters echoes).
// Run delivers inbound records until ctx is done.
type Channel interface {
	Append(ctx context.Context, rec Record) error
	Run(ctx context.Context, deliver func(Record)) error
	Close() error
}

var (
	ErrClosed      = errors.New("crosstab: channel closed")
	ErrUnknownKind = errors.New("crosstab: unknown record kind")
)

// Snapshot reports bus counters for the status surface.
type Snapshot struct {
	Tab       string `json:"tab"`
	Published uint64 `json:"published"`
	Received  uint64 `json:"received"`
	Echoes    uint64 `json:"echoes_dropped"`
}
