package notify

import (
	"errors"
	"time"
)

var (
	// ErrUnidentifiable marks an event carrying neither an id nor message
	// content. Such events cannot be keyed and are dropped.
	ErrUnidentifiable = errors.New("notify: event has neither id nor message")
	// ErrMalformed marks an event that failed envelope validation.
	ErrMalformed = errors.New("notify: malformed event payload")
)

// Notification is the single canonical shape every inbound event collapses
// into, regardless of its original wire form. Count and SourceIDs grow as
// same-key events arrive inside the bundling window.
type Notification struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
	Count      int       `json:"count"`
	SourceIDs  []string  `json:"source_ids"`
}

// Bus event types published by the inbox.
const (
	// EventAdded fires when a new canonical entry is inserted.
	EventAdded = "notify.added"
	// EventBundled fires when an inbound event merged into an existing
	// entry instead of creating a new one.
	EventBundled = "notify.bundled"
)

// Bundling window clamp bounds.
const (
	minBundleWindow = 5 * time.Second
	maxBundleWindow = time.Hour
)

// Config tunes normalization and bundling.
type Config struct {
	// BundleWindow applies to every type without an override. Windows are
	// sliding, measured from the existing entry's timestamp.
	BundleWindow  time.Duration            // default 60s, clamped to 5s..1h
	BundleWindows map[string]time.Duration // per-type overrides
	MaxEntries    int                      // default 500
}

func (c Config) withDefaults() Config {
	if c.BundleWindow <= 0 {
		c.BundleWindow = 60 * time.Second
	}
	c.BundleWindow = clampWindow(c.BundleWindow)
	if len(c.BundleWindows) > 0 {
		m := make(map[string]time.Duration, len(c.BundleWindows))
		for k, v := range c.BundleWindows {
			m[k] = clampWindow(v)
		}
		c.BundleWindows = m
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	return c
}

func clampWindow(d time.Duration) time.Duration {
	if d < minBundleWindow {
		return minBundleWindow
	}
	if d > maxBundleWindow {
		return maxBundleWindow
	}
	return d
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	Entries  int    `json:"entries"`
	Unread   int    `json:"unread"`
	Ingested uint64 `json:"ingested"`
	Bundled  uint64 `json:"bundled"`
	Deduped  uint64 `json:"deduped"`
	Rejected uint64 `json:"rejected"`
}

// rawEvent is the decoded wire payload before normalization.
type rawEvent struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Message    string `json:"message,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// TypeForWireEvent maps an inbound wire event name to the canonical
// notification type used as half of the bundling key.
func TypeForWireEvent(name string) string {
	switch name {
	case "message:new":
		return "message"
	case "like:new":
		return "like"
	case "match:new":
		return "match"
	case "comment:new":
		return "comment"
	case "call:incoming":
		return "call"
	case "photo:request", "photo:response":
		return "photo"
	case "story:new":
		return "story"
	default:
		return "generic"
	}
}
