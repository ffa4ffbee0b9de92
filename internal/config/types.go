package config

// Config is the root on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers so "omitted" can fall back to runtime
// defaults without tripping DisallowUnknownFields on older files.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	API      APIConfig       `json:"api"`
	Socket   SocketConfig    `json:"socket"`
	Conn     ConnConfig      `json:"conn"`
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
	Inbox    *InboxConfig    `json:"inbox,omitempty"`
	Cache    *CacheConfig    `json:"cache,omitempty"`
	Offline  *OfflineConfig  `json:"offline,omitempty"`
	CrossTab *CrossTabConfig `json:"cross_tab,omitempty"`
	Presence *PresenceConfig `json:"presence,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Maintenance controls the background janitor (sweeps, compaction).
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig controls the REST collaborator client.
//
// Defaults (when fields are omitted/zero):
//   - request_timeout: "15s"
//   - retry_max: 2
//   - retry_base: "300ms"
//   - retry_max_delay: "5s"
type APIConfig struct {
	BaseURL string `json:"base_url"`

	// Token is the initial bearer token. RefreshPath, when set, is the
	// endpoint used to exchange an expired token for a fresh one.
	Token       string `json:"token,omitempty"`
	RefreshPath string `json:"refresh_path,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`

	Breaker *BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the per-resource-class circuit breaker.
type BreakerConfig struct {
	TripAfter    int    `json:"trip_after,omitempty"`    // default 5
	CooldownBase string `json:"cooldown_base,omitempty"` // default "5s"
	CooldownMax  string `json:"cooldown_max,omitempty"`  // default "2m"
	ResetAfter   string `json:"reset_after,omitempty"`   // default "5m"
}

// SocketConfig describes the duplex endpoints for the transport ladder.
type SocketConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `json:"url"`
	// PollURL is the HTTP long-poll endpoint used by the last-resort tier.
	PollURL string `json:"poll_url"`
	// RawAddr is the host:port for the raw TCP tier. Empty disables it.
	RawAddr string `json:"raw_addr,omitempty"`

	Subprotocols []string `json:"subprotocols,omitempty"`
	Compression  bool     `json:"compression,omitempty"`

	DialTimeout  string `json:"dial_timeout,omitempty"`  // default "10s"
	WriteTimeout string `json:"write_timeout,omitempty"` // default "10s"
	PollInterval string `json:"poll_interval,omitempty"` // default "2s"
	PollTimeout  string `json:"poll_timeout,omitempty"`  // default "25s"
}

// ConnConfig tunes the connection controller.
//
// Defaults (when fields are omitted/zero):
//   - heartbeat_interval: "25s" (valid range 15s..30s)
//   - liveness_timeout: "60s"
//   - reconnect_base: "500ms"
//   - reconnect_max: "30s"
//   - attempts_per_tier: 5
//   - failure_cooldown: "45s"
//   - outbox_limit: 256
//   - outbox_ttl: "10m"
type ConnConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	LivenessTimeout   string `json:"liveness_timeout,omitempty"`

	ReconnectBase   string `json:"reconnect_base,omitempty"`
	ReconnectMax    string `json:"reconnect_max,omitempty"`
	AttemptsPerTier int    `json:"attempts_per_tier,omitempty"`
	FailureCooldown string `json:"failure_cooldown,omitempty"`

	OutboxLimit int    `json:"outbox_limit,omitempty"`
	OutboxTTL   string `json:"outbox_ttl,omitempty"`
}

// DeliveryConfig tunes the reliable send pipeline.
//
// Defaults: ack_timeout "2s", stale_after "10m", rate_per_sec 10,
// pending_limit 512.
type DeliveryConfig struct {
	AckTimeout   string `json:"ack_timeout,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	PendingLimit int    `json:"pending_limit,omitempty"`
}

// InboxConfig tunes notification bundling.
//
// bundle_window applies to every type unless overridden in bundle_windows
// (keyed by notification type). Windows are clamped to 5s..1h.
type InboxConfig struct {
	BundleWindow  string            `json:"bundle_window,omitempty"` // default "60s"
	BundleWindows map[string]string `json:"bundle_windows,omitempty"`
	MaxEntries    int               `json:"max_entries,omitempty"` // default 500

	// PersistSnapshot stores the inbox to local storage so a restart
	// restores unread state. snapshot_every defaults to "30s".
	PersistSnapshot bool   `json:"persist_snapshot,omitempty"`
	SnapshotEvery   string `json:"snapshot_every,omitempty"`
}

// CacheConfig tunes the read-through response cache.
//
// ttls maps a resource class (first path segment, e.g. "messages",
// "profiles") to its TTL; default_ttl covers everything else.
type CacheConfig struct {
	Capacity   int               `json:"capacity,omitempty"`    // default 512
	DefaultTTL string            `json:"default_ttl,omitempty"` // default "2m"
	TTLs       map[string]string `json:"ttls,omitempty"`
}

// OfflineConfig tunes the durable mutation queue.
type OfflineConfig struct {
	MaxRetries    int    `json:"max_retries,omitempty"`    // default 3
	ReplayTimeout string `json:"replay_timeout,omitempty"` // per-item, default "15s"
	QueueLimit    int    `json:"queue_limit,omitempty"`    // default 1000
}

// CrossTabConfig controls cross-tab state synchronization.
//
// channel is "memory" (in-process broker) or "file" (shared JSONL file
// watched via fsnotify, emulating storage events). path is required for
// the file channel.
type CrossTabConfig struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel,omitempty"` // default "memory"
	Path    string `json:"path,omitempty"`
}

// PresenceConfig controls the network reachability probe.
type PresenceConfig struct {
	Enabled  bool   `json:"enabled"`
	ProbeURL string `json:"probe_url,omitempty"` // default: api.base_url + "/health"
	Interval string `json:"interval,omitempty"`  // default "30s"
	Timeout  string `json:"timeout,omitempty"`   // default "5s"
}

// StorageConfig controls the local persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./agent_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls the background janitor.
//
// Schedules accept cron specs ("*/5 * * * *"), "cron:<spec>",
// "interval:<dur>"/"every:<dur>", plain Go durations, or "HH:MM".
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Sweep    string `json:"sweep,omitempty"`   // default "5m"
	Compact  string `json:"compact,omitempty"` // default "1h"
	Timezone string `json:"timezone,omitempty"`
}
