package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yaront1111/mandarin-sub009/internal/api"
	"github.com/yaront1111/mandarin-sub009/internal/cache"
	"github.com/yaront1111/mandarin-sub009/internal/config"
	"github.com/yaront1111/mandarin-sub009/internal/conn"
	"github.com/yaront1111/mandarin-sub009/internal/delivery"
	"github.com/yaront1111/mandarin-sub009/internal/notify"
	"github.com/yaront1111/mandarin-sub009/internal/offline"
	"github.com/yaront1111/mandarin-sub009/internal/presence"
	"github.com/yaront1111/mandarin-sub009/internal/services/maintenance"
	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/internal/transport"
)

// Config mapping: the YAML config carries durations as strings; each
// component takes parsed time.Durations. Parse failures here reject the
// whole config, which is what makes hot reload transactional.

func mapTransportOptions(cfg *config.Config) (transport.Options, error) {
	s := cfg.Socket
	dial, err := config.ParseDurationOrDefault("socket.dial_timeout", s.DialTimeout, 10*time.Second)
	if err != nil {
		return transport.Options{}, err
	}
	write, err := config.ParseDurationOrDefault("socket.write_timeout", s.WriteTimeout, 10*time.Second)
	if err != nil {
		return transport.Options{}, err
	}
	pollIv, err := config.ParseDurationOrDefault("socket.poll_interval", s.PollInterval, 2*time.Second)
	if err != nil {
		return transport.Options{}, err
	}
	pollTo, err := config.ParseDurationOrDefault("socket.poll_timeout", s.PollTimeout, 25*time.Second)
	if err != nil {
		return transport.Options{}, err
	}
	if strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.PollURL) == "" && strings.TrimSpace(s.RawAddr) == "" {
		return transport.Options{}, fmt.Errorf("socket: at least one of url, poll_url, raw_addr is required")
	}
	return transport.Options{
		URL:          s.URL,
		PollURL:      s.PollURL,
		RawAddr:      s.RawAddr,
		Subprotocols: s.Subprotocols,
		Compression:  s.Compression,
		DialTimeout:  dial,
		WriteTimeout: write,
		PollInterval: pollIv,
		PollTimeout:  pollTo,
	}, nil
}

func mapConnConfig(cfg *config.Config) (conn.Config, error) {
	c := cfg.Conn
	hb, err := config.ParseDurationInRange("conn.heartbeat_interval", c.HeartbeatInterval, 25*time.Second, 15*time.Second, 30*time.Second)
	if err != nil {
		return conn.Config{}, err
	}
	live, err := config.ParseDurationOrDefault("conn.liveness_timeout", c.LivenessTimeout, 60*time.Second)
	if err != nil {
		return conn.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("conn.reconnect_base", c.ReconnectBase, 500*time.Millisecond)
	if err != nil {
		return conn.Config{}, err
	}
	max, err := config.ParseDurationOrDefault("conn.reconnect_max", c.ReconnectMax, 30*time.Second)
	if err != nil {
		return conn.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("conn.failure_cooldown", c.FailureCooldown, 45*time.Second)
	if err != nil {
		return conn.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("conn.outbox_ttl", c.OutboxTTL, 10*time.Minute)
	if err != nil {
		return conn.Config{}, err
	}
	if c.AttemptsPerTier < 0 {
		return conn.Config{}, fmt.Errorf("conn.attempts_per_tier must be >= 0")
	}
	if c.OutboxLimit < 0 {
		return conn.Config{}, fmt.Errorf("conn.outbox_limit must be >= 0")
	}
	return conn.Config{
		HeartbeatInterval: hb,
		LivenessTimeout:   live,
		ReconnectBase:     base,
		ReconnectMax:      max,
		AttemptsPerTier:   c.AttemptsPerTier,
		FailureCooldown:   cooldown,
		OutboxLimit:       c.OutboxLimit,
		OutboxTTL:         ttl,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	if cfg.Delivery == nil {
		return delivery.Config{}, nil
	}
	d := cfg.Delivery
	ack, err := config.ParseDurationOrDefault("delivery.ack_timeout", d.AckTimeout, 2*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("delivery.stale_after", d.StaleAfter, 10*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	if d.RatePerSec < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if d.PendingLimit < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.pending_limit must be >= 0")
	}
	return delivery.Config{
		AckTimeout:   ack,
		StaleAfter:   stale,
		RatePerSec:   d.RatePerSec,
		PendingLimit: d.PendingLimit,
	}, nil
}

func mapInboxConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Inbox == nil {
		return notify.Config{}, nil
	}
	in := cfg.Inbox
	window, err := config.ParseDurationOrDefault("inbox.bundle_window", in.BundleWindow, 60*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	var windows map[string]time.Duration
	if len(in.BundleWindows) > 0 {
		windows = make(map[string]time.Duration, len(in.BundleWindows))
		for typ, raw := range in.BundleWindows {
			d, err := config.ParseDurationField("inbox.bundle_windows."+typ, raw)
			if err != nil {
				return notify.Config{}, err
			}
			windows[typ] = d
		}
	}
	if in.MaxEntries < 0 {
		return notify.Config{}, fmt.Errorf("inbox.max_entries must be >= 0")
	}
	return notify.Config{
		BundleWindow:  window,
		BundleWindows: windows,
		MaxEntries:    in.MaxEntries,
	}, nil
}

func mapCacheConfig(cfg *config.Config) (cache.Config, error) {
	if cfg.Cache == nil {
		return cache.Config{}, nil
	}
	cc := cfg.Cache
	ttl, err := config.ParseDurationOrDefault("cache.default_ttl", cc.DefaultTTL, 2*time.Minute)
	if err != nil {
		return cache.Config{}, err
	}
	var ttls map[string]time.Duration
	if len(cc.TTLs) > 0 {
		ttls = make(map[string]time.Duration, len(cc.TTLs))
		for class, raw := range cc.TTLs {
			d, err := config.ParseDurationField("cache.ttls."+class, raw)
			if err != nil {
				return cache.Config{}, err
			}
			ttls[class] = d
		}
	}
	if cc.Capacity < 0 {
		return cache.Config{}, fmt.Errorf("cache.capacity must be >= 0")
	}
	return cache.Config{Capacity: cc.Capacity, DefaultTTL: ttl, TTLs: ttls}, nil
}

func mapOfflineConfig(cfg *config.Config) (offline.Config, error) {
	if cfg.Offline == nil {
		return offline.Config{}, nil
	}
	o := cfg.Offline
	replay, err := config.ParseDurationOrDefault("offline.replay_timeout", o.ReplayTimeout, 15*time.Second)
	if err != nil {
		return offline.Config{}, err
	}
	if o.MaxRetries < 0 {
		return offline.Config{}, fmt.Errorf("offline.max_retries must be >= 0")
	}
	if o.QueueLimit < 0 {
		return offline.Config{}, fmt.Errorf("offline.queue_limit must be >= 0")
	}
	return offline.Config{
		MaxRetries:    o.MaxRetries,
		ReplayTimeout: replay,
		QueueLimit:    o.QueueLimit,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	if strings.TrimSpace(a.BaseURL) == "" {
		return api.Config{}, fmt.Errorf("api.base_url is required")
	}
	reqTo, err := config.ParseDurationOrDefault("api.request_timeout", a.RequestTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("api.retry_base", a.RetryBase, 300*time.Millisecond)
	if err != nil {
		return api.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("api.retry_max_delay", a.RetryMaxDelay, 5*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	out := api.Config{
		BaseURL:        a.BaseURL,
		RequestTimeout: reqTo,
		RetryMax:       a.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
	}
	if b := a.Breaker; b != nil {
		cb, err := config.ParseDurationOrDefault("api.breaker.cooldown_base", b.CooldownBase, 5*time.Second)
		if err != nil {
			return api.Config{}, err
		}
		cm, err := config.ParseDurationOrDefault("api.breaker.cooldown_max", b.CooldownMax, 2*time.Minute)
		if err != nil {
			return api.Config{}, err
		}
		ra, err := config.ParseDurationOrDefault("api.breaker.reset_after", b.ResetAfter, 5*time.Minute)
		if err != nil {
			return api.Config{}, err
		}
		out.Breaker = api.BreakerConfig{
			TripAfter:    b.TripAfter,
			CooldownBase: cb,
			CooldownMax:  cm,
			ResetAfter:   ra,
		}
	}
	return out, nil
}

func mapPresenceConfig(cfg *config.Config) (presence.Config, bool, error) {
	if cfg.Presence == nil || !cfg.Presence.Enabled {
		return presence.Config{}, false, nil
	}
	p := cfg.Presence
	interval, err := config.ParseDurationOrDefault("presence.interval", p.Interval, 30*time.Second)
	if err != nil {
		return presence.Config{}, false, err
	}
	timeout, err := config.ParseDurationOrDefault("presence.timeout", p.Timeout, 5*time.Second)
	if err != nil {
		return presence.Config{}, false, err
	}
	probe := strings.TrimSpace(p.ProbeURL)
	if probe == "" {
		probe = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/") + "/health"
	}
	return presence.Config{ProbeURL: probe, Interval: interval, Timeout: timeout}, true, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	m := cfg.Maintenance
	out := maintenance.Config{
		Enabled:  m.Enabled,
		Sweep:    m.Sweep,
		Compact:  m.Compact,
		Timezone: m.Timezone,
	}
	// Reject bad schedules and timezones at validation time, not when the
	// janitor fires.
	if m.Enabled {
		if strings.TrimSpace(m.Sweep) != "" {
			if _, err := maintenance.ParseSchedule(m.Sweep); err != nil {
				return maintenance.Config{}, fmt.Errorf("maintenance.sweep: %w", err)
			}
		}
		if strings.TrimSpace(m.Compact) != "" {
			if _, err := maintenance.ParseSchedule(m.Compact); err != nil {
				return maintenance.Config{}, fmt.Errorf("maintenance.compact: %w", err)
			}
		}
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	return out, nil
}
