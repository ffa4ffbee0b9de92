package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// API (never log token)
	oa, na := oldCfg.API, newCfg.API
	tokenFlipped := (strings.TrimSpace(oa.Token) != "") != (strings.TrimSpace(na.Token) != "")
	oa.Token, na.Token = "", ""
	if tokenFlipped || !reflect.DeepEqual(oa, na) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(na.BaseURL)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.String("api.request_timeout", strings.TrimSpace(na.RequestTimeout)),
			logx.Int("api.retry_max", na.RetryMax),
		)
	}

	// Socket endpoints and negotiation knobs.
	if !reflect.DeepEqual(oldCfg.Socket, newCfg.Socket) {
		changed = append(changed, "socket")
		attrs = append(attrs,
			logx.String("socket.url", strings.TrimSpace(newCfg.Socket.URL)),
			logx.String("socket.poll_url", strings.TrimSpace(newCfg.Socket.PollURL)),
			logx.Bool("socket.raw_enabled", strings.TrimSpace(newCfg.Socket.RawAddr) != ""),
			logx.Int("socket.subprotocols", len(newCfg.Socket.Subprotocols)),
			logx.Bool("socket.compression", newCfg.Socket.Compression),
		)
	}

	// Controller tunables.
	if !reflect.DeepEqual(oldCfg.Conn, newCfg.Conn) {
		changed = append(changed, "conn")
		attrs = append(attrs,
			logx.String("conn.heartbeat_interval", strings.TrimSpace(newCfg.Conn.HeartbeatInterval)),
			logx.String("conn.liveness_timeout", strings.TrimSpace(newCfg.Conn.LivenessTimeout)),
			logx.Int("conn.attempts_per_tier", newCfg.Conn.AttemptsPerTier),
			logx.Int("conn.outbox_limit", newCfg.Conn.OutboxLimit),
		)
	}

	if sectionChanged(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		n := derefOr(newCfg.Delivery)
		attrs = append(attrs,
			logx.String("delivery.ack_timeout", strings.TrimSpace(n.AckTimeout)),
			logx.String("delivery.stale_after", strings.TrimSpace(n.StaleAfter)),
			logx.Int("delivery.rate_per_sec", n.RatePerSec),
		)
	}

	if sectionChanged(oldCfg.Inbox, newCfg.Inbox) {
		changed = append(changed, "inbox")
		n := derefOr(newCfg.Inbox)
		attrs = append(attrs,
			logx.String("inbox.bundle_window", strings.TrimSpace(n.BundleWindow)),
			logx.Int("inbox.window_overrides", len(n.BundleWindows)),
			logx.Int("inbox.max_entries", n.MaxEntries),
			logx.Bool("inbox.persist_snapshot", n.PersistSnapshot),
		)
	}

	if sectionChanged(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		n := derefOr(newCfg.Cache)
		attrs = append(attrs,
			logx.Int("cache.capacity", n.Capacity),
			logx.String("cache.default_ttl", strings.TrimSpace(n.DefaultTTL)),
			logx.Int("cache.ttl_classes", len(n.TTLs)),
		)
	}

	if sectionChanged(oldCfg.Offline, newCfg.Offline) {
		changed = append(changed, "offline")
		n := derefOr(newCfg.Offline)
		attrs = append(attrs,
			logx.Int("offline.max_retries", n.MaxRetries),
			logx.Int("offline.queue_limit", n.QueueLimit),
		)
	}

	if sectionChanged(oldCfg.CrossTab, newCfg.CrossTab) {
		changed = append(changed, "cross_tab")
		n := derefOr(newCfg.CrossTab)
		attrs = append(attrs,
			logx.Bool("cross_tab.enabled", n.Enabled),
			logx.String("cross_tab.channel", strings.TrimSpace(n.Channel)),
			logx.Bool("cross_tab.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}

	if sectionChanged(oldCfg.Presence, newCfg.Presence) {
		changed = append(changed, "presence")
		n := derefOr(newCfg.Presence)
		attrs = append(attrs,
			logx.Bool("presence.enabled", n.Enabled),
			logx.String("presence.interval", strings.TrimSpace(n.Interval)),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if sectionChanged(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		n := derefOr(newCfg.Maintenance)
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", n.Enabled),
			logx.String("maintenance.sweep", strings.TrimSpace(n.Sweep)),
			logx.String("maintenance.compact", strings.TrimSpace(n.Compact)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// sectionChanged compares optional (pointer) sections, treating nil as the
// zero value so adding an explicit empty section is not reported as a change.
func sectionChanged[T any](o, n *T) bool {
	return !reflect.DeepEqual(derefOr(o), derefOr(n))
}

func derefOr[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
