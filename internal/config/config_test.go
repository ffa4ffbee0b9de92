package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "agent.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"api": {"base_url": "https://api.example.test"},
		"socket": {"url": "wss://api.example.test/socket", "poll_url": "https://api.example.test/poll"},
		"conn": {"heartbeat_interval": "20s"},
		"delivery": {"ack_timeout": "2s"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Conn.HeartbeatInterval != "20s" {
		t.Fatalf("Conn.HeartbeatInterval = %q, want 20s", cfg.Conn.HeartbeatInterval)
	}
	if cfg.Delivery == nil || cfg.Delivery.AckTimeout != "2s" {
		t.Fatalf("Delivery section not decoded: %+v", cfg.Delivery)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "agent.yaml", `
logging:
  level: info
  console: true
socket:
  url: wss://api.example.test/socket
  poll_url: https://api.example.test/poll
  subprotocols: [v2.chat, v1.chat]
cache:
  capacity: 64
  default_ttl: 90s
  ttls:
    profiles: 10m
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Socket.Subprotocols) != 2 || cfg.Socket.Subprotocols[0] != "v2.chat" {
		t.Fatalf("Subprotocols = %v", cfg.Socket.Subprotocols)
	}
	if cfg.Cache == nil || cfg.Cache.TTLs["profiles"] != "10m" {
		t.Fatalf("Cache TTLs = %+v", cfg.Cache)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "agent.json", `{"logging": {"level": "info"}, "websocket": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "agent.json", `{"logging": {"level": "info"}}{"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestParseDurationInRange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "default", raw: "", want: 25 * time.Second},
		{name: "valid", raw: "15s", want: 15 * time.Second},
		{name: "too low", raw: "5s", wantErr: true},
		{name: "too high", raw: "2m", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationInRange("conn.heartbeat_interval", tt.raw, 25*time.Second, 15*time.Second, 30*time.Second)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationInRange(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationInRange(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampDuration(t *testing.T) {
	t.Parallel()
	if got := ClampDuration(time.Second, 5*time.Second, time.Hour); got != 5*time.Second {
		t.Fatalf("clamp low = %v", got)
	}
	if got := ClampDuration(2*time.Hour, 5*time.Second, time.Hour); got != time.Hour {
		t.Fatalf("clamp high = %v", got)
	}
	if got := ClampDuration(time.Minute, 5*time.Second, time.Hour); got != time.Minute {
		t.Fatalf("clamp mid = %v", got)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Conn:    ConnConfig{HeartbeatInterval: "25s"},
	}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug", Console: true},
		Conn:     ConnConfig{HeartbeatInterval: "25s"},
		Delivery: &DeliveryConfig{AckTimeout: "3s"},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if len(attrs) == 0 {
		t.Fatal("expected log attrs for changed sections")
	}
	want := map[string]bool{"logging": true, "delivery": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want keys %v", changed, want)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q in %v", c, changed)
		}
	}
}

func TestSummarizeChangeIgnoresEmptySection(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{Cache: &CacheConfig{}}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}
