package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeINI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairchat.ini")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write ini: %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	if cfg.Moderation.ReportThreshold != 3 {
		t.Errorf("ReportThreshold = %d, want 3", cfg.Moderation.ReportThreshold)
	}
	if cfg.Moderation.BanDuration() != 24*time.Hour {
		t.Errorf("BanDuration = %v, want 24h", cfg.Moderation.BanDuration())
	}
	if cfg.Matching.QueueTTL != 5*time.Minute {
		t.Errorf("QueueTTL = %v, want 5m", cfg.Matching.QueueTTL)
	}
	if cfg.Room.TTL != time.Hour {
		t.Errorf("Room.TTL = %v, want 1h", cfg.Room.TTL)
	}
	if cfg.Sweeper.Interval != 30*time.Second {
		t.Errorf("Sweeper.Interval = %v, want 30s", cfg.Sweeper.Interval)
	}
	if !cfg.Filter.Enabled || len(cfg.Filter.Denylist) != 5 {
		t.Errorf("Filter = %+v, want enabled with 5 terms", cfg.Filter)
	}
}

func TestLoad_INIThenEnv(t *testing.T) {
	path := writeINI(t, `
[server]
listen_addr = :9000
trust_proxy = true

[moderation]
ban_duration_hours = 12
report_threshold = 5

[filter]
denylist = foo, bar baz
leet = true

[sweeper]
interval = 45s
`)
	cfg, err := load(path, envFrom(map[string]string{
		"MAX_REPORTS_BEFORE_BAN": "7",
		"REDIS_ADDR":             "redis:6379",
	}))
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if !cfg.Server.TrustProxy {
		t.Error("TrustProxy should be true")
	}
	if cfg.Moderation.BanDurationHours != 12 {
		t.Errorf("BanDurationHours = %d, want 12", cfg.Moderation.BanDurationHours)
	}
	// Env wins over the file.
	if cfg.Moderation.ReportThreshold != 7 {
		t.Errorf("ReportThreshold = %d, want 7", cfg.Moderation.ReportThreshold)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Sweeper.Interval != 45*time.Second {
		t.Errorf("Sweeper.Interval = %v, want 45s", cfg.Sweeper.Interval)
	}
	if len(cfg.Filter.Denylist) != 2 || cfg.Filter.Denylist[1] != "bar baz" {
		t.Errorf("Denylist = %q, want [foo, bar baz]", cfg.Filter.Denylist)
	}
	if !cfg.Filter.Leet {
		t.Error("Filter.Leet should be true")
	}
	// Keys absent from the file keep their defaults.
	if cfg.Room.TTL != time.Hour {
		t.Errorf("Room.TTL = %v, want default 1h", cfg.Room.TTL)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := load("", envFrom(map[string]string{
		"KEYWORD_FILTER_ENABLED": "false",
		"STUN_SERVERS":           "stun:a.example:3478, stun:b.example:3478",
		"BAN_DURATION_HOURS":     "1",
	}))
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Filter.Enabled {
		t.Error("filter should be disabled")
	}
	if len(cfg.WebRTC.STUNServers) != 2 {
		t.Errorf("STUNServers = %v", cfg.WebRTC.STUNServers)
	}
	if cfg.Moderation.BanDuration() != time.Hour {
		t.Errorf("BanDuration = %v, want 1h", cfg.Moderation.BanDuration())
	}
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := load("", envFrom(map[string]string{
		"MAX_REPORTS_BEFORE_BAN": "three",
		"SWEEPER_INTERVAL":       "soon",
	}))
	if err == nil {
		t.Fatal("expected error for malformed env values")
	}
	for _, name := range []string{"MAX_REPORTS_BEFORE_BAN", "SWEEPER_INTERVAL"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "nope.ini"), envFrom(nil)); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.Moderation.ReportThreshold = 0 }},
		{"negative ban", func(c *Config) { c.Moderation.BanDurationHours = -1 }},
		{"zero sweeper", func(c *Config) { c.Sweeper.Interval = 0 }},
		{"zero queue ttl", func(c *Config) { c.Matching.QueueTTL = 0 }},
		{"no retries", func(c *Config) { c.Matching.MatchRetries = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"turn without creds", func(c *Config) { c.WebRTC.TURNURL = "turn:turn.example:3478" }},
		{"bad stun scheme", func(c *Config) { c.WebRTC.STUNServers = []string{"http://x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestICEServers(t *testing.T) {
	cfg := Default()
	cfg.WebRTC.TURNURL = "turn:turn.example:3478"
	cfg.WebRTC.TURNUsername = "user"
	cfg.WebRTC.TURNCredential = "secret"

	servers, err := cfg.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers() error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("first STUN url = %q", servers[0].URLs[0])
	}
	if servers[1].Username != "user" || servers[1].Credential != "secret" {
		t.Errorf("turn server = %+v", servers[1])
	}

	cfg.WebRTC.STUNServers = nil
	cfg.WebRTC.TURNURL = ""
	servers, _ = cfg.ICEServers()
	if len(servers) != 0 {
		t.Errorf("expected no servers, got %v", servers)
	}
}
