// Package config loads pairchat settings. Values start from Default, are
// overlaid by an optional INI file and finally by environment variables, so a
// container can run with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// EnvConfigPath names the environment variable holding the INI file path when
// no -config flag is given.
const EnvConfigPath = "PAIRCHAT_CONFIG"

type ServerConfig struct {
	ListenAddr     string        `ini:"listen_addr"`
	MaxConnections int           `ini:"max_connections"`
	ReadTimeout    time.Duration `ini:"read_timeout"`
	WriteTimeout   time.Duration `ini:"write_timeout"`
	// TrustProxy makes the server take the client address from the first
	// X-Forwarded-For entry instead of the TCP peer.
	TrustProxy bool   `ini:"trust_proxy"`
	Instance   string `ini:"instance"`
}

// RedisConfig selects the shared store. An empty Addr runs the process in
// single-instance mode on in-memory state.
type RedisConfig struct {
	Addr     string `ini:"addr"`
	Password string `ini:"password"`
	DB       int    `ini:"db"`
}

// NATSConfig enables cross-instance delivery. An empty URL disables it.
type NATSConfig struct {
	URL string `ini:"url"`
}

// DatabaseConfig enables the PostgreSQL report audit trail when URL is set.
type DatabaseConfig struct {
	URL string `ini:"url"`
}

type MatchingConfig struct {
	QueueTTL     time.Duration `ini:"queue_ttl"`
	MatchRetries int           `ini:"match_retries"`
}

type RoomConfig struct {
	TTL time.Duration `ini:"ttl"`
}

type SessionConfig struct {
	TTL time.Duration `ini:"ttl"`
}

type ModerationConfig struct {
	BanDurationHours int           `ini:"ban_duration_hours"`
	ReportThreshold  int           `ini:"report_threshold"`
	ReportTTL        time.Duration `ini:"report_ttl"`
}

// BanDuration returns the configured ban length.
func (m ModerationConfig) BanDuration() time.Duration {
	return time.Duration(m.BanDurationHours) * time.Hour
}

type FilterConfig struct {
	Enabled      bool     `ini:"enabled"`
	Denylist     []string `ini:"denylist" delim:","`
	SpamPatterns bool     `ini:"spam_patterns"`
	Leet         bool     `ini:"leet"`
}

type SweeperConfig struct {
	Interval time.Duration `ini:"interval"`
}

type StatsConfig struct {
	Interval time.Duration `ini:"interval"`
}

type WebRTCConfig struct {
	STUNServers    []string `ini:"stun_servers" delim:","`
	TURNURL        string   `ini:"turn_url"`
	TURNUsername   string   `ini:"turn_username"`
	TURNCredential string   `ini:"turn_credential"`
}

type LogConfig struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

type RateLimitConfig struct {
	Enabled bool `ini:"enabled"`
}

// Config is the full process configuration. Each field maps to an INI
// section of the same name.
type Config struct {
	Server     ServerConfig     `ini:"server"`
	Redis      RedisConfig      `ini:"redis"`
	NATS       NATSConfig       `ini:"nats"`
	Database   DatabaseConfig   `ini:"database"`
	Matching   MatchingConfig   `ini:"matching"`
	Room       RoomConfig       `ini:"room"`
	Session    SessionConfig    `ini:"session"`
	Moderation ModerationConfig `ini:"moderation"`
	Filter     FilterConfig     `ini:"filter"`
	Sweeper    SweeperConfig    `ini:"sweeper"`
	Stats      StatsConfig      `ini:"stats"`
	WebRTC     WebRTCConfig     `ini:"webrtc"`
	Log        LogConfig        `ini:"log"`
	RateLimit  RateLimitConfig  `ini:"ratelimit"`
}

// DefaultDenylist is the keyword list used when none is configured.
var DefaultDenylist = []string{"spam", "advertisement", "promo", "buy now", "click here"}

// DefaultSTUNServers are handed to clients when no STUN servers are configured.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// Default returns the built-in configuration.
func Default() *Config {
	instance, _ := os.Hostname()
	if instance == "" {
		instance = "pair-1"
	}
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			MaxConnections: 100000,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			Instance:       instance,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Matching: MatchingConfig{
			QueueTTL:     5 * time.Minute,
			MatchRetries: 3,
		},
		Room:    RoomConfig{TTL: time.Hour},
		Session: SessionConfig{TTL: 2 * time.Hour},
		Moderation: ModerationConfig{
			BanDurationHours: 24,
			ReportThreshold:  3,
			ReportTTL:        24 * time.Hour,
		},
		Filter: FilterConfig{
			Enabled:  true,
			Denylist: append([]string(nil), DefaultDenylist...),
		},
		Sweeper:   SweeperConfig{Interval: 30 * time.Second},
		Stats:     StatsConfig{Interval: 10 * time.Second},
		WebRTC:    WebRTCConfig{STUNServers: append([]string(nil), DefaultSTUNServers...)},
		Log:       LogConfig{Level: "info", Format: "text"},
		RateLimit: RateLimitConfig{Enabled: true},
	}
}

// Load builds the configuration from defaults, the INI file at path (if
// non-empty, falling back to $PAIRCHAT_CONFIG) and the environment. The
// result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err := f.MapTo(cfg); err != nil {
			return nil, fmt.Errorf("config: map %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Malformed numeric values are
// reported rather than silently ignored.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	list := func(name string, dst *[]string) {
		if v := getenv(name); v != "" {
			*dst = splitCommaSeparated(v)
		}
	}

	str("LISTEN_ADDR", &c.Server.ListenAddr)
	num("MAX_CONNECTIONS", &c.Server.MaxConnections)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	flag("TRUST_PROXY", &c.Server.TrustProxy)
	str("SERVER_NAME", &c.Server.Instance)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("NATS_URL", &c.NATS.URL)
	str("DATABASE_URL", &c.Database.URL)

	dur("QUEUE_TTL", &c.Matching.QueueTTL)
	num("MATCH_RETRIES", &c.Matching.MatchRetries)
	dur("ROOM_TTL", &c.Room.TTL)
	dur("SESSION_TTL", &c.Session.TTL)

	num("BAN_DURATION_HOURS", &c.Moderation.BanDurationHours)
	num("MAX_REPORTS_BEFORE_BAN", &c.Moderation.ReportThreshold)
	dur("REPORT_TTL", &c.Moderation.ReportTTL)

	flag("KEYWORD_FILTER_ENABLED", &c.Filter.Enabled)
	list("KEYWORD_DENYLIST", &c.Filter.Denylist)
	flag("SPAM_PATTERNS_ENABLED", &c.Filter.SpamPatterns)
	flag("LEET_FILTER_ENABLED", &c.Filter.Leet)

	dur("SWEEPER_INTERVAL", &c.Sweeper.Interval)
	dur("STATS_INTERVAL", &c.Stats.Interval)

	list("STUN_SERVERS", &c.WebRTC.STUNServers)
	str("TURN_SERVER_URL", &c.WebRTC.TURNURL)
	str("TURN_USERNAME", &c.WebRTC.TURNUsername)
	str("TURN_CREDENTIAL", &c.WebRTC.TURNCredential)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	flag("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)

	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %s", name, d))
		}
	}
	positive("server.read_timeout", c.Server.ReadTimeout)
	positive("server.write_timeout", c.Server.WriteTimeout)
	positive("matching.queue_ttl", c.Matching.QueueTTL)
	positive("room.ttl", c.Room.TTL)
	positive("session.ttl", c.Session.TTL)
	positive("moderation.report_ttl", c.Moderation.ReportTTL)
	positive("sweeper.interval", c.Sweeper.Interval)
	positive("stats.interval", c.Stats.Interval)

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("config: server.listen_addr is required"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("config: server.max_connections must be positive, got %d", c.Server.MaxConnections))
	}
	if c.Matching.MatchRetries < 1 {
		errs = append(errs, fmt.Errorf("config: matching.match_retries must be at least 1, got %d", c.Matching.MatchRetries))
	}
	if c.Moderation.BanDurationHours <= 0 {
		errs = append(errs, fmt.Errorf("config: moderation.ban_duration_hours must be positive, got %d", c.Moderation.BanDurationHours))
	}
	if c.Moderation.ReportThreshold <= 0 {
		errs = append(errs, fmt.Errorf("config: moderation.report_threshold must be positive, got %d", c.Moderation.ReportThreshold))
	}
	if _, err := c.ICEServers(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
