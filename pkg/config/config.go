// Package config resolves the kernel's runtime configuration in three
// layers: compiled defaults, an optional YAML file, then PODIUM_*
// environment variables. Later layers win per field.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "150ms" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheConfig selects and sizes the decision cache.
type CacheConfig struct {
	Backend       string   `yaml:"backend"` // memory | redis
	TTL           Duration `yaml:"ttl"`
	MaxEntries    int      `yaml:"max_entries"`
	SweepInterval Duration `yaml:"sweep_interval"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	KeyPrefix     string   `yaml:"key_prefix"`
}

// PushConfig tunes the WebSocket push service.
type PushConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// AuditConfig selects the audit journal backend. Path backs jsonl and
// sqlite; DSN backs postgres. Buffer > 0 wraps the journal in an async
// writer with that queue depth.
type AuditConfig struct {
	Backend string `yaml:"backend"` // memory | jsonl | sqlite | postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Buffer  int    `yaml:"buffer"`
}

// ArchiveConfig selects the evidence archive backend.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"` // fs | s3 | gcs
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// BusConfig selects the external event bus.
type BusConfig struct {
	Kind          string `yaml:"kind"` // none | nats
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TracingConfig points the OTLP exporter somewhere. An empty endpoint
// disables tracing export entirely.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// RateLimitConfig bounds per-client request rates at the HTTP surface.
// RPS = 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config is the kernel's runtime configuration.
type Config struct {
	ListenAddr       string   `yaml:"listen_addr"`
	NodeID           string   `yaml:"node_id"`
	LogLevel         string   `yaml:"log_level"` // debug | info | warn | error
	EvaluationBudget Duration `yaml:"evaluation_budget"`
	BundleDir        string   `yaml:"bundle_dir"` // policy bundles loaded at boot

	Cache     CacheConfig     `yaml:"cache"`
	Push      PushConfig      `yaml:"push"`
	Audit     AuditConfig     `yaml:"audit"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Bus       BusConfig       `yaml:"bus"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		EvaluationBudget: Duration(100 * time.Millisecond),
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           Duration(30 * time.Second),
			MaxEntries:    10000,
			SweepInterval: Duration(60 * time.Second),
		},
		Push:      PushConfig{HeartbeatInterval: Duration(30 * time.Second)},
		Audit:     AuditConfig{Backend: "memory", Buffer: 1024},
		Archive:   ArchiveConfig{Backend: "fs"},
		Bus:       BusConfig{Kind: "none"},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Load resolves the configuration. path names the YAML file; when empty
// the PODIUM_CONFIG variable is consulted, and when that is empty too
// the file layer is skipped.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("PODIUM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the kernel cannot start with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.EvaluationBudget <= 0 {
		return errors.New("config: evaluation_budget must be positive")
	}
	if c.Cache.TTL <= 0 || c.Cache.SweepInterval <= 0 || c.Cache.MaxEntries <= 0 {
		return errors.New("config: cache ttl, sweep_interval, and max_entries must be positive")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("config: redis cache requires redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Push.HeartbeatInterval <= 0 {
		return errors.New("config: push heartbeat_interval must be positive")
	}
	switch c.Audit.Backend {
	case "memory":
	case "jsonl", "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("config: %s audit backend requires path", c.Audit.Backend)
		}
	case "postgres":
		if c.Audit.DSN == "" {
			return errors.New("config: postgres audit backend requires dsn")
		}
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	switch c.Archive.Backend {
	case "", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown archive backend %q", c.Archive.Backend)
	}
	switch c.Bus.Kind {
	case "", "none":
	case "nats":
		if c.Bus.URL == "" {
			return errors.New("config: nats bus requires url")
		}
	default:
		return fmt.Errorf("config: unknown bus kind %q", c.Bus.Kind)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate limit values must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) applyEnv() error {
	setString("PODIUM_LISTEN_ADDR", &c.ListenAddr)
	setString("PODIUM_NODE_ID", &c.NodeID)
	setString("PODIUM_LOG_LEVEL", &c.LogLevel)
	setString("PODIUM_BUNDLE_DIR", &c.BundleDir)
	setString("PODIUM_CACHE_BACKEND", &c.Cache.Backend)
	setString("PODIUM_CACHE_KEY_PREFIX", &c.Cache.KeyPrefix)
	setString("PODIUM_REDIS_ADDR", &c.Cache.RedisAddr)
	setString("PODIUM_REDIS_PASSWORD", &c.Cache.RedisPassword)
	setString("PODIUM_AUDIT_BACKEND", &c.Audit.Backend)
	setString("PODIUM_AUDIT_PATH", &c.Audit.Path)
	setString("PODIUM_AUDIT_DSN", &c.Audit.DSN)
	setString("PODIUM_ARCHIVE_BACKEND", &c.Archive.Backend)
	setString("PODIUM_ARCHIVE_DIR", &c.Archive.Dir)
	setString("PODIUM_ARCHIVE_BUCKET", &c.Archive.Bucket)
	setString("PODIUM_ARCHIVE_REGION", &c.Archive.Region)
	setString("PODIUM_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	setString("PODIUM_ARCHIVE_PREFIX", &c.Archive.Prefix)
	setString("PODIUM_BUS", &c.Bus.Kind)
	setString("PODIUM_NATS_URL", &c.Bus.URL)
	setString("PODIUM_NATS_SUBJECT_PREFIX", &c.Bus.SubjectPrefix)
	setString("PODIUM_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	c.Tracing.Insecure = envBool("PODIUM_OTLP_INSECURE", c.Tracing.Insecure)

	if err := setDuration("PODIUM_EVALUATION_BUDGET", &c.EvaluationBudget); err != nil {
		return err
	}
	if err := setDuration("PODIUM_CACHE_TTL", &c.Cache.TTL); err != nil {
		return err
	}
	if err := setDuration("PODIUM_CACHE_SWEEP_INTERVAL", &c.Cache.SweepInterval); err != nil {
		return err
	}
	if err := setDuration("PODIUM_PUSH_HEARTBEAT", &c.Push.HeartbeatInterval); err != nil {
		return err
	}
	if err := setInt("PODIUM_CACHE_MAX_ENTRIES", &c.Cache.MaxEntries); err != nil {
		return err
	}
	if err := setInt("PODIUM_REDIS_DB", &c.Cache.RedisDB); err != nil {
		return err
	}
	if err := setInt("PODIUM_AUDIT_BUFFER", &c.Audit.Buffer); err != nil {
		return err
	}
	if err := setInt("PODIUM_RATE_BURST", &c.RateLimit.Burst); err != nil {
		return err
	}
	if err := setFloat("PODIUM_RATE_RPS", &c.RateLimit.RPS); err != nil {
		return err
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: bad duration %q: %w", key, v, err)
	}
	*dst = Duration(d)
	return nil
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: bad integer %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: bad number %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

// defaultNodeID prefers the hostname so that cache entries and events
// written by this node stay attributable across restarts.
func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
