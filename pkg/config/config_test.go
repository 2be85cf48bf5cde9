package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.EvaluationBudget.Std())
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, 60*time.Second, cfg.Cache.SweepInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Push.HeartbeatInterval.Std())
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, "fs", cfg.Archive.Backend)
	assert.Equal(t, "none", cfg.Bus.Kind)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("PODIUM_CONFIG", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.NodeID, "node id is filled when absent")
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("PODIUM_CONFIG", "")
	path := writeConfig(t, `
listen_addr: ":9090"
node_id: kernel-7
evaluation_budget: 250ms
cache:
  backend: redis
  redis_addr: localhost:6379
  ttl: 45s
push:
  heartbeat_interval: 5s
audit:
  backend: jsonl
  path: /var/log/podium/audit.jsonl
bus:
  kind: nats
  url: nats://localhost:4222
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "kernel-7", cfg.NodeID)
	assert.Equal(t, 250*time.Millisecond, cfg.EvaluationBudget.Std())
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 5*time.Second, cfg.Push.HeartbeatInterval.Std())
	assert.Equal(t, "jsonl", cfg.Audit.Backend)
	assert.Equal(t, "nats", cfg.Bus.Kind)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen_addr: ":9090"`)
	t.Setenv("PODIUM_LISTEN_ADDR", ":7070")
	t.Setenv("PODIUM_LOG_LEVEL", "debug")
	t.Setenv("PODIUM_EVALUATION_BUDGET", "80ms")
	t.Setenv("PODIUM_CACHE_MAX_ENTRIES", "512")
	t.Setenv("PODIUM_RATE_RPS", "12.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 80*time.Millisecond, cfg.EvaluationBudget.Std())
	assert.Equal(t, 512, cfg.Cache.MaxEntries)
	assert.Equal(t, 12.5, cfg.RateLimit.RPS)
}

func TestPodiumConfigEnvSelectsFile(t *testing.T) {
	path := writeConfig(t, `listen_addr: ":6060"`)
	t.Setenv("PODIUM_CONFIG", path)
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.ListenAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PODIUM_CONFIG", "")
	t.Setenv("PODIUM_EVALUATION_BUDGET", "fast")
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PODIUM_EVALUATION_BUDGET")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty listen addr", func(c *config.Config) { c.ListenAddr = "" }},
		{"zero budget", func(c *config.Config) { c.EvaluationBudget = 0 }},
		{"unknown cache backend", func(c *config.Config) { c.Cache.Backend = "tape" }},
		{"redis without addr", func(c *config.Config) { c.Cache.Backend = "redis" }},
		{"zero heartbeat", func(c *config.Config) { c.Push.HeartbeatInterval = 0 }},
		{"unknown audit backend", func(c *config.Config) { c.Audit.Backend = "scroll" }},
		{"jsonl without path", func(c *config.Config) { c.Audit.Backend = "jsonl" }},
		{"postgres without dsn", func(c *config.Config) { c.Audit.Backend = "postgres" }},
		{"unknown archive backend", func(c *config.Config) { c.Archive.Backend = "tape" }},
		{"nats without url", func(c *config.Config) { c.Bus.Kind = "nats" }},
		{"unknown bus", func(c *config.Config) { c.Bus.Kind = "carrier-pigeon" }},
		{"negative rps", func(c *config.Config) { c.RateLimit.RPS = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBadDurationInFile(t *testing.T) {
	t.Setenv("PODIUM_CONFIG", "")
	path := writeConfig(t, `evaluation_budget: not-a-duration`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	cfg := config.Default()
	for level, want := range map[string]string{
		"debug": "DEBUG", "info": "INFO", "warn": "WARN", "error": "ERROR", "loud": "INFO",
	} {
		cfg.LogLevel = level
		assert.Equal(t, want, cfg.SlogLevel().String())
	}
}
