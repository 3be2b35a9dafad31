package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/acs-core/pkg/logger"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	path := writeConfig(t, "environment: test\n")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "ip", cfg.RateLimit.KeyStrategy)
	assert.Equal(t, 100, cfg.RateLimit.DefaultPolicy.RequestLimit)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.DefaultPolicy.Policy().Window)
	assert.Equal(t, "memory", cfg.RateLimit.Storage.Kind)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Storage.CleanupInterval())
	assert.Equal(t, "log", cfg.Audit.Sink)
	assert.Equal(t, "default", cfg.Tenancy.DefaultTenant)
	assert.Contains(t, cfg.RateLimit.ExcludePaths, "/metrics")
}

func TestLoadFile_FullRateLimitSection(t *testing.T) {
	path := writeConfig(t, `
environment: production
log_level: warn
ratelimit:
  enabled: true
  key_strategy: combined
  default_policy:
    name: standard
    request_limit: 50
    window_seconds: 30
  tenant_policies:
    acme:
      name: acme-premium
      request_limit: 500
      window_seconds: 60
  endpoint_policies:
    - path_prefix: /api/export
      methods: [POST]
      policy:
        name: export
        request_limit: 5
        window_seconds: 300
  exclude_paths: [/health, /status]
  storage:
    kind: distributed
    address: valkey:6379
    key_prefix: "custom:rl:"
  cache_ttl_seconds: 10
  fail_open: true
monitor:
  interval_minutes: 2
  alert_threshold: 0.9
audit:
  sink: valkey
  retention: 5000
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "combined", cfg.RateLimit.KeyStrategy)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.CacheTTL())
	assert.Equal(t, "custom:rl:", cfg.RateLimit.Storage.KeyPrefix)
	assert.Equal(t, int64(5000), cfg.Audit.Retention)

	rc := cfg.RateLimit.ResolverConfig()
	assert.Equal(t, 50, rc.DefaultPolicy.RequestLimit)
	assert.Equal(t, 500, rc.TenantPolicies["acme"].RequestLimit)
	require.Len(t, rc.EndpointPolicies, 1)
	assert.Equal(t, "/api/export", rc.EndpointPolicies[0].PathPrefix)
	assert.Equal(t, 5*time.Minute, rc.EndpointPolicies[0].Policy.Window)
	assert.Equal(t, []string{"/health", "/status"}, rc.ExcludePaths)

	opts := cfg.Monitor.Options()
	assert.Equal(t, 2*time.Minute, opts.Interval)
	assert.InDelta(t, 0.9, opts.AlertThreshold, 1e-9)
}

func TestLoadFile_RejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad port":         "port: 99999\n",
		"bad log level":    "log_level: loud\n",
		"bad environment":  "environment: moon\n",
		"bad key strategy": "ratelimit:\n  key_strategy: dice\n",
		"bad storage kind": "ratelimit:\n  storage:\n    kind: filesystem\n",
		"bad audit sink":   "audit:\n  sink: carrier-pigeon\n",
		"zero limit policy": `ratelimit:
  default_policy:
    request_limit: 0
    window_seconds: 60
`,
		"distributed without address": `ratelimit:
  storage:
    kind: distributed
    address: ""
`,
		"bad alert threshold": "monitor:\n  alert_threshold: 1.5\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_EnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VALKEY_ADDRESS", "valkey-prod:6379")

	cfg, err := LoadFile(writeConfig(t, "environment: staging\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "distributed", cfg.RateLimit.Storage.Kind)
	assert.Equal(t, "valkey-prod:6379", cfg.RateLimit.Storage.Address)
}

func TestWatcher_ReloadAndNotify(t *testing.T) {
	path := writeConfig(t, "environment: development\nport: 8080\n")
	initial, err := LoadFile(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, logger.NewNop())
	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watcher time to arm before touching the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("environment: development\nport: 9090\n"), 0o644))

	select {
	case fresh := <-changed:
		assert.Equal(t, 9090, fresh.Port)
		assert.Equal(t, 9090, w.Config().Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}

	w.Stop()
	require.NoError(t, <-done)
}

func TestWatcher_BadReloadKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "environment: development\nport: 8080\n")
	initial, err := LoadFile(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("port: 99999\n"), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 8080, w.Config().Port)

	w.Stop()
	require.NoError(t, <-done)
}
