package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  ping_interval: 10s
  min_retry_backoff: 500ms
  max_retry_backoff: 1m
  retry_multiplier: 1.5
  max_reconnects: 3
database:
  path: /tmp/test.sqlite
log:
  level: debug
  json: true
reconciler:
  periodic_interval: 30s
  rate_limit_rps: 2.5
policy: rules.lua
namespace: edge-1
shutdown_timeout: 15s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Device.PingInterval.Duration() != 10*time.Second {
		t.Errorf("ping_interval = %v, want 10s", cfg.Device.PingInterval.Duration())
	}
	if cfg.Device.MinRetryBackoff.Duration() != 500*time.Millisecond {
		t.Errorf("min_retry_backoff = %v, want 500ms", cfg.Device.MinRetryBackoff.Duration())
	}
	if cfg.Device.RetryMultiplier != 1.5 {
		t.Errorf("retry_multiplier = %v, want 1.5", cfg.Device.RetryMultiplier)
	}
	if cfg.Device.MaxReconnects != 3 {
		t.Errorf("max_reconnects = %d, want 3", cfg.Device.MaxReconnects)
	}
	if cfg.Database.Path != "/tmp/test.sqlite" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Log.GetLevel() != "debug" || !cfg.Log.UseJSON {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Reconciler.PeriodicInterval.Duration() != 30*time.Second {
		t.Errorf("periodic_interval = %v", cfg.Reconciler.PeriodicInterval.Duration())
	}
	if cfg.Reconciler.RateLimitRPS != 2.5 {
		t.Errorf("rate_limit_rps = %v", cfg.Reconciler.RateLimitRPS)
	}
	if cfg.Policy != "rules.lua" {
		t.Errorf("policy = %q", cfg.Policy)
	}
	if cfg.Namespace != "edge-1" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.GetShutdownTimeout() != 15*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.GetShutdownTimeout())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `log: {level: info}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "./dataplaned.sqlite" {
		t.Errorf("database.path default = %q", cfg.Database.Path)
	}
	if cfg.Policy != "policy.lua" {
		t.Errorf("policy default = %q", cfg.Policy)
	}
	if cfg.Namespace != "default" {
		t.Errorf("namespace default = %q", cfg.Namespace)
	}
	if cfg.Device.PingInterval.Duration() != 5*time.Second {
		t.Errorf("ping_interval default = %v", cfg.Device.PingInterval.Duration())
	}
	if cfg.Device.MaxRetryBackoff.Duration() != 2*time.Minute {
		t.Errorf("max_retry_backoff default = %v", cfg.Device.MaxRetryBackoff.Duration())
	}
	if cfg.Reconciler.PeriodicInterval.Duration() != 5*time.Minute {
		t.Errorf("periodic_interval default = %v", cfg.Reconciler.PeriodicInterval.Duration())
	}
	if cfg.Reconciler.RateLimitRPS != 10.0 {
		t.Errorf("rate_limit_rps default = %v", cfg.Reconciler.RateLimitRPS)
	}
	if cfg.Ledger.RetentionDays != 30 {
		t.Errorf("retention_days default = %d", cfg.Ledger.RetentionDays)
	}
	if cfg.Inspect.Port != 9090 || cfg.Inspect.Host != "0.0.0.0" {
		t.Errorf("inspect defaults = %+v", cfg.Inspect)
	}
	if cfg.EventBus.GetWorkers() != 4 || cfg.EventBus.GetQueueSize() != 100 {
		t.Errorf("eventbus defaults = %d/%d", cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/var/lib/dp.sqlite")
	os.Unsetenv("TEST_NS_UNSET")

	cfg, err := Load(writeConfig(t, `
database:
  path: ${TEST_DB_PATH}
namespace: ${TEST_NS_UNSET:fallback-ns}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/var/lib/dp.sqlite" {
		t.Errorf("env var not expanded: %q", cfg.Database.Path)
	}
	if cfg.Namespace != "fallback-ns" {
		t.Errorf("default for unset var not applied: %q", cfg.Namespace)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	if _, err := Load(writeConfig(t, `shutdown_timeout: soon`)); err == nil {
		t.Fatalf("expected error for unparseable duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
