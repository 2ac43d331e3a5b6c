package config

import (
	"testing"
	"time"
)

func setCoreEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ENVIRONMENT",
		"LOG_LEVEL",
		"SENTRY_DSN",
		"REALTIME_URL",
		"REALTIME_AUTO_RECONNECT",
		"REALTIME_RECONNECT_DELAY",
		"REALTIME_RECONNECT_MAX_DELAY",
		"POLL_INTERVAL",
		"POLL_MAX_FAILURES",
		"POLL_ALWAYS",
		"COMPLETED_RETENTION",
		"RESTORE_MAX_AGE",
		"STALE_TASK_TIMEOUT",
		"STORAGE_MODE",
		"BADGER_PATH",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	t.Setenv("BACKEND_BASE_URL", "http://localhost:8000")
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8090" {
		t.Fatalf("BindAddr = %q, want :8090", cfg.BindAddr)
	}
	if cfg.StorageMode != "memory" {
		t.Fatalf("StorageMode = %q, want memory", cfg.StorageMode)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.PollMaxFailures != 3 {
		t.Fatalf("PollMaxFailures = %d, want 3", cfg.PollMaxFailures)
	}
	if !cfg.AutoReconnect {
		t.Fatalf("AutoReconnect = false, want true by default")
	}
	if cfg.ReconnectDelay != 3*time.Second || cfg.ReconnectMaxDelay != 30*time.Second {
		t.Fatalf("reconnect delays = %v/%v, want 3s/30s", cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	}
	if cfg.CompletedRetention != 30*time.Second {
		t.Fatalf("CompletedRetention = %v, want 30s", cfg.CompletedRetention)
	}
	if cfg.RestoreMaxAge != 24*time.Hour {
		t.Fatalf("RestoreMaxAge = %v, want 24h", cfg.RestoreMaxAge)
	}
	if cfg.StaleTaskTimeout != 0 {
		t.Fatalf("StaleTaskTimeout = %v, want disabled by default", cfg.StaleTaskTimeout)
	}
}

func TestLoadRequiresBackendURL(t *testing.T) {
	setCoreEnv(t)
	t.Setenv("BACKEND_BASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing BACKEND_BASE_URL error")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnv(t)
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("POLL_MAX_FAILURES", "5")
	t.Setenv("POLL_ALWAYS", "true")
	t.Setenv("REALTIME_AUTO_RECONNECT", "off")
	t.Setenv("STALE_TASK_TIMEOUT", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 500ms", cfg.PollInterval)
	}
	if cfg.PollMaxFailures != 5 {
		t.Fatalf("PollMaxFailures = %d, want 5", cfg.PollMaxFailures)
	}
	if !cfg.AlwaysPoll {
		t.Fatalf("AlwaysPoll = false, want true")
	}
	if cfg.AutoReconnect {
		t.Fatalf("AutoReconnect = true, want false")
	}
	if cfg.StaleTaskTimeout != 10*time.Minute {
		t.Fatalf("StaleTaskTimeout = %v, want 10m", cfg.StaleTaskTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"POLL_INTERVAL", "100ms"},
		{"POLL_INTERVAL", "soon"},
		{"POLL_MAX_FAILURES", "0"},
		{"STORAGE_MODE", "cassandra"},
		{"REALTIME_AUTO_RECONNECT", "maybe"},
		{"REDIS_DB", "one"},
	}
	for _, tc := range cases {
		setCoreEnv(t)
		t.Setenv(tc.key, tc.value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q error = nil, want validation error", tc.key, tc.value)
		}
	}
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	setCoreEnv(t)
	t.Setenv("STORAGE_MODE", "postgres")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want DATABASE_URL required error")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/sync")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageMode != "postgres" {
		t.Fatalf("StorageMode = %q, want postgres", cfg.StorageMode)
	}
}
