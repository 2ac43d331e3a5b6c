package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task sync service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel    string
	SentryDSN   string
	Environment string

	// BackendBaseURL is the external job service (status/cancel/stream).
	BackendBaseURL string
	// RealtimeURL is the push endpoint base; the socket channel is disabled
	// when empty and tracking falls back to polling only.
	RealtimeURL       string
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	PollInterval    time.Duration
	PollMaxFailures int
	AlwaysPoll      bool

	CompletedRetention time.Duration
	RestoreMaxAge      time.Duration
	StaleTaskTimeout   time.Duration

	StorageMode   string
	BadgerPath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "tasksync"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		SentryDSN:          trimmedEnv("SENTRY_DSN"),
		Environment:        envOrDefault("APP_ENVIRONMENT", "development"),
		BackendBaseURL:     trimmedEnv("BACKEND_BASE_URL"),
		RealtimeURL:        trimmedEnv("REALTIME_URL"),
		AutoReconnect:      true,
		StorageMode:        envOrDefault("STORAGE_MODE", "memory"),
		BadgerPath:         envOrDefault("BADGER_PATH", ".data/tasksync"),
		RedisAddr:          envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      trimmedEnv("REDIS_PASSWORD"),
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
		ReconnectDelay:     3 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		PollInterval:       2 * time.Second,
		PollMaxFailures:    3,
		CompletedRetention: 30 * time.Second,
		RestoreMaxAge:      24 * time.Hour,
		// Zero disables the stale-task janitor.
		StaleTaskTimeout: 0,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AutoReconnect, err = boolFromEnv("REALTIME_AUTO_RECONNECT", cfg.AutoReconnect); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = durationFromEnv("REALTIME_RECONNECT_DELAY", cfg.ReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxDelay, err = durationFromEnv("REALTIME_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.PollMaxFailures, err = intFromEnv("POLL_MAX_FAILURES", cfg.PollMaxFailures); err != nil {
		return Config{}, err
	}
	if cfg.AlwaysPoll, err = boolFromEnv("POLL_ALWAYS", cfg.AlwaysPoll); err != nil {
		return Config{}, err
	}
	if cfg.CompletedRetention, err = durationFromEnv("COMPLETED_RETENTION", cfg.CompletedRetention); err != nil {
		return Config{}, err
	}
	if cfg.RestoreMaxAge, err = durationFromEnv("RESTORE_MAX_AGE", cfg.RestoreMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.StaleTaskTimeout, err = durationFromEnv("STALE_TASK_TIMEOUT", cfg.StaleTaskTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}

	if cfg.BackendBaseURL == "" {
		return Config{}, fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if cfg.PollInterval < 250*time.Millisecond {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 250ms")
	}
	if cfg.PollMaxFailures <= 0 {
		return Config{}, fmt.Errorf("POLL_MAX_FAILURES must be positive")
	}
	if cfg.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RECONNECT_DELAY must be positive")
	}
	switch cfg.StorageMode {
	case "memory", "badger", "redis", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_MODE: %q (expected memory|badger|redis|postgres)", cfg.StorageMode)
	}
	if cfg.StorageMode == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORAGE_MODE=postgres")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
