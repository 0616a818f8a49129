package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the client agent.
type Config struct {
	// Server authority endpoints.
	APIBaseURL   string `validate:"required,url"`
	MonitorWSURL string `validate:"omitempty,uri"`
	AuthToken    string

	LogLevel  string
	LogFormat string

	// RedisURL, when set, backs the tab lease with a shared Redis so
	// multiple agent processes on one kiosk coordinate. Empty means the
	// in-process store (single instance, tests).
	RedisURL string

	// Tab lease protocol. HeartbeatInterval must stay well under
	// LeaseStaleTimeout; a 6:1 margin is enforced at load.
	HeartbeatInterval time.Duration `validate:"min=1s"`
	LeaseStaleTimeout time.Duration `validate:"min=5s"`

	// Security monitor.
	MaxViolations int `validate:"min=1"`

	// Clock reconciler grace between expiry notice and submission handoff.
	GraceDelay time.Duration `validate:"min=0"`

	// Answer sync queue.
	FlushBatchSize int           `validate:"min=1"`
	FlushMaxAge    time.Duration `validate:"min=1s"`

	// Submission retry policy.
	SubmitMaxAttempts int           `validate:"min=1"`
	SubmitBackoffBase time.Duration `validate:"min=100ms"`
}

// Load reads configuration from environment variables with sensible
// defaults. It loads .env if present but does not fail if missing.
func Load() (*Config, error) {
	_ = godotenv.Load() // Ignore error, .env is optional

	cfg := &Config{
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080/api/v1"),
		MonitorWSURL:      getEnv("MONITOR_WS_URL", ""),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "pretty"),
		RedisURL:          getEnv("REDIS_URL", ""),
		HeartbeatInterval: time.Duration(getEnvInt("LEASE_HEARTBEAT_SECONDS", 5)) * time.Second,
		LeaseStaleTimeout: time.Duration(getEnvInt("LEASE_STALE_SECONDS", 30)) * time.Second,
		MaxViolations:     getEnvInt("MAX_VIOLATIONS", 5),
		GraceDelay:        time.Duration(getEnvInt("EXPIRY_GRACE_SECONDS", 2)) * time.Second,
		FlushBatchSize:    getEnvInt("FLUSH_BATCH_SIZE", 10),
		FlushMaxAge:       time.Duration(getEnvInt("FLUSH_MAX_AGE_SECONDS", 180)) * time.Second,
		SubmitMaxAttempts: getEnvInt("SUBMIT_MAX_ATTEMPTS", 3),
		SubmitBackoffBase: time.Duration(getEnvInt("SUBMIT_BACKOFF_MS", 1000)) * time.Millisecond,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// The lease protocol assumes the heartbeat fires several times within
	// one stale window; anything tighter risks spurious stale reclaims.
	if cfg.LeaseStaleTimeout < 6*cfg.HeartbeatInterval {
		return nil, fmt.Errorf("lease stale timeout %s must be at least 6x heartbeat interval %s",
			cfg.LeaseStaleTimeout, cfg.HeartbeatInterval)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
