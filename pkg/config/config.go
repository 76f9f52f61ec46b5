// Package config resolves process configuration from environment
// variables and an optional maestro.yaml overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/maestro-run/maestro/pkg/broker"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/worker"
)

// Config is the resolved configuration for one process. The server
// binary uses Database, Broker, Retention and ListenAddr; the worker
// binary uses Database and Worker.
type Config struct {
	Database  database.Config
	Broker    broker.Config
	Worker    worker.Config
	Retention RetentionConfig

	// ListenAddr is the control-plane bind address.
	ListenAddr string
}

// RetentionConfig controls deletion of old terminal executions. An
// execution's events and queue entries go with it (cascading), as do
// its children.
type RetentionConfig struct {
	// MaxAge is how long terminal executions are kept.
	MaxAge time.Duration

	// Interval is the cleanup loop cadence.
	Interval time.Duration

	// Batch bounds deletions per pass to keep transactions short.
	Batch int
}

// DefaultRetention returns the built-in retention defaults.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		MaxAge:   90 * 24 * time.Hour,
		Interval: 12 * time.Hour,
		Batch:    500,
	}
}

// Load resolves the configuration: defaults, then the YAML overlay
// named by MAESTRO_CONFIG (or ./maestro.yaml when present), then
// environment variables. Environment wins.
func Load() (*Config, error) {
	if tz := os.Getenv("TZ"); tz != "" && tz != "UTC" {
		// Timestamps are compared across processes; a non-UTC process
		// would silently skew lease expiry and retention.
		return nil, fmt.Errorf("TZ must be UTC, got %q", tz)
	}

	cfg := &Config{
		Database:   database.DefaultConfig(),
		Broker:     broker.DefaultConfig(),
		Worker:     worker.DefaultConfig(),
		Retention:  DefaultRetention(),
		ListenAddr: ":8080",
	}

	if err := applyYAML(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.Host, "POSTGRES_HOST")
	setInt(&cfg.Database.Port, "POSTGRES_PORT")
	setString(&cfg.Database.User, "POSTGRES_USER")
	setString(&cfg.Database.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Database.Database, "POSTGRES_DB")
	setString(&cfg.Database.SSLMode, "POSTGRES_SSLMODE")

	setString(&cfg.Worker.Pool, "WORKER_POOL_NAME")
	setString(&cfg.Worker.Runtime, "WORKER_POOL_RUNTIME")
	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")

	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	if port := os.Getenv("LISTEN_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
