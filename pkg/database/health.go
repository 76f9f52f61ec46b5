package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// HealthStatus describes the database health for the /health endpoint.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ns"`
	OpenConns int           `json:"open_conns"`
	InUse     int           `json:"in_use"`
}

// Health performs a round-trip check against the database.
func Health(ctx context.Context, db *sqlx.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	stats := db.Stats()
	status := HealthStatus{
		Connected: err == nil,
		Latency:   time.Since(start),
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
	}
	return status, err
}
