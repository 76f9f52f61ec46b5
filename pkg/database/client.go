// Package database provides the PostgreSQL client and migration
// utilities shared by the server and workers.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

// Client wraps the sqlx handle together with the DSN used to open it
// (the broker's LISTEN connection needs the raw DSN).
type Client struct {
	*sqlx.DB
	dsn string
}

// DSN returns the connection string the client was opened with.
func (c *Client) DSN() string { return c.dsn }

// NewClient opens a pooled connection, verifies it, and runs pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Database client ready",
		"host", cfg.Host, "database", cfg.Database,
		"max_open_conns", cfg.MaxOpenConns)
	return &Client{DB: db, dsn: cfg.DSN()}, nil
}

// NewClientFromDB wraps an existing handle (used by tests).
func NewClientFromDB(db *sqlx.DB, dsn string) *Client {
	return &Client{DB: db, dsn: dsn}
}
