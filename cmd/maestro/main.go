// Maestro server — hosts the HTTP control plane, the scheduling broker,
// and retention cleanup against a shared PostgreSQL database.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-run/maestro/pkg/api"
	"github.com/maestro-run/maestro/pkg/broker"
	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/cleanup"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting maestro server", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// NewClient verifies connectivity and applies pending migrations.
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database", "host", cfg.Database.Host)

	cat := catalog.NewStore(dbClient.DB)

	b := broker.New(dbClient, cat, cfg.Broker)
	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}
	slog.Info("Broker started",
		"poll_interval", cfg.Broker.PollInterval,
		"reap_interval", cfg.Broker.ReapInterval)

	retention := cleanup.NewService(cfg.Retention, eventlog.NewExecutionStore(dbClient.DB))
	retention.Start(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(dbClient, b, cat).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Drain the HTTP surface first so no new executions arrive while
	// the broker winds down.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	retention.Stop()

	stopCtx, stopCancel := context.WithTimeout(ctx, 10*time.Second)
	defer stopCancel()
	b.Stop(stopCtx)

	slog.Info("Shutdown complete")
}
