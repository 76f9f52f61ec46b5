// Maestro worker — leases queued actions from PostgreSQL, executes them,
// and reports results back to the event log.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-run/maestro/pkg/action"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/version"
	"github.com/maestro-run/maestro/pkg/worker"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting maestro worker", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

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

	registry := action.DefaultRegistry()
	w := worker.New(dbClient, registry, cfg.Worker)
	w.Start()
	slog.Info("Worker started",
		"pool", cfg.Worker.Pool,
		"runtime", cfg.Worker.Runtime,
		"concurrency", cfg.Worker.Concurrency,
		"actions", registry.Kinds())

	// Health and metrics only; workers take no control-plane traffic.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := w.Health(hctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"in_flight":   w.InFlight(),
			"concurrency": w.Concurrency(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Health endpoint listening", "addr", cfg.ListenAddr)
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

	// In-flight actions finish or abandon their lease; the reaper
	// requeues anything abandoned without consuming an attempt.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Worker shutdown timeout exceeded, abandoning leases")
	}

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
