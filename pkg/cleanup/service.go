// Package cleanup enforces retention on terminal executions.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/eventlog"
)

// Service periodically deletes terminal executions older than the
// retention window. Events and queue entries cascade with their
// execution, so one batched delete covers the whole history.
//
// Deletion is idempotent and safe to run from multiple processes.
type Service struct {
	config config.RetentionConfig
	execs  *eventlog.ExecutionStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg config.RetentionConfig, execs *eventlog.ExecutionStore) *Service {
	return &Service{config: cfg, execs: execs}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"max_age", s.config.MaxAge,
		"interval", s.config.Interval,
		"batch", s.config.Batch)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes in batches until a pass comes up short, so a backlog
// left by downtime drains within one interval instead of one batch per.
func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.MaxAge)
	var total int64
	for {
		n, err := s.execs.DeleteOlderThan(ctx, cutoff, s.config.Batch)
		if err != nil {
			slog.Error("Retention: delete executions failed", "error", err)
			return
		}
		total += n
		if n < int64(s.config.Batch) {
			break
		}
	}
	if total > 0 {
		slog.Info("Retention: deleted old executions", "count", total, "cutoff", cutoff.Format(time.RFC3339))
	}
}
