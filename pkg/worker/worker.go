// Package worker implements the action execution runtime: it leases
// queue entries, renders their configuration, invokes the registered
// action, and reports the outcome back through the queue and the
// event log.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/action"
	"github.com/maestro-run/maestro/pkg/credential"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/queue"
)

// Config controls one worker process.
type Config struct {
	// WorkerID identifies this worker as a lease owner. Empty means a
	// hostname-and-pid derived id.
	WorkerID string

	// Pool and Runtime restrict which queue entries this worker leases.
	// Entries naming a different pool or runtime are left for workers
	// that have it.
	Pool    string
	Runtime string

	// Concurrency is the number of actions executed in parallel.
	Concurrency int

	// LeaseDuration is how long a claimed entry stays ours without a
	// heartbeat.
	LeaseDuration time.Duration

	// HeartbeatInterval must be well under LeaseDuration.
	HeartbeatInterval time.Duration

	// PollInterval is the lease poll cadence.
	PollInterval time.Duration

	// RetryBackoffBase seeds the exponential retry backoff.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns the standard worker settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		LeaseDuration:     60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		PollInterval:      2 * time.Second,
		RetryBackoffBase:  2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = d.RetryBackoffBase
	}
}

// Worker leases queue entries and executes them through the action
// registry.
type Worker struct {
	db       *database.Client
	queue    *queue.Store
	events   *eventlog.Store
	creds    *credential.Store
	registry *action.Registry
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker over the shared database.
func New(db *database.Client, registry *action.Registry, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		db:       db,
		queue:    queue.NewStore(db.DB),
		events:   eventlog.NewStore(db.DB),
		creds:    credential.NewStore(db.DB),
		registry: registry,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the lease loop.
func (w *Worker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.leaseLoop()
	slog.Info("Worker started",
		"worker_id", w.cfg.WorkerID,
		"pool", w.cfg.Pool,
		"runtime", w.cfg.Runtime,
		"concurrency", w.cfg.Concurrency)
}

// Stop stops leasing, cancels in-flight actions, and waits for them
// to report.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
	slog.Info("Worker stopped", "worker_id", w.cfg.WorkerID)
}

// Health verifies database connectivity.
func (w *Worker) Health(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// InFlight returns the number of occupied execution slots.
func (w *Worker) InFlight() int { return len(w.sem) }

// Concurrency returns the total number of execution slots.
func (w *Worker) Concurrency() int { return cap(w.sem) }

func (w *Worker) leaseLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.leaseBatch()
		}
	}
}

// leaseBatch claims as many entries as free execution slots and hands
// each to its own goroutine.
func (w *Worker) leaseBatch() {
	free := cap(w.sem) - len(w.sem)
	if free <= 0 {
		return
	}
	entries, err := w.queue.Lease(w.ctx, w.cfg.WorkerID, w.cfg.Pool, w.cfg.Runtime,
		free, w.cfg.LeaseDuration)
	if err != nil {
		if w.ctx.Err() == nil {
			slog.Error("Lease failed", "worker_id", w.cfg.WorkerID, "error", err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	metrics.WorkerLeases.Add(float64(len(entries)))

	for i := range entries {
		entry := entries[i]
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(w.ctx, &entry)
		}()
	}
}
