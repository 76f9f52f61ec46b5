package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maestro-run/maestro/pkg/catalog"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/eventlog"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
	"github.com/maestro-run/maestro/pkg/queue"
	"github.com/maestro-run/maestro/pkg/state"
	"github.com/maestro-run/maestro/pkg/template"
)

// Config tunes the broker runtime loops.
type Config struct {
	// PollInterval bounds how stale a broker can get when NOTIFY
	// delivery is lost; every tick it re-scans active executions.
	PollInterval time.Duration

	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval time.Duration

	// ReapBackoff delays a reclaimed entry before redelivery.
	ReapBackoff time.Duration

	Policy Policy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		ReapInterval: 15 * time.Second,
		ReapBackoff:  5 * time.Second,
		Policy:       DefaultPolicy(),
	}
}

// Broker folds event streams and applies scheduling decisions.
// Multiple instances may run against the same database: every state
// transition is guarded by the event idempotency index and the queue
// fingerprint, so concurrent deciders converge instead of colliding.
type Broker struct {
	db      *database.Client
	events  *eventlog.Store
	execs   *eventlog.ExecutionStore
	queue   *queue.Store
	catalog *catalog.Store
	cfg     Config

	listener *Listener
	wakeCh   chan int64

	// cursors remembers the last decided event per execution. Purely
	// an optimization: a fresh broker re-decides from zero and every
	// effect deduplicates.
	cursorMu sync.Mutex
	cursors  map[int64]int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a broker.
func New(db *database.Client, cat *catalog.Store, cfg Config) *Broker {
	return &Broker{
		db:      db,
		events:  eventlog.NewStore(db.DB),
		execs:   eventlog.NewExecutionStore(db.DB),
		queue:   queue.NewStore(db.DB),
		catalog: cat,
		cfg:     cfg,
		wakeCh:  make(chan int64, 256),
		cursors: make(map[int64]int64),
		stopCh:  make(chan struct{}),
	}
}

// Start reaps leftover leases, launches the NOTIFY listener, the
// poll fallback, and the reap loop, then catches up on any execution
// that was active when the previous broker died.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.reapOnce(ctx); err != nil {
		return fmt.Errorf("startup reap: %w", err)
	}

	b.listener = NewListener(b.db.DSN(), b.wakeCh)
	if err := b.listener.Start(ctx); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	b.wg.Add(2)
	go b.wakeLoop()
	go b.reapLoop()

	active, err := b.execs.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, e := range active {
		b.Wake(e.ExecutionID)
	}

	slog.Info("Broker started",
		"active_executions", len(active),
		"poll_interval", b.cfg.PollInterval,
		"reap_interval", b.cfg.ReapInterval)
	return nil
}

// Stop shuts down the loops and the LISTEN connection.
func (b *Broker) Stop(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.listener != nil {
		b.listener.Stop(ctx)
	}
	b.wg.Wait()
	slog.Info("Broker stopped")
}

// Wake requests processing of one execution. Safe from any goroutine;
// a full wake channel falls through to the poll loop.
func (b *Broker) Wake(executionID int64) {
	select {
	case b.wakeCh <- executionID:
	default:
	}
}

func (b *Broker) wakeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-b.stopCh:
			return
		case id := <-b.wakeCh:
			if err := b.Process(ctx, id); err != nil {
				slog.Error("Processing execution failed", "execution_id", id, "error", err)
			}
		case <-ticker.C:
			active, err := b.execs.ListActive(ctx)
			if err != nil {
				slog.Error("Poll scan failed", "error", err)
				continue
			}
			for _, e := range active {
				if err := b.Process(ctx, e.ExecutionID); err != nil {
					slog.Error("Processing execution failed", "execution_id", e.ExecutionID, "error", err)
				}
			}
		}
	}
}

// Execute starts a new root execution of the given playbook. The
// playbook's workload mapping is rendered once against the request
// payload; with merge set, payload keys are merged over the rendered
// workload so callers can override defaults directly.
func (b *Broker) Execute(ctx context.Context, path string, version int, payload map[string]any, merge bool) (int64, error) {
	exec, err := b.startExecution(ctx, path, version, payload, merge, nil)
	if err != nil {
		return 0, err
	}
	metrics.ExecutionsStarted.Inc()
	b.Wake(exec.ExecutionID)
	return exec.ExecutionID, nil
}

// startExecution creates the execution row and appends
// execution_start in one transaction. parent is non-nil for
// sub-playbook children.
func (b *Broker) startExecution(ctx context.Context, path string, version int, payload map[string]any, merge bool, parent *StartChild) (*models.Execution, error) {
	pb, entry, err := b.catalog.Resolve(ctx, path, version)
	if err != nil {
		return nil, err
	}

	workload, err := template.RenderMap(pb.Workload, template.NewContextFromLayers(payload))
	if err != nil {
		return nil, fmt.Errorf("rendering workload for %s: %w", path, err)
	}
	if workload == nil {
		workload = map[string]any{}
	}
	if merge {
		if err := mergo.Merge(&workload, payload, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging payload into workload: %w", err)
		}
	}

	exec := &models.Execution{Path: path, Version: entry.Version}
	if parent != nil {
		parentExec, err := b.execs.Get(ctx, parent.ParentExecutionID)
		if err != nil {
			return nil, err
		}
		exec.RootExecutionID = parentExec.RootExecutionID
		exec.ParentExecutionID = &parent.ParentExecutionID
		exec.ParentNodeID = &parent.ParentNodeID
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting execution of %s: %w", path, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := b.execs.Create(ctx, tx, exec); err != nil {
		return nil, err
	}
	_, err = b.events.Append(ctx, tx, &models.Event{
		ExecutionID: exec.ExecutionID,
		EventType:   models.EventExecutionStart,
		Status:      models.EventStatusStarted,
		Payload: models.JSONMap{
			models.PayloadWorkload: workload,
			models.PayloadPath:     path,
			models.PayloadVersion:  entry.Version,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := b.execs.SetStatus(ctx, tx, exec.ExecutionID, models.ExecutionRunning); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("starting execution of %s: %w", path, err)
	}

	slog.Info("Execution started",
		"execution_id", exec.ExecutionID, "path", path, "version", entry.Version,
		"parent", exec.ParentExecutionID)
	return exec, nil
}

// Cancel appends execution_failed with kind cancelled and clears the
// ready queue. Leased work finishes cooperatively; its terminal
// events are recorded but never scheduled further.
func (b *Broker) Cancel(ctx context.Context, executionID int64) error {
	exec, err := b.execs.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cancelling execution %d: %w", executionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = b.events.Append(ctx, tx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventExecutionFailed,
		Status:      models.EventStatusCancelled,
		Error:       models.NewError(models.ErrorKindCancelled, "execution cancelled"),
	})
	if err != nil {
		return err
	}
	removed, err := b.queue.CancelReady(ctx, tx, executionID)
	if err != nil {
		return err
	}
	if err := b.execs.SetStatus(ctx, tx, executionID, models.ExecutionCancelled); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cancelling execution %d: %w", executionID, err)
	}

	metrics.ExecutionsCancelled.Inc()
	slog.Info("Execution cancelled", "execution_id", executionID, "ready_entries_removed", removed)
	b.mirrorIfChild(context.WithoutCancel(ctx), exec, nil,
		models.NewError(models.ErrorKindCancelled, "child execution cancelled"))
	return nil
}

// Snapshot folds and returns the current state of an execution.
func (b *Broker) Snapshot(ctx context.Context, executionID int64) (*state.Snapshot, error) {
	if _, err := b.execs.Get(ctx, executionID); err != nil {
		return nil, err
	}
	events, err := b.events.Range(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return state.Fold(executionID, events), nil
}

// Process drains an execution: it folds the stream, decides on every
// event past the cursor, applies the effects, and keeps going until
// no new events appear. Reprocessing from zero is safe — every
// append and enqueue resolves duplicates to prior rows.
func (b *Broker) Process(ctx context.Context, executionID int64) error {
	exec, err := b.execs.Get(ctx, executionID)
	if err != nil {
		return err
	}
	pb, _, err := b.catalog.Resolve(ctx, exec.Path, exec.Version)
	if err != nil {
		return err
	}

	events, err := b.events.Range(ctx, executionID, 0)
	if err != nil {
		return err
	}
	cursor := b.cursor(executionID)
	snap := state.NewSnapshot(executionID)

	for i := 0; i < len(events); i++ {
		e := events[i]
		state.Apply(snap, &e)
		if e.EventID <= cursor {
			continue
		}

		effects := Decide(pb, snap, &e, b.cfg.Policy)
		metrics.BrokerDecisions.Inc()
		appended, err := b.applyEffects(ctx, exec, effects)
		if err != nil {
			return fmt.Errorf("applying decision for event %d/%d: %w", executionID, e.EventID, err)
		}
		events = append(events, appended...)
		cursor = e.EventID
		b.setCursor(executionID, cursor)
	}
	return b.repairChildMirrors(ctx, pb, snap)
}

// repairChildMirrors closes the crash window between a child's
// terminal commit and the mirror append to its parent: any started
// sub-playbook step whose child already finished gets the mirror
// synthesized from the child's stream. The append wakes the parent,
// so the next pass decides it; racing the regular mirror is harmless
// because duplicate appends resolve to the prior event.
func (b *Broker) repairChildMirrors(ctx context.Context, pb *playbook.Playbook, snap *state.Snapshot) error {
	for name, st := range snap.Steps {
		if st.Status != state.StepStarted || st.ChildExecutionID == nil {
			continue
		}
		step := pb.StepByName(name)
		if step == nil || pb.ActionKind(step) != playbook.KindPlaybook {
			continue
		}
		child, err := b.execs.Get(ctx, *st.ChildExecutionID)
		if err != nil {
			return err
		}
		if !child.Status.Terminal() {
			continue
		}

		var result any
		var serr *models.StructuredError
		if child.Status == models.ExecutionCompleted {
			e, err := b.events.Latest(ctx, child.ExecutionID, models.EventExecutionCompleted)
			if err != nil {
				return err
			}
			result = e.Payload[models.PayloadResult]
		} else {
			e, err := b.events.Latest(ctx, child.ExecutionID, models.EventExecutionFailed)
			if err != nil {
				return err
			}
			serr = e.Error
			if serr == nil {
				serr = models.NewError(models.ErrorKindAction, "child execution failed")
			}
		}
		slog.Info("Mirroring finished child into parent",
			"execution_id", snap.ExecutionID, "node_id", name, "child", child.ExecutionID)
		b.mirrorIfChild(ctx, child, result, serr)
	}
	return nil
}

// applyEffects runs one decision's effects in a single transaction
// and returns the events it appended, ids assigned.
func (b *Broker) applyEffects(ctx context.Context, exec *models.Execution, effects []Effect) ([]models.Event, error) {
	if len(effects) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var appended []models.Event
	var children []StartChild
	var terminal *models.Event

	for _, effect := range effects {
		switch ef := effect.(type) {
		case AppendEvent:
			e := ef.Event
			id, err := b.events.Append(ctx, tx, &e)
			if err != nil {
				return nil, err
			}
			e.EventID = id
			appended = append(appended, e)
			if e.IsExecutionTerminal() {
				terminal = &e
			}
		case Enqueue:
			entry := ef.Entry
			if _, err := b.queue.Enqueue(ctx, tx, &entry); err != nil {
				return nil, err
			}
		case CancelReady:
			if _, err := b.queue.CancelReady(ctx, tx, ef.ExecutionID); err != nil {
				return nil, err
			}
		case SetStatus:
			if err := b.execs.SetStatus(ctx, tx, ef.ExecutionID, ef.Status); err != nil {
				return nil, err
			}
		case StartChild:
			// Child creation allocates ids and cannot run inside this
			// transaction's decision; dedupe and run after commit.
			children = append(children, ef)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, child := range children {
		childEvents, err := b.startChild(ctx, child)
		if err != nil {
			return appended, err
		}
		appended = append(appended, childEvents...)
	}

	if terminal != nil {
		metrics.ExecutionsFinished.WithLabelValues(string(statusOf(terminal))).Inc()
		b.mirrorIfChild(ctx, exec, terminal.Payload[models.PayloadResult], terminal.Error)
	}
	return appended, nil
}

// startChild creates the child execution and appends
// subplaybook_invoked to the parent. The child uniqueness index keeps
// creation race-free across replicas and replays: a decider that
// loses the insert adopts the child the winner created, and the
// invoked append resolves to the prior event either way.
func (b *Broker) startChild(ctx context.Context, child StartChild) ([]models.Event, error) {
	childExec, err := b.startExecution(ctx, child.Path, child.Version, child.Payload, false, &child)
	if isUniqueViolation(err) {
		childExec, err = b.execs.GetChild(ctx, child.ParentExecutionID, child.ParentNodeID)
	}
	if err != nil {
		return nil, err
	}

	invoked := models.Event{
		ExecutionID: child.ParentExecutionID,
		EventType:   models.EventSubplaybookInvoked,
		NodeID:      child.ParentNodeID,
		Status:      models.EventStatusStarted,
		Payload: models.JSONMap{
			models.PayloadChildExecutionID: childExec.ExecutionID,
			models.PayloadPath:             child.Path,
			models.PayloadVersion:          childExec.Version,
		},
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	id, err := b.events.Append(ctx, tx, &invoked)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	invoked.EventID = id

	b.Wake(childExec.ExecutionID)
	return []models.Event{invoked}, nil
}

// mirrorIfChild reflects a child execution's terminal outcome into
// the parent stream as subplaybook_completed. The parent picks it up
// through its own decision loop.
func (b *Broker) mirrorIfChild(ctx context.Context, exec *models.Execution, childResult any, serr *models.StructuredError) {
	if exec.ParentExecutionID == nil || exec.ParentNodeID == nil {
		return
	}
	mirror := models.Event{
		ExecutionID: *exec.ParentExecutionID,
		NodeID:      *exec.ParentNodeID,
		EventType:   models.EventSubplaybookCompleted,
		Payload:     models.JSONMap{models.PayloadChildExecutionID: exec.ExecutionID},
	}
	if serr != nil {
		mirror.Status = models.EventStatusFailed
		mirror.Error = serr
	} else {
		mirror.Status = models.EventStatusSuccess
		mirror.Payload[models.PayloadResult] = childResult
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("Mirroring child result failed", "child", exec.ExecutionID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := b.events.Append(ctx, tx, &mirror); err != nil {
		slog.Error("Mirroring child result failed", "child", exec.ExecutionID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("Mirroring child result failed", "child", exec.ExecutionID, "error", err)
		return
	}
	b.Wake(*exec.ParentExecutionID)
}

func (b *Broker) cursor(executionID int64) int64 {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()
	return b.cursors[executionID]
}

func (b *Broker) setCursor(executionID, eventID int64) {
	b.cursorMu.Lock()
	b.cursors[executionID] = eventID
	b.cursorMu.Unlock()
}

// isUniqueViolation reports a Postgres unique-index conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func statusOf(terminal *models.Event) models.ExecutionStatus {
	if terminal.EventType == models.EventExecutionCompleted {
		return models.ExecutionCompleted
	}
	if terminal.Error != nil && terminal.Error.Kind == models.ErrorKindCancelled {
		return models.ExecutionCancelled
	}
	return models.ExecutionFailed
}
