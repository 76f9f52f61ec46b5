// Package queue implements the durable PostgreSQL-backed work queue:
// enqueue, lease with SKIP LOCKED semantics, heartbeat, ack/nack and
// expired-lease reaping.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maestro-run/maestro/pkg/models"
)

var (
	// ErrLeaseLost is returned when the caller no longer owns the lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound is returned when a queue entry does not exist.
	ErrNotFound = errors.New("queue entry not found")
)

// Store reads and writes the queue table.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a queue store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (s *Store) DB() *sqlx.DB { return s.db }

const entryColumns = `queue_id, execution_id, node_id, iterator_index, action_spec,
	enqueued_at, available_at, lease_owner, lease_expires_at,
	attempt_count, max_attempts, priority, status, fingerprint`

// Enqueue inserts one entry inside the caller's transaction (the same
// transaction as the triggering event append). A fingerprint conflict
// means the entry was already enqueued; the prior queue id is
// returned and nothing is written.
func (s *Store) Enqueue(ctx context.Context, q sqlx.ExtContext, e *models.QueueEntry) (int64, error) {
	if e.Fingerprint == "" {
		e.Fingerprint = models.Fingerprint(e.ExecutionID, e.NodeID, e.IteratorIndex, e.AttemptCount)
	}
	if e.AttemptCount == 0 {
		e.AttemptCount = 1
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 1
	}
	availableAt := e.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	var queueID int64
	err := sqlx.GetContext(ctx, q, &queueID, `
		INSERT INTO queue (execution_id, node_id, iterator_index, action_spec,
			available_at, attempt_count, max_attempts, priority, status, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'ready', $9)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING queue_id`,
		e.ExecutionID, e.NodeID, e.IteratorIndex, e.ActionSpec,
		availableAt, e.AttemptCount, e.MaxAttempts, e.Priority, e.Fingerprint)
	if err == nil {
		return queueID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("enqueue execution %d step %s: %w", e.ExecutionID, e.NodeID, err)
	}
	err = sqlx.GetContext(ctx, q, &queueID,
		`SELECT queue_id FROM queue WHERE fingerprint = $1`, e.Fingerprint)
	if err != nil {
		return 0, fmt.Errorf("enqueue: resolving duplicate fingerprint: %w", err)
	}
	return queueID, nil
}

// Lease atomically claims up to maxN ready entries whose available_at
// has passed, marking them leased for leaseDuration. SKIP LOCKED
// guarantees each entry goes to exactly one lessor under concurrent
// callers. Pool and runtime filters match entries that name the same
// pool/runtime or none.
//
// Ordering is FIFO by available_at then enqueued_at, with priority as
// tie-break; attempt_count never lowers priority, so retried entries
// cannot starve.
func (s *Store) Lease(ctx context.Context, workerID, pool, runtime string, maxN int, leaseDuration time.Duration) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.SelectContext(ctx, &entries, `
		UPDATE queue SET
			status = 'leased',
			lease_owner = $1,
			lease_expires_at = now() + $2::interval
		WHERE queue_id IN (
			SELECT queue_id FROM queue
			WHERE status = 'ready'
			  AND available_at <= now()
			  AND (COALESCE(action_spec->>'pool', '') IN ('', $3))
			  AND (COALESCE(action_spec->>'runtime', '') IN ('', $4))
			ORDER BY available_at, enqueued_at, priority DESC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		workerID, leaseDuration.String(), pool, runtime, maxN)
	if err != nil {
		return nil, fmt.Errorf("lease for worker %s: %w", workerID, err)
	}
	return entries, nil
}

// Heartbeat extends the caller's lease. ErrLeaseLost means the lease
// expired and was reaped, or another owner holds the entry.
func (s *Store) Heartbeat(ctx context.Context, queueID int64, workerID string, leaseDuration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET lease_expires_at = now() + $1::interval
		WHERE queue_id = $2 AND lease_owner = $3 AND status = 'leased'`,
		leaseDuration.String(), queueID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat queue entry %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat queue entry %d: %w", queueID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack marks an entry completed inside the caller's transaction. The
// caller appends the terminal event in the same transaction.
func (s *Store) Ack(ctx context.Context, q sqlx.ExtContext, queueID int64, workerID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE queue SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL
		WHERE queue_id = $1 AND lease_owner = $2 AND status = 'leased'`,
		queueID, workerID)
	if err != nil {
		return fmt.Errorf("ack queue entry %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack queue entry %d: %w", queueID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail marks an entry terminally failed inside the caller's
// transaction. Used for non-retryable failures where requeueing would
// only repeat the same error.
func (s *Store) Fail(ctx context.Context, q sqlx.ExtContext, queueID int64, workerID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE queue SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL
		WHERE queue_id = $1 AND lease_owner = $2 AND status = 'leased'`,
		queueID, workerID)
	if err != nil {
		return fmt.Errorf("fail queue entry %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail queue entry %d: %w", queueID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack returns an entry to ready with backoff, or marks it dead once
// attempts are exhausted. The fingerprint advances with the attempt
// count so the next attempt reports under a fresh identity. The
// updated entry is returned; callers append step_failed when it went
// dead.
func (s *Store) Nack(ctx context.Context, q sqlx.ExtContext, queueID int64, workerID string, backoff time.Duration) (*models.QueueEntry, error) {
	var cur models.QueueEntry
	err := sqlx.GetContext(ctx, q, &cur,
		`SELECT `+entryColumns+` FROM queue WHERE queue_id = $1 FOR UPDATE`, queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nack queue entry %d: %w", queueID, err)
	}
	if cur.Status != models.QueueLeased || cur.LeaseOwner == nil || *cur.LeaseOwner != workerID {
		return nil, ErrLeaseLost
	}
	return s.requeueOrKill(ctx, q, &cur, backoff)
}

// requeueOrKill applies the shared nack/reap transition.
func (s *Store) requeueOrKill(ctx context.Context, q sqlx.ExtContext, cur *models.QueueEntry, backoff time.Duration) (*models.QueueEntry, error) {
	if cur.AttemptCount >= cur.MaxAttempts {
		var out models.QueueEntry
		err := sqlx.GetContext(ctx, q, &out, `
			UPDATE queue SET status = 'dead', lease_owner = NULL, lease_expires_at = NULL
			WHERE queue_id = $1
			RETURNING `+entryColumns, cur.QueueID)
		if err != nil {
			return nil, fmt.Errorf("marking queue entry %d dead: %w", cur.QueueID, err)
		}
		return &out, nil
	}

	next := cur.AttemptCount + 1
	fingerprint := models.Fingerprint(cur.ExecutionID, cur.NodeID, cur.IteratorIndex, next)
	var out models.QueueEntry
	err := sqlx.GetContext(ctx, q, &out, `
		UPDATE queue SET
			status = 'ready',
			lease_owner = NULL,
			lease_expires_at = NULL,
			attempt_count = $2,
			fingerprint = $3,
			available_at = now() + $4::interval
		WHERE queue_id = $1
		RETURNING `+entryColumns,
		cur.QueueID, next, fingerprint, backoff.String())
	if err != nil {
		return nil, fmt.Errorf("requeue queue entry %d: %w", cur.QueueID, err)
	}
	return &out, nil
}

// Reap returns every expired lease to ready (or dead when attempts
// are exhausted), inside the caller's transaction. Dead entries are
// returned so the broker can append their step_failed events.
func (s *Store) Reap(ctx context.Context, q sqlx.ExtContext, now time.Time, backoff time.Duration) (requeued int, dead []models.QueueEntry, err error) {
	var expired []models.QueueEntry
	err = sqlx.SelectContext(ctx, q, &expired, `
		SELECT `+entryColumns+` FROM queue
		WHERE status = 'leased' AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return 0, nil, fmt.Errorf("reap: selecting expired leases: %w", err)
	}

	for i := range expired {
		out, err := s.requeueOrKill(ctx, q, &expired[i], backoff)
		if err != nil {
			return requeued, dead, err
		}
		if out.Status == models.QueueDead {
			dead = append(dead, *out)
		} else {
			requeued++
		}
	}
	return requeued, dead, nil
}

// CancelReady deletes all ready entries for an execution. Leased
// entries are left to finish cooperatively.
func (s *Store) CancelReady(ctx context.Context, q sqlx.ExtContext, executionID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM queue WHERE execution_id = $1 AND status = 'ready'`, executionID)
	if err != nil {
		return 0, fmt.Errorf("cancel ready entries for execution %d: %w", executionID, err)
	}
	return res.RowsAffected()
}

// Get fetches one entry.
func (s *Store) Get(ctx context.Context, queueID int64) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT `+entryColumns+` FROM queue WHERE queue_id = $1`, queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %d: %w", queueID, err)
	}
	return &e, nil
}

// Depth returns the number of entries per status, for metrics.
func (s *Store) Depth(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	out := make(map[models.QueueStatus]int, len(rows))
	for _, r := range rows {
		out[models.QueueStatus(r.Status)] = r.N
	}
	return out, nil
}
