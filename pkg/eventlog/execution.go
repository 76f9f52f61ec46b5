package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maestro-run/maestro/pkg/models"
)

// ErrExecutionNotFound is returned when an execution id is unknown.
var ErrExecutionNotFound = errors.New("execution not found")

const executionColumns = `execution_id, root_execution_id, parent_execution_id,
	parent_node_id, parent_iterator_index, path, version, status, created_at, ended_at`

// ExecutionStore reads and writes execution rows. Status transitions
// happen in the same transaction as the events that cause them.
type ExecutionStore struct {
	db *sqlx.DB
}

// NewExecutionStore creates an execution store.
func NewExecutionStore(db *sqlx.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create inserts a pending execution inside the caller's transaction
// and fills in its id. Root executions get root_execution_id set to
// their own id; children inherit the parent's root.
func (s *ExecutionStore) Create(ctx context.Context, q sqlx.ExtContext, e *models.Execution) error {
	var root any
	if e.RootExecutionID != 0 {
		root = e.RootExecutionID
	}
	err := sqlx.GetContext(ctx, q, e, `
		INSERT INTO execution (root_execution_id, parent_execution_id,
			parent_node_id, parent_iterator_index, path, version, status)
		VALUES (COALESCE($1, 0), $2, $3, $4, $5, $6, $7)
		RETURNING `+executionColumns,
		root, e.ParentExecutionID, e.ParentNodeID, e.ParentIteratorIndex,
		e.Path, e.Version, string(models.ExecutionPending))
	if err != nil {
		return fmt.Errorf("create execution for %s: %w", e.Path, err)
	}
	if e.RootExecutionID == 0 {
		e.RootExecutionID = e.ExecutionID
		if _, err := q.ExecContext(ctx,
			`UPDATE execution SET root_execution_id = $1 WHERE execution_id = $1`,
			e.ExecutionID); err != nil {
			return fmt.Errorf("create execution for %s: setting root: %w", e.Path, err)
		}
	}
	return nil
}

// Get returns one execution.
func (s *ExecutionStore) Get(ctx context.Context, executionID int64) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM execution WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", executionID, err)
	}
	return &e, nil
}

// GetChild returns the child execution a parent sub-playbook step
// invoked. The child uniqueness index guarantees at most one row.
func (s *ExecutionStore) GetChild(ctx context.Context, parentExecutionID int64, parentNodeID string) (*models.Execution, error) {
	var e models.Execution
	err := s.db.GetContext(ctx, &e, `
		SELECT `+executionColumns+` FROM execution
		WHERE parent_execution_id = $1 AND parent_node_id = $2`,
		parentExecutionID, parentNodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: child of %d step %s", ErrExecutionNotFound, parentExecutionID, parentNodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get child of %d step %s: %w", parentExecutionID, parentNodeID, err)
	}
	return &e, nil
}

// SetStatus transitions an execution inside the caller's transaction.
// Terminal transitions stamp ended_at. Moving a terminal execution is
// refused: terminal states are final.
func (s *ExecutionStore) SetStatus(ctx context.Context, q sqlx.ExtContext, executionID int64, status models.ExecutionStatus) error {
	var endedAt any
	if status.Terminal() {
		endedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE execution SET status = $2, ended_at = COALESCE($3, ended_at)
		WHERE execution_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
		executionID, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("set execution %d status %s: %w", executionID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set execution %d status %s: %w", executionID, status, err)
	}
	if n == 0 {
		return fmt.Errorf("set execution %d status %s: %w", executionID, status, ErrExecutionNotFound)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Path   string
	Status models.ExecutionStatus
	Limit  int
	Offset int
}

// List returns executions newest first.
func (s *ExecutionStore) List(ctx context.Context, f ListFilter) ([]models.Execution, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Execution
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+executionColumns+` FROM execution
		WHERE ($1 = '' OR path = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY execution_id DESC
		LIMIT $3 OFFSET $4`,
		f.Path, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// ListActive returns every non-terminal execution. The broker walks
// them at startup to recover work lost to a crash.
func (s *ExecutionStore) ListActive(ctx context.Context) ([]models.Execution, error) {
	var out []models.Execution
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+executionColumns+` FROM execution
		WHERE status IN ('pending', 'running')
		ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes terminal executions (with their events,
// which cascade) that ended before the cutoff. Retention cleanup
// calls this in batches.
func (s *ExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM execution WHERE execution_id IN (
			SELECT execution_id FROM execution
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND ended_at < $1
			LIMIT $2
		)`, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("delete executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}
