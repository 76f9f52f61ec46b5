// Package eventlog persists the append-only event stream that is the
// system's source of truth. The queue and all snapshots are derived
// from it.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maestro-run/maestro/pkg/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel pinged on every
// append. The payload is the execution id.
const NotifyChannel = "maestro_events"

// ErrNotFound is returned when no event matches a lookup.
var ErrNotFound = errors.New("event not found")

// Store reads and writes the event table. Mutating methods take a
// sqlx.ExtContext so callers can compose them into one transaction
// with queue mutations.
type Store struct {
	db *sqlx.DB
}

// NewStore creates an event log store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (s *Store) DB() *sqlx.DB { return s.db }

// eventRow is the scan shape for the event table.
type eventRow struct {
	ExecutionID   int64           `db:"execution_id"`
	EventID       int64           `db:"event_id"`
	ParentEventID *int64          `db:"parent_event_id"`
	EventType     string          `db:"event_type"`
	NodeID        string          `db:"node_id"`
	IteratorIndex *int            `db:"iterator_index"`
	AttemptCount  int             `db:"attempt_count"`
	Status        string          `db:"status"`
	Timestamp     time.Time       `db:"timestamp"`
	Payload       models.JSONMap  `db:"payload"`
	Error         json.RawMessage `db:"error"`
}

func (r *eventRow) toEvent() (models.Event, error) {
	e := models.Event{
		ExecutionID:   r.ExecutionID,
		EventID:       r.EventID,
		ParentEventID: r.ParentEventID,
		EventType:     models.EventType(r.EventType),
		NodeID:        r.NodeID,
		IteratorIndex: r.IteratorIndex,
		AttemptCount:  r.AttemptCount,
		Status:        models.EventStatus(r.Status),
		Timestamp:     r.Timestamp.UTC(),
		Payload:       r.Payload,
	}
	if len(r.Error) > 0 && string(r.Error) != "null" {
		e.Error = &models.StructuredError{}
		if err := json.Unmarshal(r.Error, e.Error); err != nil {
			return e, fmt.Errorf("malformed error payload on event %d/%d: %w", r.ExecutionID, r.EventID, err)
		}
	}
	return e, nil
}

const selectColumns = `execution_id, event_id, parent_event_id, event_type,
	COALESCE(node_id, '') AS node_id, iterator_index, attempt_count,
	status, timestamp, payload, error`

// Append writes one event inside the caller's transaction and returns
// its event id. Event ids are allocated per execution under the
// execution row lock, so they are strictly increasing and contiguous.
//
// A duplicate append (same logical event replayed) hits the
// idempotency index and returns the prior event id without rewriting.
func (s *Store) Append(ctx context.Context, q sqlx.ExtContext, e *models.Event) (int64, error) {
	// Serialize id allocation per execution.
	var locked int64
	if err := sqlx.GetContext(ctx, q, &locked,
		`SELECT execution_id FROM execution WHERE execution_id = $1 FOR UPDATE`,
		e.ExecutionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("append: unknown execution %d", e.ExecutionID)
		}
		return 0, fmt.Errorf("append: locking execution %d: %w", e.ExecutionID, err)
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var errJSON any
	if e.Error != nil {
		b, err := json.Marshal(e.Error)
		if err != nil {
			return 0, fmt.Errorf("append: marshaling error payload: %w", err)
		}
		errJSON = b
	}

	var eventID int64
	err := sqlx.GetContext(ctx, q, &eventID, `
		INSERT INTO event (execution_id, event_id, parent_event_id, event_type,
			node_id, iterator_index, attempt_count, status, timestamp, payload, error)
		SELECT $1, COALESCE(MAX(event_id), 0) + 1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10
		FROM event WHERE execution_id = $1
		ON CONFLICT DO NOTHING
		RETURNING event_id`,
		e.ExecutionID, e.ParentEventID, string(e.EventType), e.NodeID,
		e.IteratorIndex, e.AttemptCount, string(e.Status), ts, e.Payload, errJSON)
	if err == nil {
		if _, nerr := q.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
			NotifyChannel, fmt.Sprintf("%d", e.ExecutionID)); nerr != nil {
			return 0, fmt.Errorf("append: notify: %w", nerr)
		}
		return eventID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("append: inserting event: %w", err)
	}

	// Conflict with an earlier append of the same logical event:
	// resolve to the existing id.
	err = sqlx.GetContext(ctx, q, &eventID, `
		SELECT event_id FROM event
		WHERE execution_id = $1 AND COALESCE(node_id, '') = $2
		  AND COALESCE(iterator_index, -1) = COALESCE($3::int, -1)
		  AND event_type = $4 AND attempt_count = $5`,
		e.ExecutionID, e.NodeID, e.IteratorIndex, string(e.EventType), e.AttemptCount)
	if err != nil {
		return 0, fmt.Errorf("append: resolving duplicate event: %w", err)
	}
	return eventID, nil
}

// Range returns the execution's events with event_id > sinceEventID in
// order. Pass 0 to read the whole stream.
func (s *Store) Range(ctx context.Context, executionID, sinceEventID int64) ([]models.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+selectColumns+`
		FROM event
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id`,
		executionID, sinceEventID)
	if err != nil {
		return nil, fmt.Errorf("range events for execution %d: %w", executionID, err)
	}
	events := make([]models.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Latest returns the most recent event of the given type for an
// execution, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, executionID int64, eventType models.EventType) (*models.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+selectColumns+`
		FROM event
		WHERE execution_id = $1 AND event_type = $2
		ORDER BY event_id DESC
		LIMIT 1`,
		executionID, string(eventType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s for execution %d: %w", eventType, executionID, err)
	}
	e, err := row.toEvent()
	if err != nil {
		return nil, err
	}
	return &e, nil
}
