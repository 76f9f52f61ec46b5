package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueReady     QueueStatus = "ready"
	QueueLeased    QueueStatus = "leased"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueDead      QueueStatus = "dead"
)

// QueueEntry is one scheduled unit of work awaiting a worker lease.
type QueueEntry struct {
	QueueID        int64       `db:"queue_id" json:"queue_id"`
	ExecutionID    int64       `db:"execution_id" json:"execution_id"`
	NodeID         string      `db:"node_id" json:"node_id"`
	IteratorIndex  *int        `db:"iterator_index" json:"iterator_index,omitempty"`
	ActionSpec     ActionSpec  `db:"action_spec" json:"action_spec"`
	EnqueuedAt     time.Time   `db:"enqueued_at" json:"enqueued_at"`
	AvailableAt    time.Time   `db:"available_at" json:"available_at"`
	LeaseOwner     *string     `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	AttemptCount   int         `db:"attempt_count" json:"attempt_count"`
	MaxAttempts    int         `db:"max_attempts" json:"max_attempts"`
	Priority       int         `db:"priority" json:"priority"`
	Status         QueueStatus `db:"status" json:"status"`
	Fingerprint    string      `db:"fingerprint" json:"fingerprint"`
}

// ActionSpec is the fully-resolved, pre-render configuration a worker
// needs to execute a step without any further broker round-trip.
// Config and Args still contain unrendered templates; Context carries
// the layered render context captured at scheduling time.
type ActionSpec struct {
	ActionKind string         `json:"action_kind"`
	Config     map[string]any `json:"config,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Context    RenderContext  `json:"context"`
	Auth       []string       `json:"auth,omitempty"`
	Save       *SaveSpec      `json:"save,omitempty"`
	Pool       string         `json:"pool,omitempty"`
	Runtime    string         `json:"runtime,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// SaveSpec describes a save block attached to a step. It is executed
// as a synthetic downstream action with `this.data` bound to the
// producing step's result.
type SaveSpec struct {
	Storage string         `json:"storage"`
	Config  map[string]any `json:"config,omitempty"`
}

// RenderContext carries the four context layers the template engine
// merges, highest precedence first: Locals (current step bindings),
// Vars (extracted variables), Results (prior step results by step
// name), Workload (global inputs).
type RenderContext struct {
	ExecutionID int64          `json:"execution_id"`
	Locals      map[string]any `json:"locals,omitempty"`
	Vars        map[string]any `json:"vars,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	Workload    map[string]any `json:"workload,omitempty"`
}

// Value implements driver.Valuer for the action_spec JSONB column.
func (s ActionSpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *ActionSpec) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ActionSpec", src)
	}
	return json.Unmarshal(data, s)
}

// Fingerprint returns the stable identity of one attempt of one unit
// of work. Workers report results keyed by it; the event log uses it
// to reject duplicate terminal events.
func Fingerprint(executionID int64, nodeID string, iteratorIndex *int, attempt int) string {
	idx := -1
	if iteratorIndex != nil {
		idx = *iteratorIndex
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%d", executionID, nodeID, idx, attempt))
	return hex.EncodeToString(sum[:16])
}
