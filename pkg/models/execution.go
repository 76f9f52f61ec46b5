package models

import "time"

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. Terminal
// executions are never resurrected.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one runtime invocation of a playbook version.
//
// ParentExecutionID is set for child executions created by
// sub-playbook steps; ParentNodeID and ParentIteratorIndex identify
// the invoking step so the child's terminal result can be mirrored
// back into the parent's stream.
type Execution struct {
	ExecutionID         int64           `db:"execution_id" json:"execution_id"`
	RootExecutionID     int64           `db:"root_execution_id" json:"root_execution_id"`
	ParentExecutionID   *int64          `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	ParentNodeID        *string         `db:"parent_node_id" json:"parent_node_id,omitempty"`
	ParentIteratorIndex *int            `db:"parent_iterator_index" json:"parent_iterator_index,omitempty"`
	Path                string          `db:"path" json:"path"`
	Version             int             `db:"version" json:"version"`
	Status              ExecutionStatus `db:"status" json:"status"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	EndedAt             *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
}
