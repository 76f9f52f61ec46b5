// Package broker is the scheduler: it folds event streams into
// snapshots, decides which steps run next, and applies those
// decisions transactionally against the event log and queue.
//
// The decision core is pure. Decide never touches the database; it
// returns effects, and the applier executes them in one transaction.
// Decisions are idempotent under replay: duplicate event appends and
// duplicate enqueues resolve to their prior rows, so a broker can
// safely re-decide any prefix of the stream after a crash.
package broker

import (
	"github.com/maestro-run/maestro/pkg/models"
)

// Effect is one side effect a decision requests. The closed set keeps
// the scheduler testable without a database.
type Effect interface {
	isEffect()
}

// AppendEvent appends one event to the deciding execution's stream.
type AppendEvent struct {
	Event models.Event
}

// Enqueue inserts one queue entry.
type Enqueue struct {
	Entry models.QueueEntry
}

// CancelReady deletes all ready queue entries for the execution.
type CancelReady struct {
	ExecutionID int64
}

// SetStatus transitions the execution row.
type SetStatus struct {
	ExecutionID int64
	Status      models.ExecutionStatus
}

// StartChild creates a child execution for a sub-playbook step and
// appends subplaybook_invoked to the parent once the child id is
// known. At most one child exists per parent step: the execution
// table's child uniqueness index resolves races and replays.
type StartChild struct {
	ParentExecutionID int64
	ParentNodeID      string
	Path              string
	Version           int
	Payload           map[string]any
}

func (AppendEvent) isEffect() {}
func (Enqueue) isEffect()     {}
func (CancelReady) isEffect() {}
func (SetStatus) isEffect()   {}
func (StartChild) isEffect()  {}
