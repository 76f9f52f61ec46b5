package models

import "time"

// EventType identifies the kind of state change an event records.
// The set is closed: the reconstructor and broker switch exhaustively
// over these values.
type EventType string

const (
	EventExecutionStart     EventType = "execution_start"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"

	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"

	EventActionStarted   EventType = "action_started"
	EventActionProgress  EventType = "action_progress"
	EventActionCompleted EventType = "action_completed"
	EventActionFailed    EventType = "action_failed"

	EventIteratorExpanded           EventType = "iterator_expanded"
	EventIteratorIterationCompleted EventType = "iterator_iteration_completed"
	EventIteratorCompleted          EventType = "iterator_completed"

	EventSubplaybookInvoked   EventType = "subplaybook_invoked"
	EventSubplaybookCompleted EventType = "subplaybook_completed"

	EventVariablesSet EventType = "variables_set"
	EventSaveEmitted  EventType = "save_emitted"
)

// EventStatus is the outcome recorded on an event.
type EventStatus string

const (
	EventStatusStarted   EventStatus = "started"
	EventStatusSuccess   EventStatus = "success"
	EventStatusFailed    EventStatus = "failed"
	EventStatusSkipped   EventStatus = "skipped"
	EventStatusCancelled EventStatus = "cancelled"
)

// Event is one immutable record in an execution's stream. Events are
// append-only; corrections are modelled by appending new events.
//
// NodeID is empty for execution-level events. IteratorIndex is nil
// except for per-iteration events of an iterator step.
type Event struct {
	ExecutionID   int64            `db:"execution_id" json:"execution_id"`
	EventID       int64            `db:"event_id" json:"event_id"`
	ParentEventID *int64           `db:"parent_event_id" json:"parent_event_id,omitempty"`
	EventType     EventType        `db:"event_type" json:"event_type"`
	NodeID        string           `db:"node_id" json:"node_id,omitempty"`
	IteratorIndex *int             `db:"iterator_index" json:"iterator_index,omitempty"`
	AttemptCount  int              `db:"attempt_count" json:"attempt_count"`
	Status        EventStatus      `db:"status" json:"status"`
	Timestamp     time.Time        `db:"timestamp" json:"timestamp"`
	Payload       JSONMap          `db:"payload" json:"payload,omitempty"`
	Error         *StructuredError `db:"error" json:"error,omitempty"`
}

// IsStepTerminal reports whether the event closes a step
// (step_completed, step_failed or step_skipped).
func (e *Event) IsStepTerminal() bool {
	switch e.EventType {
	case EventStepCompleted, EventStepFailed, EventStepSkipped:
		return true
	}
	return false
}

// IsExecutionTerminal reports whether the event closes the execution.
func (e *Event) IsExecutionTerminal() bool {
	switch e.EventType {
	case EventExecutionCompleted, EventExecutionFailed:
		return true
	}
	return false
}
