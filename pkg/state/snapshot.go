// Package state reconstructs execution state by folding the event
// stream. The fold is pure: the same stream always produces the same
// snapshot, and no component keeps state that cannot be regenerated
// from events.
package state

import (
	"github.com/maestro-run/maestro/pkg/models"
)

// StepStatus is the reconstructed status of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has a terminal status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepState is the folded state of a single step.
type StepState struct {
	Status           StepStatus               `json:"status"`
	Result           any                      `json:"result,omitempty"`
	Error            *models.StructuredError  `json:"error,omitempty"`
	AttemptCount     int                      `json:"attempt_count,omitempty"`
	Iterator         *IteratorState           `json:"iterator,omitempty"`
	ChildExecutionID *int64                   `json:"child_execution_id,omitempty"`
}

// IteratorState accumulates per-iteration results for an iterator
// step. The iterator completes only when all expected indices are
// present; results are always exposed in index order.
type IteratorState struct {
	Expanded    bool                            `json:"expanded"`
	Cardinality int                             `json:"cardinality"`
	Mode        string                          `json:"mode,omitempty"`
	Items       []any                           `json:"items,omitempty"`
	Results     map[int]any                     `json:"results,omitempty"`
	Errors      map[int]*models.StructuredError `json:"errors,omitempty"`
}

// CompletedCount returns how many iterations have terminal results.
func (it *IteratorState) CompletedCount() int {
	return len(it.Results) + len(it.Errors)
}

// AllDone reports whether every expected index has a terminal result.
func (it *IteratorState) AllDone() bool {
	return it.Expanded && it.CompletedCount() >= it.Cardinality
}

// OrderedResults returns per-iteration results in original index
// order regardless of completion order. Failed indices appear as nil.
func (it *IteratorState) OrderedResults() []any {
	out := make([]any, it.Cardinality)
	for i := 0; i < it.Cardinality; i++ {
		out[i] = it.Results[i]
	}
	return out
}

// Snapshot is the folded state of one execution.
type Snapshot struct {
	ExecutionID int64                        `json:"execution_id"`
	Status      models.ExecutionStatus       `json:"status"`
	Workload    map[string]any               `json:"workload,omitempty"`
	Steps       map[string]*StepState        `json:"steps"`
	Variables   map[string]*models.Variable  `json:"variables,omitempty"`
	Error       *models.StructuredError      `json:"error,omitempty"`
	LastEventID int64                        `json:"last_event_id"`
	Cancelled   bool                         `json:"cancelled"`
}

// NewSnapshot returns the empty (pre-execution_start) snapshot.
func NewSnapshot(executionID int64) *Snapshot {
	return &Snapshot{
		ExecutionID: executionID,
		Status:      models.ExecutionPending,
		Steps:       make(map[string]*StepState),
		Variables:   make(map[string]*models.Variable),
	}
}

// Step returns the state for a step, materializing a pending entry.
func (s *Snapshot) Step(name string) *StepState {
	st, ok := s.Steps[name]
	if !ok {
		st = &StepState{Status: StepPending}
		s.Steps[name] = st
	}
	return st
}

// StepResults returns completed step results keyed by step name, the
// "previous step results" layer of the render context.
func (s *Snapshot) StepResults() map[string]any {
	out := make(map[string]any, len(s.Steps))
	for name, st := range s.Steps {
		if st.Status == StepCompleted && st.Result != nil {
			out[name] = st.Result
		}
	}
	return out
}

// VariableValues returns the variables layer of the render context.
func (s *Snapshot) VariableValues() map[string]any {
	out := make(map[string]any, len(s.Variables))
	for name, v := range s.Variables {
		out[name] = v.Value
	}
	return out
}

// RenderContext assembles the layered render context for a step, with
// the given locals as the highest-precedence layer.
func (s *Snapshot) RenderContext(locals map[string]any) models.RenderContext {
	return models.RenderContext{
		ExecutionID: s.ExecutionID,
		Locals:      locals,
		Vars:        s.VariableValues(),
		Results:     s.StepResults(),
		Workload:    s.Workload,
	}
}
