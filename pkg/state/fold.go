package state

import (
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// Fold reconstructs a snapshot from an ordered event stream.
func Fold(executionID int64, events []models.Event) *Snapshot {
	snap := NewSnapshot(executionID)
	for i := range events {
		Apply(snap, &events[i])
	}
	return snap
}

// Apply folds one event into the snapshot. It satisfies
// Fold(events ++ [e]) == Apply(Fold(events), e) for in-order streams.
// Events at or before LastEventID are ignored so redelivery is safe.
func Apply(snap *Snapshot, e *models.Event) {
	if e.EventID <= snap.LastEventID {
		return
	}
	snap.LastEventID = e.EventID

	switch e.EventType {
	case models.EventExecutionStart:
		snap.Status = models.ExecutionRunning
		if wl, ok := e.Payload[models.PayloadWorkload].(map[string]any); ok {
			snap.Workload = wl
		}

	case models.EventExecutionCompleted:
		snap.Status = models.ExecutionCompleted

	case models.EventExecutionFailed:
		if e.Error != nil && e.Error.Kind == models.ErrorKindCancelled {
			snap.Status = models.ExecutionCancelled
			snap.Cancelled = true
		} else {
			snap.Status = models.ExecutionFailed
		}
		snap.Error = e.Error

	case models.EventStepStarted:
		st := snap.Step(e.NodeID)
		if !st.Status.Terminal() {
			st.Status = StepStarted
		}

	case models.EventStepCompleted:
		st := snap.Step(e.NodeID)
		if st.Status == StepCompleted {
			return // at most one terminal event takes effect
		}
		st.Status = StepCompleted
		st.Result = e.Payload[models.PayloadResult]
		st.Error = nil
		setVariable(snap, e.NodeID, st.Result, models.VariableStepResult, e.NodeID, e.Timestamp)

	case models.EventStepFailed:
		st := snap.Step(e.NodeID)
		if st.Status.Terminal() {
			return
		}
		st.Status = StepFailed
		st.Error = e.Error

	case models.EventStepSkipped:
		st := snap.Step(e.NodeID)
		if st.Status.Terminal() {
			return
		}
		st.Status = StepSkipped

	case models.EventActionStarted:
		st := snap.Step(e.NodeID)
		if e.AttemptCount > st.AttemptCount {
			st.AttemptCount = e.AttemptCount
		}

	case models.EventActionCompleted, models.EventActionFailed:
		// Action outcomes only affect state through the step terminal
		// events the broker derives from them.

	case models.EventActionProgress:
		// Informational; progress reports never affect state.

	case models.EventIteratorExpanded:
		st := snap.Step(e.NodeID)
		items, _ := e.Payload[models.PayloadItems].([]any)
		st.Iterator = &IteratorState{
			Expanded:    true,
			Cardinality: intPayload(e.Payload, models.PayloadCount),
			Mode:        stringPayload(e.Payload, models.PayloadMode),
			Items:       items,
			Results:     make(map[int]any),
			Errors:      make(map[int]*models.StructuredError),
		}

	case models.EventIteratorIterationCompleted:
		st := snap.Step(e.NodeID)
		if st.Iterator == nil || e.IteratorIndex == nil {
			return
		}
		idx := *e.IteratorIndex
		if _, done := st.Iterator.Results[idx]; done {
			return
		}
		if _, done := st.Iterator.Errors[idx]; done {
			return
		}
		if e.Status == models.EventStatusFailed {
			st.Iterator.Errors[idx] = e.Error
		} else {
			st.Iterator.Results[idx] = e.Payload[models.PayloadResult]
		}

	case models.EventIteratorCompleted:
		st := snap.Step(e.NodeID)
		if st.Status.Terminal() {
			return
		}
		st.Status = StepCompleted
		st.Result = e.Payload[models.PayloadResult]
		setVariable(snap, e.NodeID, st.Result, models.VariableIteratorState, e.NodeID, e.Timestamp)

	case models.EventSubplaybookInvoked:
		st := snap.Step(e.NodeID)
		if !st.Status.Terminal() {
			st.Status = StepStarted
		}
		if id, ok := int64Payload(e.Payload, models.PayloadChildExecutionID); ok {
			st.ChildExecutionID = &id
		}

	case models.EventSubplaybookCompleted:
		st := snap.Step(e.NodeID)
		if st.Status.Terminal() {
			return
		}
		if e.Status == models.EventStatusFailed {
			st.Status = StepFailed
			st.Error = e.Error
			return
		}
		st.Status = StepCompleted
		st.Result = e.Payload[models.PayloadResult]
		setVariable(snap, e.NodeID, st.Result, models.VariableStepResult, e.NodeID, e.Timestamp)

	case models.EventVariablesSet:
		vars, ok := e.Payload[models.PayloadVars].(map[string]any)
		if !ok {
			return
		}
		for name, value := range vars {
			setVariable(snap, name, value, models.VariableUserDefined, e.NodeID, e.Timestamp)
		}

	case models.EventSaveEmitted:
		// Informational; save outcomes never retro-affect the step.
	}
}

func setVariable(snap *Snapshot, name string, value any, typ models.VariableType, source string, at time.Time) {
	if existing, ok := snap.Variables[name]; ok {
		existing.Value = value
		existing.Type = typ
		existing.SourceNode = source
		return
	}
	snap.Variables[name] = &models.Variable{
		Name:       name,
		Value:      value,
		Type:       typ,
		SourceNode: source,
		CreatedAt:  at,
		AccessedAt: at,
	}
}

func intPayload(p models.JSONMap, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func int64Payload(p models.JSONMap, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func stringPayload(p models.JSONMap, key string) string {
	s, _ := p[key].(string)
	return s
}
