package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

// A sub-playbook step whose child never came to exist must not wedge:
// re-deciding its step_started issues the invocation again. The child
// playbook is registered only after the parent is already stuck on it,
// which leaves exactly that gap behind.
func TestSubplaybookInvocationReissuedUntilChildStarts(t *testing.T) {
	a := newApp(t)
	path := a.register(parentPipelineYAML)

	id := a.execute(path, map[string]any{"word": "later"})

	// The delegate step starts but no child can be created: its
	// playbook is not in the catalog yet.
	require.Eventually(t, func() bool {
		for _, e := range a.events(id) {
			if e.EventType == models.EventStepStarted && e.NodeID == "delegate" {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond, "delegate step never started")
	assert.NotContains(t, eventTypes(a.events(id)), models.EventSubplaybookInvoked)

	a.register(childPipelineYAML)
	a.waitStatus(id, models.ExecutionCompleted, 45*time.Second)

	child, err := a.Execs.GetChild(context.Background(), id, "delegate")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, child.Status)

	result, ok := a.finalResult(id).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LATER", result["child_said"])
}

// A parent whose child already finished, but whose stream never got
// the subplaybook_completed mirror, recovers on reprocessing: the
// mirror is synthesized from the child's terminal event.
func TestFinishedChildMirrorsIntoParentOnReprocess(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	db := a.DB.DB

	a.register(childPipelineYAML)
	a.register(parentPipelineYAML)

	parent := &models.Execution{Path: "e2e/parent", Version: 1}
	require.NoError(t, a.Execs.Create(ctx, db, parent))
	require.NoError(t, a.Execs.SetStatus(ctx, db, parent.ExecutionID, models.ExecutionRunning))

	node := "delegate"
	child := &models.Execution{
		Path:              "e2e/child",
		Version:           1,
		RootExecutionID:   parent.ExecutionID,
		ParentExecutionID: &parent.ExecutionID,
		ParentNodeID:      &node,
	}
	require.NoError(t, a.Execs.Create(ctx, db, child))
	_, err := a.Events.Append(ctx, db, &models.Event{
		ExecutionID: child.ExecutionID,
		EventType:   models.EventExecutionCompleted,
		Status:      models.EventStatusSuccess,
		Payload:     models.JSONMap{models.PayloadResult: map[string]any{"word": "QUIET"}},
	})
	require.NoError(t, err)
	require.NoError(t, a.Execs.SetStatus(ctx, db, child.ExecutionID, models.ExecutionCompleted))

	// The parent stream stops right after the invocation: the mirror
	// the child's terminal commit should have produced is missing.
	for _, e := range []models.Event{
		{EventType: models.EventExecutionStart, Status: models.EventStatusStarted,
			Payload: models.JSONMap{
				models.PayloadWorkload: map[string]any{"word": "quiet"},
				models.PayloadPath:     "e2e/parent",
				models.PayloadVersion:  1,
			}},
		{EventType: models.EventStepStarted, NodeID: "start", Status: models.EventStatusStarted},
		{EventType: models.EventStepCompleted, NodeID: "start", Status: models.EventStatusSuccess},
		{EventType: models.EventStepStarted, NodeID: "delegate", Status: models.EventStatusStarted},
		{EventType: models.EventSubplaybookInvoked, NodeID: "delegate", Status: models.EventStatusStarted,
			Payload: models.JSONMap{
				models.PayloadChildExecutionID: child.ExecutionID,
				models.PayloadPath:             "e2e/child",
				models.PayloadVersion:          1,
			}},
	} {
		e.ExecutionID = parent.ExecutionID
		_, err := a.Events.Append(ctx, db, &e)
		require.NoError(t, err)
	}

	require.NoError(t, a.Broker.Process(ctx, parent.ExecutionID))
	a.waitStatus(parent.ExecutionID, models.ExecutionCompleted, 30*time.Second)

	types := eventTypes(a.events(parent.ExecutionID))
	assert.Contains(t, types, models.EventSubplaybookCompleted)

	result, ok := a.finalResult(parent.ExecutionID).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "QUIET", result["child_said"])
}
