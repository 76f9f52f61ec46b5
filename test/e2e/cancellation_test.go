package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

const slowPipelineYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: slow
  path: e2e/slow
workbook:
  - name: nap
    type: shell
    config:
      command: "sleep 30"
workflow:
  - step: start
    next: doze
  - step: doze
    name: nap
    next: end
  - step: end
`

func TestCancelStopsExecution(t *testing.T) {
	a := newApp(t)
	path := a.register(slowPipelineYAML)
	id := a.execute(path, nil)

	// Wait until the slow step is actually running so cancellation
	// covers the leased-work path, not just pending entries.
	require.Eventually(t, func() bool {
		for _, e := range a.events(id) {
			if e.EventType == models.EventActionStarted {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond)

	a.cancel(id)
	exec := a.waitStatus(id, models.ExecutionCancelled, 30*time.Second)
	assert.NotNil(t, exec.EndedAt)

	// A terminal execution swallows late worker reports: no step or
	// execution transition may follow cancellation.
	events := a.events(id)
	n := len(events)
	time.Sleep(2 * time.Second)
	late := a.events(id)[n:]
	for _, e := range late {
		assert.False(t, e.IsStepTerminal(), "late step transition after cancel: %+v", e)
		assert.False(t, e.IsExecutionTerminal(), "late execution transition after cancel: %+v", e)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	a := newApp(t)

	err := a.Broker.Cancel(context.Background(), 424242)
	assert.Error(t, err)
}
