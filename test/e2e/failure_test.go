package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

const failingPipelineYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: doomed
  path: e2e/doomed
workbook:
  - name: explode
    type: shell
    config:
      command: "echo 'boom' >&2; exit 3"
workflow:
  - step: start
    next: risky
  - step: risky
    name: explode
    next: end
  - step: end
`

func TestFailingStepFailsExecution(t *testing.T) {
	a := newApp(t)
	path := a.register(failingPipelineYAML)
	id := a.execute(path, nil)

	a.waitStatus(id, models.ExecutionFailed, 30*time.Second)

	events := a.events(id)
	types := eventTypes(events)
	assert.Contains(t, types, models.EventActionFailed)
	assert.Contains(t, types, models.EventStepFailed)
	assert.Equal(t, models.EventExecutionFailed, types[len(types)-1])

	var failed *models.Event
	for i := range events {
		if events[i].EventType == models.EventStepFailed {
			failed = &events[i]
		}
	}
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrorKindAction, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "boom")
}

const recoveringPipelineYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: recovering
  path: e2e/recovering
workbook:
  - name: explode
    type: shell
    config:
      command: "exit 3"
workflow:
  - step: start
    next: risky
  - step: risky
    name: explode
    next:
      - step: end
      - step: apologize
        when: "{{ error.kind == 'action_error' }}"
  - step: apologize
    next: end
  - step: end
`

func TestErrorRouteRecoversExecution(t *testing.T) {
	a := newApp(t)
	path := a.register(recoveringPipelineYAML)
	id := a.execute(path, nil)

	a.waitStatus(id, models.ExecutionCompleted, 30*time.Second)

	var completed []string
	for _, e := range a.events(id) {
		if e.EventType == models.EventStepCompleted {
			completed = append(completed, e.NodeID)
		}
	}
	assert.Contains(t, completed, "apologize",
		"the error route should have fired instead of failing the execution")
}
