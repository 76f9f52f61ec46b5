package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

const iteratorPipelineYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: fanout
  path: e2e/fanout
workbook:
  - name: shout
    type: shell
    config:
      command: "printf '%s' '{{ word }}' | tr a-z A-Z"
workflow:
  - step: start
    next: fan
  - step: fan
    tool: iterator
    args:
      collection: "{{ workload.words }}"
      task: shout
      element: word
      mode: async
    next: end
  - step: end
    args:
      shouted: "{{ fan }}"
`

func TestIteratorFansOutAndAggregatesInOrder(t *testing.T) {
	a := newApp(t)
	path := a.register(iteratorPipelineYAML)
	id := a.execute(path, map[string]any{"words": []any{"ada", "bix", "cal"}})

	a.waitStatus(id, models.ExecutionCompleted, 45*time.Second)

	events := a.events(id)
	types := eventTypes(events)
	assert.Contains(t, types, models.EventIteratorExpanded)
	assert.Contains(t, types, models.EventIteratorCompleted)

	iterations := 0
	for _, e := range events {
		if e.EventType == models.EventIteratorIterationCompleted {
			iterations++
		}
	}
	assert.Equal(t, 3, iterations)

	// Aggregated results come back in collection order regardless of
	// worker completion order.
	result, ok := a.finalResult(id).(map[string]any)
	require.True(t, ok)
	items, ok := result["shouted"].([]any)
	require.True(t, ok, "shouted should be a list, got %T", result["shouted"])
	require.Len(t, items, 3)
	for i, want := range []string{"ADA", "BIX", "CAL"} {
		data, ok := items[i].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, want, data["stdout"])
	}
}

func TestIteratorOverEmptyCollection(t *testing.T) {
	a := newApp(t)
	path := a.register(iteratorPipelineYAML)
	id := a.execute(path, map[string]any{"words": []any{}})

	a.waitStatus(id, models.ExecutionCompleted, 30*time.Second)

	result, ok := a.finalResult(id).(map[string]any)
	require.True(t, ok)
	items, ok := result["shouted"].([]any)
	require.True(t, ok)
	assert.Empty(t, items)
}
