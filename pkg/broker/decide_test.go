package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
	"github.com/maestro-run/maestro/pkg/state"
)

// sim drives the pure decision core without a database: it assigns
// event ids, folds, decides, and applies append effects recursively,
// collecting enqueues, child starts and status transitions. Worker
// behaviour is simulated by pushing action_* events explicitly.
type sim struct {
	t        *testing.T
	pb       *playbook.Playbook
	snap     *state.Snapshot
	events   []models.Event
	queued   []models.QueueEntry
	children []StartChild
	statuses []models.ExecutionStatus
	nextID   int64
}

func newSim(t *testing.T, yaml string) *sim {
	t.Helper()
	pb, _, err := playbook.Parse([]byte(yaml))
	require.NoError(t, err)
	return &sim{t: t, pb: pb, snap: state.NewSnapshot(7), nextID: 0}
}

func (s *sim) push(e models.Event) {
	s.nextID++
	e.ExecutionID = 7
	e.EventID = s.nextID
	s.events = append(s.events, e)
	state.Apply(s.snap, &e)
	s.apply(Decide(s.pb, s.snap, &e, DefaultPolicy()))
}

func (s *sim) apply(effects []Effect) {
	for _, effect := range effects {
		switch ef := effect.(type) {
		case AppendEvent:
			s.push(ef.Event)
		case Enqueue:
			s.queued = append(s.queued, ef.Entry)
		case SetStatus:
			s.statuses = append(s.statuses, ef.Status)
		case StartChild:
			s.children = append(s.children, ef)
		}
	}
}

func (s *sim) start(workload map[string]any) {
	s.push(models.Event{
		EventType: models.EventExecutionStart,
		Status:    models.EventStatusStarted,
		Payload:   models.JSONMap{models.PayloadWorkload: workload},
	})
}

// completeAction simulates a worker reporting success for the oldest
// queued entry for the node.
func (s *sim) completeAction(node string, iterIdx *int, result any) {
	s.push(models.Event{
		EventType:     models.EventActionCompleted,
		NodeID:        node,
		IteratorIndex: iterIdx,
		Status:        models.EventStatusSuccess,
		Payload:       models.JSONMap{models.PayloadResult: result},
	})
}

func (s *sim) failAction(node string, iterIdx *int, serr *models.StructuredError, final bool) {
	s.push(models.Event{
		EventType:     models.EventActionFailed,
		NodeID:        node,
		IteratorIndex: iterIdx,
		Status:        models.EventStatusFailed,
		Payload:       models.JSONMap{models.PayloadFinal: final},
		Error:         serr,
	})
}

func (s *sim) eventTypes() []models.EventType {
	out := make([]models.EventType, len(s.events))
	for i := range s.events {
		out[i] = s.events[i].EventType
	}
	return out
}

const linearYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: linear
  path: t/linear
workbook:
  - name: fetch
    type: http
    config:
      url: "https://api.example.com/answer"
workflow:
  - step: start
    next: s1
  - step: s1
    name: fetch
    next: end
  - step: end
`

func TestLinearSuccessEventOrder(t *testing.T) {
	s := newSim(t, linearYAML)
	s.start(nil)

	// start completes inline; s1 is enqueued for a worker.
	require.Len(t, s.queued, 1)
	assert.Equal(t, "s1", s.queued[0].NodeID)
	assert.Equal(t, "http", s.queued[0].ActionSpec.ActionKind)

	s.completeAction("s1", nil, map[string]any{"value": 42})

	assert.Equal(t, []models.EventType{
		models.EventExecutionStart,
		models.EventStepStarted,   // start
		models.EventStepCompleted, // start
		models.EventStepStarted,   // s1
		models.EventActionCompleted,
		models.EventStepCompleted, // s1
		models.EventStepStarted,   // end
		models.EventStepCompleted, // end
		models.EventExecutionCompleted,
	}, s.eventTypes())

	assert.Equal(t, []models.ExecutionStatus{models.ExecutionCompleted}, s.statuses)
	assert.Equal(t, map[string]any{"value": 42}, s.snap.Steps["s1"].Result)
}

const routingYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: routing
  path: t/routing
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    case:
      - when: "{{ s1.x > 3 }}"
        then: s_hot
      - when: "{{ s1.x <= 3 }}"
        then: s_cold
  - step: s_hot
    next: end
  - step: s_cold
    next: end
  - step: end
`

func TestConditionalRoutingFirstMatchWins(t *testing.T) {
	s := newSim(t, routingYAML)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"x": 5})

	// s_hot is bare, so it completes inline as soon as it is scheduled.
	assert.Equal(t, state.StepCompleted, s.snap.Steps["s_hot"].Status)
	_, coldScheduled := s.snap.Steps["s_cold"]
	assert.False(t, coldScheduled, "s_cold must never start")
}

func TestConditionalRoutingOtherBranch(t *testing.T) {
	s := newSim(t, routingYAML)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"x": 2})

	_, hotScheduled := s.snap.Steps["s_hot"]
	assert.False(t, hotScheduled)
	assert.Equal(t, state.StepCompleted, s.snap.Steps["s_cold"].Status)
}

func TestNextThenFansOutToAllTargets(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: fanout
  path: t/fanout
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    next:
      - when: "{{ s1.x > 3 }}"
        then: [s_hot, s_audit]
      - when: "{{ s1.x <= 3 }}"
        then: [s_cold]
  - step: s_hot
  - step: s_audit
  - step: s_cold
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"x": 5})

	// The matching then edge schedules every listed target.
	assert.Equal(t, state.StepCompleted, s.snap.Steps["s_hot"].Status)
	assert.Equal(t, state.StepCompleted, s.snap.Steps["s_audit"].Status)
	_, coldScheduled := s.snap.Steps["s_cold"]
	assert.False(t, coldScheduled, "non-matching then edge must not fire")
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

const iteratorYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: iter
  path: t/iter
workbook:
  - name: upper
    type: http
    config:
      url: "https://api.example.com/{{ city }}"
workflow:
  - step: start
    next: fan
  - step: fan
    tool: iterator
    args:
      collection: "{{ cities }}"
      task: upper
      element: city
      mode: async
    next: end
  - step: end
`

func TestIteratorAsyncOutOfOrderFanIn(t *testing.T) {
	s := newSim(t, iteratorYAML)
	s.start(map[string]any{"cities": []any{"a", "b", "c"}})

	require.Len(t, s.queued, 3, "async mode enqueues every index at expansion")
	for i, entry := range s.queued {
		require.NotNil(t, entry.IteratorIndex)
		assert.Equal(t, i, *entry.IteratorIndex)
		assert.Equal(t, []any{"a", "b", "c"}[i], entry.ActionSpec.Context.Locals["city"])
	}

	// Completions arrive out of order: c, a, b.
	for _, i := range []int{2, 0, 1} {
		idx := i
		s.completeAction("fan", &idx, map[string]any{"city": []string{"A", "B", "C"}[i]})
	}

	st := s.snap.Steps["fan"]
	assert.Equal(t, state.StepCompleted, st.Status)
	results := st.Result.([]any)
	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].(map[string]any)["city"])
	assert.Equal(t, "B", results[1].(map[string]any)["city"])
	assert.Equal(t, "C", results[2].(map[string]any)["city"])
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestIteratorEmptyCollectionCompletesImmediately(t *testing.T) {
	s := newSim(t, iteratorYAML)
	s.start(map[string]any{"cities": []any{}})

	assert.Empty(t, s.queued)
	assert.Equal(t, state.StepCompleted, s.snap.Steps["fan"].Status)
	assert.Equal(t, []any{}, s.snap.Steps["fan"].Result)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestIteratorSequentialAdvancesOneAtATime(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: seq
  path: t/seq
workbook:
  - name: upper
    type: http
    config:
      url: "https://api.example.com/{{ item }}"
workflow:
  - step: start
    next: fan
  - step: fan
    tool: iterator
    args:
      collection: "{{ cities }}"
      task: upper
      mode: sequential
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(map[string]any{"cities": []any{"a", "b"}})

	require.Len(t, s.queued, 1, "sequential mode enqueues only index zero")

	idx0 := 0
	s.completeAction("fan", &idx0, "A")
	require.Len(t, s.queued, 2, "completing index 0 enqueues index 1")
	assert.Equal(t, 1, *s.queued[1].IteratorIndex)

	idx1 := 1
	s.completeAction("fan", &idx1, "B")
	assert.Equal(t, []any{"A", "B"}, s.snap.Steps["fan"].Result)
}

func TestIteratorIterationFailureFailsStep(t *testing.T) {
	s := newSim(t, iteratorYAML)
	s.start(map[string]any{"cities": []any{"a", "b"}})

	idx0, idx1 := 0, 1
	s.completeAction("fan", &idx0, "A")
	s.failAction("fan", &idx1, models.NewError(models.ErrorKindAction, "boom"), true)

	assert.Equal(t, state.StepFailed, s.snap.Steps["fan"].Status)
	assert.Equal(t, models.ExecutionFailed, s.snap.Status)
}

const subplaybookYAML = `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: parent
  path: t/parent
workflow:
  - step: start
    next: child
  - step: child
    tool: playbook
    args:
      path: t/child
      n: "{{ workload_n }}"
    next: end
  - step: end
`

func TestSubplaybookInvocationAndMirror(t *testing.T) {
	s := newSim(t, subplaybookYAML)
	s.start(map[string]any{"workload_n": 10})

	require.Len(t, s.children, 1)
	assert.Equal(t, "t/child", s.children[0].Path)
	assert.Equal(t, "child", s.children[0].ParentNodeID)
	assert.Zero(t, s.children[0].Version, "unpinned version resolves to latest")
	assert.Equal(t, 10, s.children[0].Payload["n"])

	// Applier appends subplaybook_invoked once the child exists.
	childID := int64(99)
	s.push(models.Event{
		EventType: models.EventSubplaybookInvoked,
		NodeID:    "child",
		Status:    models.EventStatusStarted,
		Payload:   models.JSONMap{models.PayloadChildExecutionID: childID},
	})
	assert.Equal(t, &childID, s.snap.Steps["child"].ChildExecutionID)
	assert.Equal(t, models.ExecutionRunning, s.snap.Status)

	// Child terminal mirrored back as subplaybook_completed.
	s.push(models.Event{
		EventType: models.EventSubplaybookCompleted,
		NodeID:    "child",
		Status:    models.EventStatusSuccess,
		Payload:   models.JSONMap{models.PayloadResult: map[string]any{"sum": 10}},
	})

	assert.Equal(t, map[string]any{"sum": 10}, s.snap.Steps["child"].Result)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestSubplaybookStartedReissuesInvocationUntilChildExists(t *testing.T) {
	s := newSim(t, subplaybookYAML)
	s.start(map[string]any{"workload_n": 10})
	require.Len(t, s.children, 1)

	var started *models.Event
	for i := range s.events {
		if s.events[i].EventType == models.EventStepStarted && s.events[i].NodeID == "child" {
			started = &s.events[i]
		}
	}
	require.NotNil(t, started)

	// A broker restarting before the child was created re-decides
	// step_started and issues the invocation again.
	effects := Decide(s.pb, s.snap, started, DefaultPolicy())
	require.Len(t, effects, 1)
	child, ok := effects[0].(StartChild)
	require.True(t, ok)
	assert.Equal(t, "t/child", child.Path)
	assert.Equal(t, 10, child.Payload["n"])

	// Once the child id is on record the same replay issues nothing.
	s.push(models.Event{
		EventType: models.EventSubplaybookInvoked,
		NodeID:    "child",
		Status:    models.EventStatusStarted,
		Payload:   models.JSONMap{models.PayloadChildExecutionID: int64(99)},
	})
	assert.Empty(t, Decide(s.pb, s.snap, started, DefaultPolicy()))
}

func TestStepFailureWithoutErrorRouteFailsExecution(t *testing.T) {
	s := newSim(t, linearYAML)
	s.start(nil)
	s.failAction("s1", nil, models.NewError(models.ErrorKindAction, "HTTP 500"), true)

	assert.Equal(t, models.ExecutionFailed, s.snap.Status)
	require.NotNil(t, s.snap.Error)
	assert.Equal(t, models.ErrorKindAction, s.snap.Error.Kind)
	assert.Equal(t, []models.ExecutionStatus{models.ExecutionFailed}, s.statuses)
}

func TestErrorRouteFiresOnMatchingKind(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: errroute
  path: t/errroute
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    next:
      - step: end
      - step: fallback
        when: "{{ error.kind == 'action_error' }}"
  - step: fallback
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.failAction("s1", nil, models.NewError(models.ErrorKindAction, "HTTP 404"), true)

	assert.Equal(t, state.StepCompleted, s.snap.Steps["fallback"].Status)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestNonFinalActionFailureLeavesStepAlone(t *testing.T) {
	s := newSim(t, linearYAML)
	s.start(nil)
	s.failAction("s1", nil, models.NewError(models.ErrorKindTransport, "conn reset"), false)

	assert.Equal(t, state.StepStarted, s.snap.Steps["s1"].Status)
	assert.Equal(t, models.ExecutionRunning, s.snap.Status)
}

func TestCancelledExecutionSwallowsLateEvents(t *testing.T) {
	s := newSim(t, linearYAML)
	s.start(nil)
	s.push(models.Event{
		EventType: models.EventExecutionFailed,
		Status:    models.EventStatusCancelled,
		Error:     models.NewError(models.ErrorKindCancelled, "execution cancelled"),
	})
	require.True(t, s.snap.Cancelled)

	queuedBefore := len(s.queued)
	s.completeAction("s1", nil, map[string]any{"x": 1})

	assert.Len(t, s.queued, queuedBefore, "no scheduling after cancellation")
	assert.Equal(t, models.ExecutionCancelled, s.snap.Status)
}

func TestVarsExtractionFeedsLaterConditions(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: vars
  path: t/vars
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    vars:
      status_code: "{{ result.status }}"
    next:
      - step: happy
        when: "{{ status_code == 200 }}"
      - step: sad
        when: "{{ status_code != 200 }}"
  - step: happy
    next: end
  - step: sad
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"status": 200})

	// variables_set carries the rendered var.
	var varsEvent *models.Event
	for i := range s.events {
		if s.events[i].EventType == models.EventVariablesSet && s.events[i].NodeID == "s1" {
			varsEvent = &s.events[i]
		}
	}
	require.NotNil(t, varsEvent)
	assert.Equal(t, 200, varsEvent.Payload[models.PayloadVars].(map[string]any)["status_code"])

	assert.Equal(t, state.StepCompleted, s.snap.Steps["happy"].Status)
	_, sadScheduled := s.snap.Steps["sad"]
	assert.False(t, sadScheduled)
}

func TestSaveBlockEnqueuesSyntheticEntry(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: save
  path: t/save
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    save:
      storage: postgres
      config:
        table: results
        payload: "{{ this.data }}"
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"rows": 3})

	var saveEntry *models.QueueEntry
	for i := range s.queued {
		if s.queued[i].NodeID == "s1"+saveSuffix {
			saveEntry = &s.queued[i]
		}
	}
	require.NotNil(t, saveEntry, "save block must enqueue a synthetic entry")
	assert.Equal(t, "postgres", saveEntry.ActionSpec.ActionKind)
	this := saveEntry.ActionSpec.Context.Locals["this"].(map[string]any)
	assert.Equal(t, map[string]any{"rows": 3}, this["data"])

	// Completing the save emits save_emitted against the producer.
	s.completeAction("s1"+saveSuffix, nil, map[string]any{"ok": true})
	types := s.eventTypes()
	assert.Contains(t, types, models.EventSaveEmitted)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestSaveFailureDoesNotRetroFailStep(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: savefail
  path: t/savefail
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    save:
      storage: postgres
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"rows": 3})
	s.failAction("s1"+saveSuffix, nil, models.NewError(models.ErrorKindAction, "table missing"), true)

	assert.Equal(t, state.StepCompleted, s.snap.Steps["s1"].Status)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestMissingNameInWhenDoesNotFire(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: missing
  path: t/missing
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    next:
      - step: never
        when: "{{ nonexistent_flag }}"
      - step: end
  - step: never
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{})

	_, scheduled := s.snap.Steps["never"]
	assert.False(t, scheduled)
	assert.Equal(t, models.ExecutionCompleted, s.snap.Status)
}

func TestTemplateErrorInInlineStepFailsStep(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: tmplerr
  path: t/tmplerr
workflow:
  - step: start
    tool: noop
    args:
      bad: "{{ missing_name }}"
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)

	assert.Equal(t, state.StepFailed, s.snap.Steps["start"].Status)
	assert.Equal(t, models.ExecutionFailed, s.snap.Status)
	require.NotNil(t, s.snap.Error)
	assert.Equal(t, models.ErrorKindTemplate, s.snap.Error.Kind)
}

func TestCaseDefaultFires(t *testing.T) {
	yaml := `
apiVersion: maestro/v1
kind: Playbook
metadata:
  name: casedefault
  path: t/casedefault
workflow:
  - step: start
    next: s1
  - step: s1
    tool: http
    args:
      url: "https://api.example.com"
    case:
      - when: "{{ s1.x > 100 }}"
        then: big
      - then: small
  - step: big
    next: end
  - step: small
    next: end
  - step: end
`
	s := newSim(t, yaml)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"x": 5})

	assert.Equal(t, state.StepCompleted, s.snap.Steps["small"].Status)
	_, bigScheduled := s.snap.Steps["big"]
	assert.False(t, bigScheduled)
}

func TestDecisionReplayIsIdempotent(t *testing.T) {
	s := newSim(t, linearYAML)
	s.start(nil)
	s.completeAction("s1", nil, map[string]any{"value": 42})
	require.Equal(t, models.ExecutionCompleted, s.snap.Status)

	// Re-deciding every event against the final snapshot produces no
	// new work: a restarted broker converges instead of duplicating.
	for i := range s.events {
		effects := Decide(s.pb, s.snap, &s.events[i], DefaultPolicy())
		for _, ef := range effects {
			_, isEnqueue := ef.(Enqueue)
			assert.False(t, isEnqueue, "replay must not enqueue")
			_, isChild := ef.(StartChild)
			assert.False(t, isChild, "replay must not start children")
		}
	}
}
