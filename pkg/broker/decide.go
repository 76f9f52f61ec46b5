package broker

import (
	"fmt"
	"strings"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/playbook"
	"github.com/maestro-run/maestro/pkg/state"
	"github.com/maestro-run/maestro/pkg/template"
)

// saveSuffix marks the synthetic queue node for a step's save block.
const saveSuffix = ":save"

// defaultElementName binds iterator elements when the step config
// does not name one.
const defaultElementName = "item"

// Policy carries the scheduling defaults the decision core needs.
type Policy struct {
	// DefaultMaxAttempts applies when neither the step config nor
	// PerKindAttempts says otherwise. Retries are opt-in.
	DefaultMaxAttempts int

	// PerKindAttempts overrides max attempts per action kind.
	PerKindAttempts map[string]int

	// DefaultTimeoutSec is the per-action deadline when the step does
	// not set one.
	DefaultTimeoutSec int
}

// DefaultPolicy matches the documented defaults: one attempt unless a
// kind opts in, five minute action deadline.
func DefaultPolicy() Policy {
	return Policy{
		DefaultMaxAttempts: 1,
		PerKindAttempts: map[string]int{
			playbook.KindHTTP:     3,
			playbook.KindPostgres: 3,
		},
		DefaultTimeoutSec: 300,
	}
}

// MaxAttempts resolves the attempt budget for an action kind.
func (p Policy) MaxAttempts(kind string) int {
	if n, ok := p.PerKindAttempts[kind]; ok && n > 0 {
		return n
	}
	if p.DefaultMaxAttempts > 0 {
		return p.DefaultMaxAttempts
	}
	return 1
}

// Decide is the scheduler's pure core. Given the playbook, the
// snapshot with e already folded in, and the event e itself, it
// returns the effects that advance the execution. It never performs
// I/O; the applier runs the effects in one transaction.
func Decide(pb *playbook.Playbook, snap *state.Snapshot, e *models.Event, policy Policy) []Effect {
	d := &decider{pb: pb, snap: snap, policy: policy}

	// A cancelled execution accepts no further scheduling. Terminal
	// events from still-leased work are recorded upstream but ignored.
	if snap.Cancelled {
		return nil
	}

	switch e.EventType {
	case models.EventExecutionStart:
		return d.schedule(playbook.StartStep, nil)

	case models.EventStepStarted:
		return d.onStepStarted(e)

	case models.EventActionCompleted:
		return d.onActionCompleted(e)

	case models.EventActionFailed:
		return d.onActionFailed(e)

	case models.EventStepCompleted, models.EventIteratorCompleted:
		return d.onStepCompleted(e.NodeID)

	case models.EventStepFailed:
		return d.onStepFailed(e.NodeID)

	case models.EventSubplaybookCompleted:
		if e.Status == models.EventStatusFailed {
			return d.onStepFailed(e.NodeID)
		}
		return d.onStepCompleted(e.NodeID)

	case models.EventIteratorIterationCompleted:
		return d.onIteration(e)
	}
	return nil
}

type decider struct {
	pb     *playbook.Playbook
	snap   *state.Snapshot
	policy Policy
}

func (d *decider) ctx() *template.Context {
	return template.NewContext(d.snap.RenderContext(nil))
}

// schedule makes a pending step started: it appends step_started and
// the kind-specific follow-up effects. Steps already started or
// terminal are left alone, which makes fan-in re-decisions no-ops.
func (d *decider) schedule(name string, locals map[string]any) []Effect {
	step := d.pb.StepByName(name)
	if step == nil {
		return d.failExecution(name, models.NewError(models.ErrorKindValidation,
			fmt.Sprintf("route target %q is not a workflow step", name)))
	}
	if st, ok := d.snap.Steps[name]; ok && st.Status != state.StepPending {
		return nil
	}

	var effects []Effect
	if len(locals) > 0 {
		effects = append(effects, AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventVariablesSet,
			NodeID:      name,
			Status:      models.EventStatusSuccess,
			Payload:     models.JSONMap{models.PayloadVars: locals},
		}})
	}
	effects = append(effects, AppendEvent{Event: models.Event{
		ExecutionID: d.snap.ExecutionID,
		EventType:   models.EventStepStarted,
		NodeID:      name,
		Status:      models.EventStatusStarted,
	}})

	kind := d.pb.ActionKind(step)
	switch kind {
	case "", playbook.KindNoop:
		return append(effects, d.completeInline(step, locals)...)
	case playbook.KindIterator:
		return append(effects, d.expandIterator(step, locals)...)
	case playbook.KindPlaybook:
		// The follow-up decision on step_started issues the child
		// invocation, so a crash between the step_started commit and
		// the child's creation re-issues it on replay.
		return effects
	default:
		return append(effects, Enqueue{Entry: d.entryFor(step, kind, locals, nil)})
	}
}

// completeInline finishes a structural (noop) step without a worker
// round-trip: its result is its rendered args.
func (d *decider) completeInline(step *playbook.Step, locals map[string]any) []Effect {
	result, err := template.RenderMap(step.Args, d.ctx().WithLocals(locals))
	if err != nil {
		return d.failStep(step.Name, templateError(err))
	}
	var payload models.JSONMap
	if len(result) > 0 {
		payload = models.JSONMap{models.PayloadResult: result}
	}
	return []Effect{AppendEvent{Event: models.Event{
		ExecutionID: d.snap.ExecutionID,
		EventType:   models.EventStepCompleted,
		NodeID:      step.Name,
		Status:      models.EventStatusSuccess,
		Payload:     payload,
	}}}
}

// entryFor builds the queue entry for a worker-executed step. The
// render context is captured now; the worker renders args against it
// at execution time and must obtain the same values the broker would.
func (d *decider) entryFor(step *playbook.Step, kind string, locals map[string]any, iterIdx *int) models.QueueEntry {
	cfg := d.pb.ActionConfig(step)
	rc := d.snap.RenderContext(locals)
	spec := models.ActionSpec{
		ActionKind: kind,
		Config:     cfg,
		Args:       step.Args,
		Context:    rc,
		Auth:       d.authFor(step),
		Pool:       cfgString(cfg, "pool"),
		Runtime:    cfgString(cfg, "runtime"),
		TimeoutSec: d.timeoutFor(cfg),
	}
	if step.Save != nil {
		spec.Save = &models.SaveSpec{Storage: step.Save.Storage, Config: step.Save.Config}
	}
	return models.QueueEntry{
		ExecutionID:   d.snap.ExecutionID,
		NodeID:        step.Name,
		IteratorIndex: iterIdx,
		ActionSpec:    spec,
		MaxAttempts:   d.maxAttemptsFor(cfg, kind),
	}
}

// authFor collects the step's credential references, translating
// keychain entry names to the stored credential names workers resolve.
func (d *decider) authFor(step *playbook.Step) []string {
	names := append([]string(nil), step.Auth...)
	if t := d.pb.TaskByName(step.TaskRef); t != nil {
		names = append(names, t.Auth...)
	}
	return d.translateAuth(names)
}

func (d *decider) translateAuth(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, d.resolveKeychain(name))
	}
	return out
}

func (d *decider) resolveKeychain(name string) string {
	for _, e := range d.pb.Keychain {
		if e.Name == name && e.Credential != "" {
			return e.Credential
		}
	}
	return name
}

func (d *decider) timeoutFor(cfg map[string]any) int {
	if n := cfgInt(cfg, "timeout"); n > 0 {
		return n
	}
	return d.policy.DefaultTimeoutSec
}

func (d *decider) maxAttemptsFor(cfg map[string]any, kind string) int {
	if n := cfgInt(cfg, "max_attempts"); n > 0 {
		return n
	}
	return d.policy.MaxAttempts(kind)
}

// expandIterator renders the collection and fans the inner task out.
// Async mode enqueues everything now; sequential mode enqueues index
// zero and advances on each iteration completion.
func (d *decider) expandIterator(step *playbook.Step, locals map[string]any) []Effect {
	cfg := d.pb.ActionConfig(step)
	rendered, err := template.RenderString(cfgString(cfg, "collection"), d.ctx().WithLocals(locals))
	if err != nil {
		return d.failStep(step.Name, templateError(err))
	}
	items, ok := rendered.([]any)
	if !ok {
		return d.failStep(step.Name, models.NewError(models.ErrorKindValidation,
			fmt.Sprintf("iterator collection rendered to %T, want a sequence", rendered)))
	}
	mode := cfgString(cfg, "mode")
	if mode == "" {
		mode = "async"
	}

	effects := []Effect{AppendEvent{Event: models.Event{
		ExecutionID: d.snap.ExecutionID,
		EventType:   models.EventIteratorExpanded,
		NodeID:      step.Name,
		Status:      models.EventStatusSuccess,
		Payload: models.JSONMap{
			models.PayloadCount: len(items),
			models.PayloadMode:  mode,
			models.PayloadItems: items,
		},
	}}}

	if len(items) == 0 {
		// Empty collection completes immediately with an empty list.
		return append(effects, AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventIteratorCompleted,
			NodeID:      step.Name,
			Status:      models.EventStatusSuccess,
			Payload:     models.JSONMap{models.PayloadResult: []any{}},
		}})
	}

	last := len(items)
	if mode == "sequential" {
		last = 1
	}
	for i := 0; i < last; i++ {
		entry, serr := d.iterationEntry(step, items, i)
		if serr != nil {
			return d.failStep(step.Name, serr)
		}
		effects = append(effects, Enqueue{Entry: *entry})
	}
	return effects
}

// iterationEntry builds the queue entry for one iterator index,
// binding the element and its index as local context.
func (d *decider) iterationEntry(step *playbook.Step, items []any, idx int) (*models.QueueEntry, *models.StructuredError) {
	cfg := d.pb.ActionConfig(step)
	taskName := cfgString(cfg, "task")
	task := d.pb.TaskByName(taskName)
	if task == nil {
		return nil, models.NewError(models.ErrorKindValidation,
			fmt.Sprintf("iterator %s references unknown task %q", step.Name, taskName))
	}
	elementName := cfgString(cfg, "element")
	if elementName == "" {
		elementName = defaultElementName
	}

	i := idx
	rc := d.snap.RenderContext(map[string]any{
		elementName: items[idx],
		"index":     idx,
	})
	return &models.QueueEntry{
		ExecutionID:   d.snap.ExecutionID,
		NodeID:        step.Name,
		IteratorIndex: &i,
		ActionSpec: models.ActionSpec{
			ActionKind: task.Kind,
			Config:     task.Config,
			Context:    rc,
			Auth:       d.translateAuth(append(append([]string(nil), step.Auth...), task.Auth...)),
			Pool:       cfgString(task.Config, "pool"),
			Runtime:    cfgString(task.Config, "runtime"),
			TimeoutSec: d.timeoutFor(task.Config),
		},
		MaxAttempts: d.maxAttemptsFor(task.Config, task.Kind),
	}, nil
}

// onStepStarted issues the child invocation for sub-playbook steps.
// Deciding the same step_started again is safe: once the child exists
// the snapshot carries its id and nothing is re-issued, and the
// creation itself is guarded by the child uniqueness index.
func (d *decider) onStepStarted(e *models.Event) []Effect {
	step := d.pb.StepByName(e.NodeID)
	st, ok := d.snap.Steps[e.NodeID]
	if step == nil || !ok || st.Status.Terminal() || st.ChildExecutionID != nil {
		return nil
	}
	if d.pb.ActionKind(step) != playbook.KindPlaybook {
		return nil
	}
	return d.invokeSubplaybook(step)
}

// invokeSubplaybook renders the child's input payload and requests a
// child execution. The step stays started until the child's terminal
// event is mirrored back. Edge args are already folded into the
// variables layer by the time the step starts.
func (d *decider) invokeSubplaybook(step *playbook.Step) []Effect {
	cfg := d.pb.ActionConfig(step)
	path := cfgString(cfg, "path")
	payload, err := template.RenderMap(step.Args, d.ctx())
	if err != nil {
		return d.failStep(step.Name, templateError(err))
	}
	return []Effect{StartChild{
		ParentExecutionID: d.snap.ExecutionID,
		ParentNodeID:      step.Name,
		Path:              path,
		Version:           cfgInt(cfg, "version"),
		Payload:           payload,
	}}
}

// onActionCompleted translates a worker success into the step-level
// event the fold understands.
func (d *decider) onActionCompleted(e *models.Event) []Effect {
	if producer, ok := strings.CutSuffix(e.NodeID, saveSuffix); ok {
		return []Effect{AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventSaveEmitted,
			NodeID:      producer,
			Status:      models.EventStatusSuccess,
			Payload:     models.JSONMap{models.PayloadResult: e.Payload[models.PayloadResult]},
		}}}
	}
	if e.IteratorIndex != nil {
		return []Effect{AppendEvent{Event: models.Event{
			ExecutionID:   d.snap.ExecutionID,
			EventType:     models.EventIteratorIterationCompleted,
			NodeID:        e.NodeID,
			IteratorIndex: e.IteratorIndex,
			AttemptCount:  e.AttemptCount,
			Status:        models.EventStatusSuccess,
			Payload:       models.JSONMap{models.PayloadResult: e.Payload[models.PayloadResult]},
		}}}
	}
	if st, ok := d.snap.Steps[e.NodeID]; ok && st.Status.Terminal() {
		return nil
	}
	return []Effect{AppendEvent{Event: models.Event{
		ExecutionID: d.snap.ExecutionID,
		EventType:   models.EventStepCompleted,
		NodeID:      e.NodeID,
		Status:      models.EventStatusSuccess,
		Payload:     models.JSONMap{models.PayloadResult: e.Payload[models.PayloadResult]},
	}}}
}

// onActionFailed reacts only to final failures: the worker retries
// transient ones through the queue and marks the last attempt final.
func (d *decider) onActionFailed(e *models.Event) []Effect {
	if final, _ := e.Payload[models.PayloadFinal].(bool); !final {
		return nil
	}
	if producer, ok := strings.CutSuffix(e.NodeID, saveSuffix); ok {
		// Save failures are recorded; the producing step keeps its
		// result.
		return []Effect{AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventSaveEmitted,
			NodeID:      producer,
			Status:      models.EventStatusFailed,
			Error:       e.Error,
		}}}
	}
	if e.IteratorIndex != nil {
		return []Effect{AppendEvent{Event: models.Event{
			ExecutionID:   d.snap.ExecutionID,
			EventType:     models.EventIteratorIterationCompleted,
			NodeID:        e.NodeID,
			IteratorIndex: e.IteratorIndex,
			AttemptCount:  e.AttemptCount,
			Status:        models.EventStatusFailed,
			Error:         e.Error,
		}}}
	}
	if st, ok := d.snap.Steps[e.NodeID]; ok && st.Status.Terminal() {
		return nil
	}
	return d.failStep(e.NodeID, e.Error)
}

// onIteration advances a sequential iterator and closes the fan-in
// once every index is terminal.
func (d *decider) onIteration(e *models.Event) []Effect {
	step := d.pb.StepByName(e.NodeID)
	st, ok := d.snap.Steps[e.NodeID]
	if step == nil || !ok || st.Iterator == nil || st.Status.Terminal() {
		return nil
	}
	it := st.Iterator

	if it.AllDone() {
		if len(it.Errors) > 0 {
			return d.failStep(e.NodeID, firstIterationError(it))
		}
		// Results fan in preserving original index order regardless of
		// completion order.
		return []Effect{AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventIteratorCompleted,
			NodeID:      e.NodeID,
			Status:      models.EventStatusSuccess,
			Payload:     models.JSONMap{models.PayloadResult: it.OrderedResults()},
		}}}
	}

	if it.Mode == "sequential" && e.IteratorIndex != nil {
		next := *e.IteratorIndex + 1
		if next < it.Cardinality {
			entry, serr := d.iterationEntry(step, it.Items, next)
			if serr != nil {
				return d.failStep(e.NodeID, serr)
			}
			return []Effect{Enqueue{Entry: *entry}}
		}
	}
	return nil
}

// onStepCompleted runs the post-terminal pipeline: vars extraction,
// save emission, routing, and termination.
func (d *decider) onStepCompleted(name string) []Effect {
	step := d.pb.StepByName(name)
	st, ok := d.snap.Steps[name]
	if step == nil || !ok {
		return nil
	}

	var effects []Effect

	// vars render with the reserved name `result` bound to the step's
	// result; later steps read them through the variables layer.
	extracted := map[string]any{}
	if len(step.Vars) > 0 {
		rendered, err := template.RenderMap(step.Vars, d.ctx().WithLocal("result", st.Result))
		if err != nil {
			return d.failExecution(name, templateError(err))
		}
		extracted = rendered
		effects = append(effects, AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventVariablesSet,
			NodeID:      name,
			Status:      models.EventStatusSuccess,
			Payload:     models.JSONMap{models.PayloadVars: extracted},
		}})
	}

	if step.Save != nil {
		effects = append(effects, Enqueue{Entry: d.saveEntry(step, st.Result)})
	}

	if name == playbook.EndStep {
		return append(effects, d.completeExecution(st.Result)...)
	}

	evalCtx := d.ctx().WithLocals(extracted).WithLocal("result", st.Result)
	fired := d.route(step, evalCtx)
	for _, f := range fired {
		args, err := template.RenderMap(f.args, evalCtx)
		if err != nil {
			return append(effects, d.failExecution(name, templateError(err))...)
		}
		effects = append(effects, d.schedule(f.target, args)...)
	}

	if len(fired) == 0 && !d.anyStepActive() {
		// Nothing fired and nothing is in flight: the workflow has no
		// continuation, so it completes here.
		return append(effects, d.completeExecution(st.Result)...)
	}
	return effects
}

// onStepFailed tries the step's error routes; an unhandled failure
// fails the execution.
func (d *decider) onStepFailed(name string) []Effect {
	step := d.pb.StepByName(name)
	st, ok := d.snap.Steps[name]
	if step == nil || !ok {
		return nil
	}

	evalCtx := d.ctx().WithLocal("error", errorMap(st.Error))
	fired := d.routeConditional(step, evalCtx)
	if len(fired) == 0 {
		return d.failExecution(name, st.Error)
	}
	var effects []Effect
	for _, f := range fired {
		args, err := template.RenderMap(f.args, evalCtx)
		if err != nil {
			return d.failExecution(name, templateError(err))
		}
		effects = append(effects, d.schedule(f.target, args)...)
	}
	return effects
}

type firing struct {
	target string
	args   map[string]any
}

// route evaluates a completed step's outbound edges: case edges in
// order, first match wins; unconditional next edges fire only when no
// case matched; conditional next edges fire whenever true. Missing
// names in a when make the edge not fire, never an error.
func (d *decider) route(step *playbook.Step, evalCtx *template.Context) []firing {
	var fired []firing
	caseMatched := false
	for _, e := range step.Case {
		ok, err := template.EvalWhen(e.When, evalCtx)
		if err != nil || !ok {
			continue
		}
		caseMatched = true
		for _, target := range e.Then {
			fired = append(fired, firing{target: target, args: e.Args})
		}
		break
	}
	for _, e := range step.Next {
		if e.When == "" {
			if caseMatched {
				continue
			}
			fired = append(fired, firing{target: e.Step, args: e.Args})
			continue
		}
		if ok, err := template.EvalWhen(e.When, evalCtx); err == nil && ok {
			fired = append(fired, firing{target: e.Step, args: e.Args})
		}
	}
	return fired
}

// routeConditional is the failure variant: only edges with an
// explicit when participate; unconditional edges are success paths.
func (d *decider) routeConditional(step *playbook.Step, evalCtx *template.Context) []firing {
	var fired []firing
	for _, e := range step.Case {
		if e.When == "" {
			continue
		}
		if ok, err := template.EvalWhen(e.When, evalCtx); err == nil && ok {
			for _, target := range e.Then {
				fired = append(fired, firing{target: target, args: e.Args})
			}
			break
		}
	}
	for _, e := range step.Next {
		if e.When == "" {
			continue
		}
		if ok, err := template.EvalWhen(e.When, evalCtx); err == nil && ok {
			fired = append(fired, firing{target: e.Step, args: e.Args})
		}
	}
	return fired
}

// saveEntry builds the synthetic queue entry for a save block, with
// the reserved name this.data bound to the producing step's result.
func (d *decider) saveEntry(step *playbook.Step, stepResult any) models.QueueEntry {
	rc := d.snap.RenderContext(map[string]any{
		"this": map[string]any{"data": stepResult},
	})
	return models.QueueEntry{
		ExecutionID: d.snap.ExecutionID,
		NodeID:      step.Name + saveSuffix,
		ActionSpec: models.ActionSpec{
			ActionKind: step.Save.Storage,
			Config:     step.Save.Config,
			Context:    rc,
			Auth:       d.authFor(step),
			TimeoutSec: d.timeoutFor(step.Save.Config),
		},
		MaxAttempts: d.maxAttemptsFor(step.Save.Config, step.Save.Storage),
	}
}

func (d *decider) anyStepActive() bool {
	for _, st := range d.snap.Steps {
		if st.Status == state.StepStarted {
			return true
		}
	}
	return false
}

func (d *decider) completeExecution(finalResult any) []Effect {
	var payload models.JSONMap
	if finalResult != nil {
		payload = models.JSONMap{models.PayloadResult: finalResult}
	}
	return []Effect{
		AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventExecutionCompleted,
			Status:      models.EventStatusSuccess,
			Payload:     payload,
		}},
		SetStatus{ExecutionID: d.snap.ExecutionID, Status: models.ExecutionCompleted},
	}
}

// failStep appends step_failed; the follow-up decision on that event
// runs error routing.
func (d *decider) failStep(name string, serr *models.StructuredError) []Effect {
	return []Effect{AppendEvent{Event: models.Event{
		ExecutionID: d.snap.ExecutionID,
		EventType:   models.EventStepFailed,
		NodeID:      name,
		Status:      models.EventStatusFailed,
		Error:       serr,
	}}}
}

// failExecution records the offending step and error and terminates.
func (d *decider) failExecution(step string, serr *models.StructuredError) []Effect {
	return []Effect{
		AppendEvent{Event: models.Event{
			ExecutionID: d.snap.ExecutionID,
			EventType:   models.EventExecutionFailed,
			Status:      models.EventStatusFailed,
			Payload:     models.JSONMap{models.PayloadStep: step},
			Error:       serr,
		}},
		SetStatus{ExecutionID: d.snap.ExecutionID, Status: models.ExecutionFailed},
	}
}

func firstIterationError(it *state.IteratorState) *models.StructuredError {
	for i := 0; i < it.Cardinality; i++ {
		if serr, ok := it.Errors[i]; ok && serr != nil {
			return serr
		}
	}
	return models.NewError(models.ErrorKindAction, "iteration failed")
}

func templateError(err error) *models.StructuredError {
	if serr, ok := err.(*models.StructuredError); ok {
		return serr
	}
	type structured interface{ Structured() *models.StructuredError }
	if s, ok := err.(structured); ok {
		return s.Structured()
	}
	return models.NewError(models.ErrorKindTemplate, err.Error())
}

func errorMap(serr *models.StructuredError) map[string]any {
	if serr == nil {
		return map[string]any{}
	}
	return map[string]any{
		"kind":          string(serr.Kind),
		"message":       serr.Message,
		"source_system": serr.SourceSystem,
		"retryable":     serr.Retryable,
		"attempt_count": serr.AttemptCount,
	}
}

func cfgString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return s
}

func cfgInt(cfg map[string]any, key string) int {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
