package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/maestro-run/maestro/pkg/action"
	"github.com/maestro-run/maestro/pkg/credential"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/queue"
	"github.com/maestro-run/maestro/pkg/template"
)

// maxRetryBackoff caps the exponential retry delay.
const maxRetryBackoff = 5 * time.Minute

// process runs one leased entry end to end. Outcomes are reported in
// a single transaction with the queue transition so a crash between
// the two cannot happen.
func (w *Worker) process(ctx context.Context, entry *models.QueueEntry) {
	log := slog.With(
		"worker_id", w.cfg.WorkerID,
		"queue_id", entry.QueueID,
		"execution_id", entry.ExecutionID,
		"node_id", entry.NodeID,
		"attempt", entry.AttemptCount)

	if err := w.appendStarted(ctx, entry); err != nil {
		log.Error("Recording action_started failed", "error", err)
		return
	}

	red := credential.NewRedactor()

	cfg, serr := w.renderSpec(entry)
	if serr != nil {
		w.reportFailure(ctx, entry, nil, serr, red, log)
		return
	}

	creds, serr := w.resolveCredentials(ctx, entry, red)
	if serr != nil {
		w.reportFailure(ctx, entry, nil, serr, red, log)
		return
	}

	act, ok := w.registry.Get(entry.ActionSpec.ActionKind)
	if !ok {
		w.reportFailure(ctx, entry, nil, models.NewError(models.ErrorKindValidation,
			"unknown action kind "+entry.ActionSpec.ActionKind), red, log)
		return
	}

	timeout := time.Duration(entry.ActionSpec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	inv := &action.Invocation{
		ExecutionID:   entry.ExecutionID,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Config:        cfg,
		Credentials:   creds,
		Timeout:       timeout,
		Progress: func(kind string, payload map[string]any) {
			w.emitProgress(ctx, entry, red, kind, payload)
		},
	}

	invCtx, cancelInv := context.WithTimeout(ctx, timeout)
	defer cancelInv()

	// The heartbeat keeps the lease alive for long actions. Losing the
	// lease cancels the invocation: another owner (or the reaper) has
	// taken over reporting.
	var leaseLost atomic.Bool
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go w.heartbeat(entry.QueueID, cancelInv, &leaseLost, hbStop, hbDone)

	start := time.Now()
	result, invErr := act.Invoke(invCtx, inv)
	metrics.ActionDuration.WithLabelValues(entry.ActionSpec.ActionKind).
		Observe(time.Since(start).Seconds())

	close(hbStop)
	<-hbDone

	if leaseLost.Load() {
		log.Warn("Lease lost mid-action, dropping result")
		return
	}
	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire so the attempt is
		// not consumed.
		log.Info("Abandoning action on shutdown")
		return
	}

	if invErr != nil {
		serr := action.Classify(invErr, entry.AttemptCount)
		serr.Message = red.String(serr.Message)
		w.reportFailure(ctx, entry, &retryInfo{act: act, inv: inv}, serr, red, log)
		return
	}

	w.reportSuccess(ctx, entry, result, red, log)
}

func (w *Worker) appendStarted(ctx context.Context, entry *models.QueueEntry) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = w.events.Append(ctx, tx, &models.Event{
		ExecutionID:   entry.ExecutionID,
		EventType:     models.EventActionStarted,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        models.EventStatusStarted,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// emitProgress appends an informational action_progress event. Best
// effort: a failed append never interrupts the running action. The
// payload passes through the redactor like every other outbound value.
func (w *Worker) emitProgress(ctx context.Context, entry *models.QueueEntry, red *credential.Redactor, kind string, payload map[string]any) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Warn("Recording action progress failed", "queue_id", entry.QueueID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	_, err = w.events.Append(ctx, tx, &models.Event{
		ExecutionID:   entry.ExecutionID,
		EventType:     models.EventActionProgress,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        models.EventStatusStarted,
		Payload: models.JSONMap{
			models.PayloadProgress: kind,
			models.PayloadData:     red.Value(payload),
		},
	})
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		slog.Warn("Recording action progress failed", "queue_id", entry.QueueID, "error", err)
	}
}

// renderSpec renders the action config and step args against the
// context captured at scheduling time. Args override config keys, so
// a step can specialize its workbook task.
func (w *Worker) renderSpec(entry *models.QueueEntry) (map[string]any, *models.StructuredError) {
	tctx := template.NewContext(entry.ActionSpec.Context)

	cfg, err := template.RenderMap(entry.ActionSpec.Config, tctx)
	if err != nil {
		return nil, structuredFrom(err)
	}
	args, err := template.RenderMap(entry.ActionSpec.Args, tctx)
	if err != nil {
		return nil, structuredFrom(err)
	}
	if cfg == nil {
		return args, nil
	}
	merged := make(map[string]any, len(cfg)+len(args))
	for k, v := range cfg {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged, nil
}

// resolveCredentials loads every referenced credential and registers
// its secret material with the redactor before the action runs.
func (w *Worker) resolveCredentials(ctx context.Context, entry *models.QueueEntry, red *credential.Redactor) (map[string]*models.Credential, *models.StructuredError) {
	if len(entry.ActionSpec.Auth) == 0 {
		return nil, nil
	}
	out := make(map[string]*models.Credential, len(entry.ActionSpec.Auth))
	for _, name := range entry.ActionSpec.Auth {
		c, err := w.creds.Get(ctx, name)
		if err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				return nil, models.NewError(models.ErrorKindAuth,
					"credential "+name+" is not configured")
			}
			return nil, models.NewError(models.ErrorKindTransport, err.Error())
		}
		red.Track(c.Payload)
		out[name] = c
	}
	return out, nil
}

func (w *Worker) heartbeat(queueID int64, cancelInv context.CancelFunc, lost *atomic.Bool, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(context.Background(), queueID, w.cfg.WorkerID, w.cfg.LeaseDuration)
			if errors.Is(err, queue.ErrLeaseLost) {
				lost.Store(true)
				cancelInv()
				return
			}
			if err != nil {
				slog.Warn("Heartbeat failed", "queue_id", queueID, "error", err)
			}
		}
	}
}

// reportSuccess acks the entry and appends action_completed in one
// transaction. The result passes through the redactor first.
func (w *Worker) reportSuccess(ctx context.Context, entry *models.QueueEntry, result *action.Result, red *credential.Redactor, log *slog.Logger) {
	var data any
	if result != nil {
		data = red.Value(result.Data)
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		log.Error("Reporting success failed", "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if err := w.queue.Ack(ctx, tx, entry.QueueID, w.cfg.WorkerID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("Lease lost before ack, dropping result")
			return
		}
		log.Error("Ack failed", "error", err)
		return
	}
	_, err = w.events.Append(ctx, tx, &models.Event{
		ExecutionID:   entry.ExecutionID,
		EventType:     models.EventActionCompleted,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        models.EventStatusSuccess,
		Payload:       models.JSONMap{models.PayloadResult: data},
	})
	if err != nil {
		log.Error("Appending action_completed failed", "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error("Reporting success failed", "error", err)
		return
	}
	metrics.ActionsExecuted.WithLabelValues(entry.ActionSpec.ActionKind, "success").Inc()
	log.Info("Action completed")
}

// retryInfo carries what the retry decision needs when the failure
// came from an actual invocation (pre-invocation failures never
// retry).
type retryInfo struct {
	act action.Action
	inv *action.Invocation
}

// reportFailure either requeues the entry with backoff or marks it
// terminally failed, appending action_failed either way. Only the
// terminal event carries final=true; the broker ignores the rest.
func (w *Worker) reportFailure(ctx context.Context, entry *models.QueueEntry, ri *retryInfo, serr *models.StructuredError, red *credential.Redactor, log *slog.Logger) {
	serr.AttemptCount = entry.AttemptCount
	serr.Message = red.String(serr.Message)

	retry := w.shouldRetry(entry, ri, serr)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		log.Error("Reporting failure failed", "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	final := true
	if retry {
		nacked, err := w.queue.Nack(ctx, tx, entry.QueueID, w.cfg.WorkerID,
			w.retryBackoff(entry.AttemptCount))
		if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrNotFound) {
			log.Warn("Lease lost before nack, dropping failure", "error", serr)
			return
		}
		if err != nil {
			log.Error("Nack failed", "error", err)
			return
		}
		final = nacked.Status == models.QueueDead
	} else {
		if err := w.queue.Fail(ctx, tx, entry.QueueID, w.cfg.WorkerID); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("Lease lost before fail, dropping failure", "error", serr)
				return
			}
			log.Error("Marking entry failed failed", "error", err)
			return
		}
	}

	_, err = w.events.Append(ctx, tx, &models.Event{
		ExecutionID:   entry.ExecutionID,
		EventType:     models.EventActionFailed,
		NodeID:        entry.NodeID,
		IteratorIndex: entry.IteratorIndex,
		AttemptCount:  entry.AttemptCount,
		Status:        models.EventStatusFailed,
		Payload:       models.JSONMap{models.PayloadFinal: final},
		Error:         serr,
	})
	if err != nil {
		log.Error("Appending action_failed failed", "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error("Reporting failure failed", "error", err)
		return
	}
	metrics.ActionsExecuted.WithLabelValues(entry.ActionSpec.ActionKind, "failure").Inc()
	log.Warn("Action failed", "final", final, "kind", serr.Kind, "error", serr.Message)
}

// shouldRetry decides whether the failure gets another attempt.
// Transport failures and timeouts retry by classification; other
// errors retry only when the action vouches that repeating it cannot
// duplicate a side effect.
func (w *Worker) shouldRetry(entry *models.QueueEntry, ri *retryInfo, serr *models.StructuredError) bool {
	if entry.AttemptCount >= entry.MaxAttempts {
		return false
	}
	if serr.Kind == models.ErrorKindCancelled {
		return false
	}
	if serr.Retryable {
		return true
	}
	return ri != nil && ri.act.SafelyRetryable(ri.inv)
}

// retryBackoff grows exponentially with the attempt number, with a
// +/-20% jitter so synchronized failures do not retry in lockstep.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	d := w.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			d = maxRetryBackoff
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	out := time.Duration(float64(d) * jitter)
	if out > maxRetryBackoff {
		out = maxRetryBackoff
	}
	return out
}

func structuredFrom(err error) *models.StructuredError {
	var serr *models.StructuredError
	if errors.As(err, &serr) {
		return serr
	}
	type structured interface{ Structured() *models.StructuredError }
	var s structured
	if errors.As(err, &s) {
		return s.Structured()
	}
	return models.NewError(models.ErrorKindTemplate, err.Error())
}
