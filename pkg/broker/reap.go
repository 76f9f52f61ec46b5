package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

func (b *Broker) reapLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.reapOnce(ctx); err != nil {
				slog.Error("Lease reap failed", "error", err)
			}
			b.publishQueueDepth(ctx)
		}
	}
}

// reapOnce reclaims expired leases. Requeued entries get redelivered
// after the backoff; entries whose attempts are exhausted go dead and
// a final action_failed is appended so the decision loop fails the
// step with dead_letter.
func (b *Broker) reapOnce(ctx context.Context) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	requeued, dead, err := b.queue.Reap(ctx, tx, time.Now().UTC(), b.cfg.ReapBackoff)
	if err != nil {
		return err
	}
	for i := range dead {
		entry := &dead[i]
		serr := models.NewError(models.ErrorKindDeadLetter,
			"lease expired and attempts exhausted")
		serr.AttemptCount = entry.AttemptCount
		_, err := b.events.Append(ctx, tx, &models.Event{
			ExecutionID:   entry.ExecutionID,
			EventType:     models.EventActionFailed,
			NodeID:        entry.NodeID,
			IteratorIndex: entry.IteratorIndex,
			AttemptCount:  entry.AttemptCount,
			Status:        models.EventStatusFailed,
			Payload:       models.JSONMap{models.PayloadFinal: true},
			Error:         serr,
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if requeued > 0 || len(dead) > 0 {
		metrics.QueueReaped.WithLabelValues("requeued").Add(float64(requeued))
		metrics.QueueReaped.WithLabelValues("dead").Add(float64(len(dead)))
		slog.Info("Reaped expired leases", "requeued", requeued, "dead", len(dead))
	}
	return nil
}

func (b *Broker) publishQueueDepth(ctx context.Context) {
	depth, err := b.queue.Depth(ctx)
	if err != nil {
		slog.Warn("Queue depth scan failed", "error", err)
		return
	}
	for _, status := range []models.QueueStatus{
		models.QueueReady, models.QueueLeased, models.QueueCompleted,
		models.QueueFailed, models.QueueDead,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(depth[status]))
	}
}
