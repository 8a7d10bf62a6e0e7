// Package maintenance schedules the periodic sweeps: expiring stale share
// requests and reconciling images stuck before the processing pipeline.
// asynq's scheduler enqueues the tasks on a cron cadence and its server
// executes them with at-least-once semantics; both sweeps are idempotent.
package maintenance

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/ingest"
	"github.com/dstanner/shutterbox/internal/share"
)

const (
	// TaskExpireShares sweeps pending share requests past their TTL.
	TaskExpireShares = "maintenance:expire_shares"
	// TaskReconcileUploads re-publishes upload events for stuck images.
	TaskReconcileUploads = "maintenance:reconcile_uploads"
)

// Runner executes the maintenance tasks.
type Runner struct {
	engine      *share.Engine
	coordinator *ingest.Coordinator
	threshold   time.Duration
	log         *zap.SugaredLogger
}

// NewRunner constructs a Runner. threshold is how long an image may sit in a
// non-terminal state before reconciliation re-publishes it.
func NewRunner(engine *share.Engine, coordinator *ingest.Coordinator, threshold time.Duration, log *zap.SugaredLogger) *Runner {
	return &Runner{engine: engine, coordinator: coordinator, threshold: threshold, log: log}
}

// Handler registers the task handlers.
func (r *Runner) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskExpireShares, r.handleExpireShares)
	mux.HandleFunc(TaskReconcileUploads, r.handleReconcileUploads)
	return mux
}

func (r *Runner) handleExpireShares(ctx context.Context, _ *asynq.Task) error {
	count, err := r.engine.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		r.log.Infow("share expiry sweep finished", "expired", count)
	}
	return nil
}

func (r *Runner) handleReconcileUploads(ctx context.Context, _ *asynq.Task) error {
	published, err := r.coordinator.Reconcile(ctx, time.Now().UTC().Add(-r.threshold))
	if err != nil {
		return err
	}
	if published > 0 {
		r.log.Infow("upload reconcile sweep finished", "republished", published)
	}
	return nil
}

// NewScheduler registers the cron entries that enqueue the sweep tasks.
func NewScheduler(redis asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redis, nil)
	if _, err := scheduler.Register("@every 1h", asynq.NewTask(TaskExpireShares, nil)); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register("@every 10m", asynq.NewTask(TaskReconcileUploads, nil)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
