package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"synthetic-data-orchestrator/internal/config"
	"synthetic-data-orchestrator/internal/dataset"
	"synthetic-data-orchestrator/internal/ledger"
	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/queue"
	"synthetic-data-orchestrator/internal/scheduler"
	"synthetic-data-orchestrator/internal/store"
	"synthetic-data-orchestrator/internal/telemetry"
)

// Runner drives the worker execution loop: lease a job run, advance it chunk
// by chunk, and settle the terminal state.
type Runner struct {
	cfg      config.Config
	queue    *queue.RunQueue
	store    *store.Store
	sched    *scheduler.Scheduler
	builder  *dataset.Builder
	ledger   *ledger.RedisLedger
	workerID string
}

func NewRunner(cfg config.Config, q *queue.RunQueue, st *store.Store, sched *scheduler.Scheduler, builder *dataset.Builder, ledg *ledger.RedisLedger, workerID string) *Runner {
	return &Runner{
		cfg:      cfg,
		queue:    q,
		store:    st,
		sched:    sched,
		builder:  builder,
		ledger:   ledg,
		workerID: workerID,
	}
}

// Run polls the queue until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("worker %s: reclaimed %d expired leases", r.workerID, len(reclaimed))
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := r.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}

		r.handle(ctx, jobID)
	}
}

func (r *Runner) handle(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = r.queue.Ack(ctx, jobID)
		}
		return
	}

	switch job.Status {
	case models.StatusPending, models.StatusSchemaValidation:
		job, err = r.validate(ctx, job)
		if err != nil {
			_ = r.queue.Ack(ctx, jobID)
			return
		}
	case models.StatusGenerating:
		// Resumed run or a reclaimed lease; pick up where the job left off.
	default:
		// Terminal or paused runs have nothing to do here.
		_ = r.queue.Ack(ctx, jobID)
		return
	}

	telemetry.ActiveJobsGauge.Inc()
	defer telemetry.ActiveJobsGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, jobID)
	outcome, runErr := r.sched.Run(ctx, jobID)
	stopHeartbeat()

	switch outcome {
	case scheduler.OutcomeCompleted:
		r.finish(ctx, jobID)
		_ = r.queue.Ack(ctx, jobID)
	case scheduler.OutcomePaused:
		log.Printf("worker %s: job %s paused", r.workerID, jobID)
		_ = r.queue.Ack(ctx, jobID)
	case scheduler.OutcomeCancelled:
		r.dropFingerprints(ctx, jobID)
		_ = r.queue.Ack(ctx, jobID)
	case scheduler.OutcomeFailed:
		reason := "generation failed"
		if runErr != nil {
			reason = runErr.Error()
		}
		log.Printf("worker %s: job %s failed: %s", r.workerID, jobID, reason)
		if _, err := r.store.MarkFailed(ctx, jobID, reason); err == nil {
			telemetry.JobsFailed.Inc()
		}
		r.dropFingerprints(ctx, jobID)
		_ = r.queue.Ack(ctx, jobID)
	case scheduler.OutcomeReleased:
		// Leave the lease alone; it expires and the run is requeued, or
		// whichever runner owns the job settles it.
	}
}

// validate moves a fresh job through schema validation into generating.
func (r *Runner) validate(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Status == models.StatusPending {
		var err error
		job, err = r.store.MarkSchemaValidation(ctx, job.ID)
		if err != nil {
			return models.Job{}, err
		}
	}

	if err := job.Schema.Validate(); err != nil {
		reason := fmt.Sprintf("schema validation failed: %v", err)
		if _, markErr := r.store.MarkFailed(ctx, job.ID, reason); markErr == nil {
			telemetry.JobsFailed.Inc()
		}
		return models.Job{}, errors.New(reason)
	}

	return r.store.MarkGenerating(ctx, job.ID)
}

// finish merges the chunks into the final artifact and completes the job.
func (r *Runner) finish(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}

	artifact, err := r.builder.Merge(ctx, job)
	if err != nil {
		log.Printf("worker %s: merge for job %s failed: %v", r.workerID, jobID, err)
		if _, markErr := r.store.MarkFailed(ctx, jobID, fmt.Sprintf("merge failed: %v", err)); markErr == nil {
			telemetry.JobsFailed.Inc()
		}
		return
	}

	if _, err := r.store.MarkCompleted(ctx, jobID, artifact); err != nil {
		log.Printf("worker %s: completing job %s failed: %v", r.workerID, jobID, err)
		return
	}
	telemetry.JobsCompleted.Inc()
	r.dropFingerprints(ctx, jobID)
	log.Printf("worker %s: job %s completed (%d bytes, checksum %s)", r.workerID, jobID, artifact.ByteSize, artifact.Checksum)
}

// dropFingerprints clears a job-scoped ledger once the job is settled.
// Group-scoped ledgers are shared across jobs and are never dropped here.
func (r *Runner) dropFingerprints(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job.DedupScope == models.ScopeGlobal {
		return
	}
	_ = r.ledger.Drop(ctx, job.LedgerScope())
}

// heartbeat extends the run's lease while the scheduler is working so long
// jobs are not reclaimed mid-run.
func (r *Runner) heartbeat(ctx context.Context, jobID string) {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.queue.ExtendLease(ctx, jobID)
		}
	}
}

// RunSweeper periodically fails jobs that stopped making progress, e.g.
// because a worker died while holding no lease. Runs until cancellation.
func (r *Runner) RunSweeper(ctx context.Context) {
	interval := r.cfg.StallTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := r.store.FailStalled(ctx, r.cfg.StallTimeout)
			if err != nil {
				log.Printf("worker %s: stall sweep failed: %v", r.workerID, err)
				continue
			}
			for _, id := range ids {
				log.Printf("worker %s: job %s failed by stall sweeper", r.workerID, id)
				telemetry.JobsFailed.Inc()
				_ = r.queue.Remove(ctx, id)
				r.dropFingerprints(ctx, id)
			}
		}
	}
}
