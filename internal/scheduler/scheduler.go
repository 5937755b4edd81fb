package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"synthetic-data-orchestrator/internal/blob"
	"synthetic-data-orchestrator/internal/generator"
	"synthetic-data-orchestrator/internal/ledger"
	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
	"synthetic-data-orchestrator/internal/store"
	"synthetic-data-orchestrator/internal/telemetry"
)

// Outcome is the scheduler's verdict on a run.
type Outcome int

const (
	// OutcomeCompleted means every chunk is accepted; the caller merges.
	OutcomeCompleted Outcome = iota
	// OutcomePaused means a pause request was observed at a chunk boundary.
	OutcomePaused
	// OutcomeCancelled means a cancel request was observed at a chunk boundary.
	OutcomeCancelled
	// OutcomeFailed means the job must be failed with the returned error.
	OutcomeFailed
	// OutcomeReleased means the run should be given up without mutating the
	// job (worker shutdown, or another runner owns the job).
	OutcomeReleased
)

// JobStore is the slice of persistence the scheduler needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	StartChunk(ctx context.Context, jobID string, index, target, attempt int) error
	CompleteChunk(ctx context.Context, jobID string, index, accepted, duplicates, attempts int) error
	FailChunk(ctx context.Context, jobID string, index, attempts int) error
}

// Ledger is the atomic check-and-insert fingerprint store.
type Ledger interface {
	InsertIfAbsent(ctx context.Context, scope, fingerprint string) (bool, error)
}

// ChunkStore persists accepted chunk rows.
type ChunkStore interface {
	WriteChunk(ctx context.Context, jobID string, index int, rows []schema.Row) error
	ReadChunk(ctx context.Context, jobID string, index int) ([]schema.Row, error)
}

// Config bounds the retry behaviour of one chunk.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Scheduler drives a job's chunk indices from current_chunk to the last
// chunk, one chunk at a time. Pause and cancel are observed only at chunk
// boundaries; an in-flight generator call always finishes.
type Scheduler struct {
	cfg    Config
	store  JobStore
	ledger Ledger
	gen    generator.RowGenerator
	chunks ChunkStore

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a scheduler.
func New(cfg Config, store JobStore, ledg Ledger, gen generator.RowGenerator, chunks ChunkStore) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		ledger: ledg,
		gen:    gen,
		chunks: chunks,
		sleep:  sleepCtx,
	}
}

// Run drives the job until completion, a control request, or a failure.
// When the outcome is OutcomeFailed the returned error is the reason to
// record on the job.
func (s *Scheduler) Run(ctx context.Context, jobID string) (Outcome, error) {
	for {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("load job: %w", err)
		}

		// Chunk boundary: the only place control requests are observed.
		switch job.Status {
		case models.StatusPaused:
			return OutcomePaused, nil
		case models.StatusCancelled:
			return OutcomeCancelled, nil
		case models.StatusGenerating:
		default:
			return OutcomeReleased, nil
		}
		if ctx.Err() != nil {
			return OutcomeReleased, nil
		}

		index := job.CurrentChunk
		if index >= job.TotalChunks() {
			return OutcomeCompleted, nil
		}

		target := job.ChunkSize
		if remaining := job.TotalRows - job.RowsGenerated; remaining < target {
			target = remaining
		}
		if target <= 0 {
			return OutcomeCompleted, nil
		}

		outcome, err := s.runChunk(ctx, job, index, target)
		if outcome != outcomeChunkAccepted {
			return Outcome(outcome), err
		}
	}
}

// chunkOutcome mirrors Outcome plus the internal "chunk done, keep going".
type chunkOutcome int

const outcomeChunkAccepted chunkOutcome = -1

func (s *Scheduler) runChunk(ctx context.Context, job models.Job, index, target int) (chunkOutcome, error) {
	// Crash recovery: a fully written chunk that never got counted is
	// adopted as-is. Its fingerprints are already in the ledger, so
	// regenerating it would only produce duplicates.
	if existing, err := s.chunks.ReadChunk(ctx, job.ID, index); err == nil && len(existing) == target {
		if err := s.store.CompleteChunk(ctx, job.ID, index, len(existing), 0, 0); err != nil {
			return s.completeConflict(ctx, job.ID, err)
		}
		return outcomeChunkAccepted, nil
	} else if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return chunkOutcome(OutcomeFailed), fmt.Errorf("read chunk %d: %w", index, err)
	}

	accepted := make([]schema.Row, 0, target)
	duplicates := 0
	attempts := 0

	for len(accepted) < target {
		if attempts >= s.cfg.MaxAttempts {
			_ = s.store.FailChunk(ctx, job.ID, index, attempts)
			return chunkOutcome(OutcomeFailed), fmt.Errorf(
				"chunk %d: %d of %d unique rows after %d attempts", index, len(accepted), target, attempts)
		}
		attempts++

		if err := s.store.StartChunk(ctx, job.ID, index, target, attempts); err != nil {
			return chunkOutcome(OutcomeFailed), fmt.Errorf("start chunk %d: %w", index, err)
		}

		rows, err := s.gen.Generate(ctx, job, index, target-len(accepted))
		if err != nil {
			if generator.IsPermanent(err) {
				_ = s.store.FailChunk(ctx, job.ID, index, attempts)
				return chunkOutcome(OutcomeFailed), fmt.Errorf("chunk %d: %w", index, err)
			}
			telemetry.ChunkRetries.Inc()
			if sleepErr := s.sleep(ctx, backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, attempts)); sleepErr != nil {
				return chunkOutcome(OutcomeReleased), nil
			}
			continue
		}

		for _, row := range rows {
			if len(accepted) >= target {
				// Surplus rows are discarded before touching the ledger so
				// no fingerprint exists without a stored row.
				break
			}
			fp := ledger.Fingerprint(row, job.UniquenessFields)
			inserted, err := s.ledger.InsertIfAbsent(ctx, job.LedgerScope(), fp)
			if err != nil {
				return chunkOutcome(OutcomeFailed), fmt.Errorf("fingerprint ledger: %w", err)
			}
			if !inserted {
				duplicates++
				telemetry.RowsDuplicate.Inc()
				continue
			}
			accepted = append(accepted, row)
		}
	}

	if err := s.chunks.WriteChunk(ctx, job.ID, index, accepted); err != nil {
		return chunkOutcome(OutcomeFailed), fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := s.store.CompleteChunk(ctx, job.ID, index, len(accepted), duplicates, attempts); err != nil {
		return s.completeConflict(ctx, job.ID, err)
	}
	telemetry.RowsAccepted.Add(float64(len(accepted)))
	return outcomeChunkAccepted, nil
}

// completeConflict classifies a guarded CompleteChunk rejection. A pause or
// cancel that landed mid-chunk shows up here first; anything else means a
// different runner advanced the job, so this run lets go.
func (s *Scheduler) completeConflict(ctx context.Context, jobID string, err error) (chunkOutcome, error) {
	if !errors.Is(err, store.ErrStateConflict) {
		return chunkOutcome(OutcomeFailed), err
	}
	job, loadErr := s.store.GetJob(ctx, jobID)
	if loadErr != nil {
		return chunkOutcome(OutcomeReleased), nil
	}
	switch job.Status {
	case models.StatusPaused:
		return chunkOutcome(OutcomePaused), nil
	case models.StatusCancelled:
		return chunkOutcome(OutcomeCancelled), nil
	}
	return chunkOutcome(OutcomeReleased), nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
