package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrStateConflict is returned when a guarded transition finds the job in a
// state the state machine does not allow the transition from.
var ErrStateConflict = errors.New("invalid job state for requested transition")

const jobColumns = `id, tenant, schema, total_rows, chunk_size, output_format, uniqueness_fields,
	dedup_scope, dedup_group, status, current_chunk, chunks_completed, rows_generated,
	rows_deduplicated, error_message, artifact, created_at, updated_at, started_at, paused_at, completed_at`

// Store wraps pgxpool for Postgres persistence. Every state transition is a
// guarded UPDATE: the WHERE clause enforces the state machine so that a
// transition either commits durably or never happened.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects the immutable spec of a new job. Validation
// happens before this is called; the store only persists.
type CreateJobParams struct {
	Tenant           string
	Schema           schema.Schema
	TotalRows        int
	ChunkSize        int
	OutputFormat     string
	UniquenessFields []string
	DedupScope       string
	DedupGroup       string
}

// CreateJob inserts a new job in the pending state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	schemaJSON, err := json.Marshal(p.Schema)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal schema: %w", err)
	}
	fields := p.UniquenessFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal uniqueness fields: %w", err)
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.DedupScope == "" {
		p.DedupScope = models.ScopeJob
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, schema, total_rows, chunk_size, output_format, uniqueness_fields,
			dedup_scope, dedup_group, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, p.Tenant, schemaJSON, p.TotalRows, p.ChunkSize, p.OutputFormat, fieldsJSON,
		p.DedupScope, p.DedupGroup, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:               id,
		Tenant:           p.Tenant,
		Schema:           p.Schema,
		TotalRows:        p.TotalRows,
		ChunkSize:        p.ChunkSize,
		OutputFormat:     p.OutputFormat,
		UniquenessFields: fields,
		DedupScope:       p.DedupScope,
		DedupGroup:       p.DedupGroup,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkSchemaValidation moves a pending job into schema validation.
func (s *Store) MarkSchemaValidation(ctx context.Context, id string) (models.Job, error) {
	return s.transition(ctx, id, models.StatusSchemaValidation, ``)
}

// MarkGenerating moves a job into generating, stamping started_at on the
// first entry and clearing any pause marker on resume.
func (s *Store) MarkGenerating(ctx context.Context, id string) (models.Job, error) {
	return s.transition(ctx, id, models.StatusGenerating,
		`started_at = COALESCE(started_at, NOW()), paused_at = NULL`)
}

// MarkPaused pauses a generating job.
func (s *Store) MarkPaused(ctx context.Context, id string) (models.Job, error) {
	return s.transition(ctx, id, models.StatusPaused, `paused_at = NOW()`)
}

// MarkCancelled cancels a generating or paused job.
func (s *Store) MarkCancelled(ctx context.Context, id string) (models.Job, error) {
	return s.transition(ctx, id, models.StatusCancelled, `completed_at = NOW()`)
}

// MarkFailed records the failure reason and moves the job to failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (models.Job, error) {
	sources := models.TransitionSources(models.StatusFailed)
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns, id, models.StatusFailed, reason, sources)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.conflictOrMissing(ctx, id)
	}
	return job, err
}

// MarkCompleted records the artifact and moves the job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string, artifact models.Artifact) (models.Job, error) {
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal artifact: %w", err)
	}

	sources := models.TransitionSources(models.StatusCompleted)
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, artifact = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns, id, models.StatusCompleted, artifactJSON, sources)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.conflictOrMissing(ctx, id)
	}
	return job, err
}

// transition performs a guarded status update. extra is a trusted SET
// fragment assembled only from code in this package.
func (s *Store) transition(ctx context.Context, id, to, extra string) (models.Job, error) {
	set := `status = $2, updated_at = NOW()`
	if extra != "" {
		set += `, ` + extra
	}
	sources := models.TransitionSources(to)
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET `+set+`
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobColumns, id, to, sources)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.conflictOrMissing(ctx, id)
	}
	return job, err
}

func (s *Store) conflictOrMissing(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job state: %w", err)
	}
	return fmt.Errorf("%w: job is %s", ErrStateConflict, status)
}

// StartChunk upserts the chunk bookkeeping row for a new attempt and bumps
// the job's updated_at so the stall sweeper sees forward progress.
func (s *Store) StartChunk(ctx context.Context, jobID string, index, target, attempt int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO chunks (job_id, idx, target_count, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (job_id, idx) DO UPDATE
		SET status = $4, attempts = $5, updated_at = NOW()
	`, jobID, index, target, models.ChunkRunning, attempt)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET updated_at = NOW() WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return tx.Commit(ctx)
}

// CompleteChunk marks the chunk accepted and advances the job's counters in
// one transaction. The WHERE clause pins both the generating state and the
// expected chunk index, so a duplicate runner racing on the same job cannot
// double-count.
func (s *Store) CompleteChunk(ctx context.Context, jobID string, index, accepted, duplicates, attempts int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET rows_generated = rows_generated + $2,
			rows_deduplicated = rows_deduplicated + $3,
			chunks_completed = chunks_completed + 1,
			current_chunk = $4 + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $5 AND current_chunk = $4
	`, jobID, accepted, duplicates, index, models.StatusGenerating)
	if err != nil {
		return fmt.Errorf("advance job counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}

	_, err = tx.Exec(ctx, `
		UPDATE chunks
		SET status = $3, accepted_count = $4, attempts = $5, updated_at = NOW()
		WHERE job_id = $1 AND idx = $2
	`, jobID, index, models.ChunkAccepted, accepted, attempts)
	if err != nil {
		return fmt.Errorf("accept chunk: %w", err)
	}

	return tx.Commit(ctx)
}

// FailChunk records the chunk's terminal failure.
func (s *Store) FailChunk(ctx context.Context, jobID string, index, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chunks SET status = $3, attempts = $4, updated_at = NOW()
		WHERE job_id = $1 AND idx = $2
	`, jobID, index, models.ChunkFailed, attempts)
	return err
}

// GetChunks returns the job's chunk rows in index order.
func (s *Store) GetChunks(ctx context.Context, jobID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, target_count, accepted_count, status, attempts, created_at, updated_at
		FROM chunks WHERE job_id = $1 ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.JobID, &c.Index, &c.TargetCount, &c.AcceptedCount,
			&c.Status, &c.Attempts, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// FailStalled fails generating jobs with no progress inside the stall
// window and returns their IDs.
func (s *Store) FailStalled(ctx context.Context, stallTimeout time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND updated_at < NOW() - $4::interval
		RETURNING id
	`, models.StatusFailed, "stalled: no progress within stall timeout",
		models.StatusGenerating, stallTimeout.String())
	if err != nil {
		return nil, fmt.Errorf("fail stalled jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job          models.Job
		schemaJSON   []byte
		fieldsJSON   []byte
		errMsg       pgtype.Text
		artifactJSON []byte
		startedAt    pgtype.Timestamptz
		pausedAt     pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)

	err := row.Scan(&job.ID, &job.Tenant, &schemaJSON, &job.TotalRows, &job.ChunkSize,
		&job.OutputFormat, &fieldsJSON, &job.DedupScope, &job.DedupGroup, &job.Status,
		&job.CurrentChunk, &job.ChunksCompleted, &job.RowsGenerated, &job.RowsDeduplicated,
		&errMsg, &artifactJSON, &job.CreatedAt, &job.UpdatedAt, &startedAt, &pausedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(schemaJSON, &job.Schema); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &job.UniquenessFields); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal uniqueness fields: %w", err)
	}
	if len(artifactJSON) > 0 {
		var artifact models.Artifact
		if err := json.Unmarshal(artifactJSON, &artifact); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal artifact: %w", err)
		}
		job.Artifact = &artifact
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	job.StartedAt = timePtr(startedAt)
	job.PausedAt = timePtr(pausedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
