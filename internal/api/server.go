package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"synthetic-data-orchestrator/internal/blob"
	"synthetic-data-orchestrator/internal/config"
	"synthetic-data-orchestrator/internal/dataset"
	"synthetic-data-orchestrator/internal/generator"
	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
	"synthetic-data-orchestrator/internal/store"
	"synthetic-data-orchestrator/internal/telemetry"
)

// JobStore is the persistence surface the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]models.Job, error)
	GetChunks(ctx context.Context, jobID string) ([]models.Chunk, error)
	MarkPaused(ctx context.Context, id string) (models.Job, error)
	MarkGenerating(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) (models.Job, error)
	MarkCompleted(ctx context.Context, id string, artifact models.Artifact) (models.Job, error)
}

// RunQueue is the job-run queue surface the API needs.
type RunQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
}

// RateLimiter gates job creation per tenant.
type RateLimiter interface {
	Allow(ctx context.Context, tenant string) (bool, float64, error)
}

// SchemaProposer drafts schemas from natural language.
type SchemaProposer interface {
	Propose(ctx context.Context, description, exampleData string) (generator.Proposal, error)
}

// Merger assembles the final artifact for a finished job.
type Merger interface {
	Merge(ctx context.Context, job models.Job) (models.Artifact, error)
}

// ArtifactOpener streams a stored artifact.
type ArtifactOpener interface {
	OpenArtifact(ctx context.Context, key string) (io.ReadCloser, error)
}

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    RunQueue
	limiter  RateLimiter
	proposer SchemaProposer
	merger   Merger
	blobs    ArtifactOpener
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q RunQueue, limiter RateLimiter, proposer SchemaProposer, merger Merger, blobs ArtifactOpener) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		proposer: proposer,
		merger:   merger,
		blobs:    blobs,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/chunks", s.handleGetChunks)
	r.Post("/jobs/{id}/pause", s.handlePause)
	r.Post("/jobs/{id}/resume", s.handleResume)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/merge", s.handleMerge)
	r.Get("/jobs/{id}/download", s.handleDownload)
	r.Post("/schema/propose", s.handleProposeSchema)
	return r
}

type createJobRequest struct {
	Schema           schema.Schema `json:"schema"`
	TotalRows        int           `json:"total_rows"`
	ChunkSize        int           `json:"chunk_size"`
	OutputFormat     string        `json:"output_format"`
	UniquenessFields []string      `json:"uniqueness_fields"`
	DedupScope       string        `json:"dedup_scope"`
	DedupGroup       string        `json:"dedup_group"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if err := s.validateCreate(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Tenant:           tenant,
		Schema:           req.Schema,
		TotalRows:        req.TotalRows,
		ChunkSize:        req.ChunkSize,
		OutputFormat:     req.OutputFormat,
		UniquenessFields: req.UniquenessFields,
		DedupScope:       req.DedupScope,
		DedupGroup:       req.DedupGroup,
	})
	if err != nil {
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsCreated.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

// validateCreate rejects malformed job specs and fills in defaults.
func (s *Server) validateCreate(req *createJobRequest) error {
	if err := req.Schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if req.TotalRows <= 0 {
		return errors.New("total_rows must be positive")
	}

	if req.ChunkSize == 0 {
		req.ChunkSize = s.cfg.DefaultChunkSize
	}
	if req.ChunkSize < 0 {
		return errors.New("chunk_size must be positive")
	}
	if req.ChunkSize < s.cfg.MinChunkSize {
		req.ChunkSize = s.cfg.MinChunkSize
	}
	if req.ChunkSize > s.cfg.MaxChunkSize {
		req.ChunkSize = s.cfg.MaxChunkSize
	}
	if req.ChunkSize > req.TotalRows {
		req.ChunkSize = req.TotalRows
	}

	if req.OutputFormat == "" {
		req.OutputFormat = models.FormatJSONL
	}
	if !models.ValidFormat(req.OutputFormat) {
		return fmt.Errorf("unsupported output_format %q", req.OutputFormat)
	}

	for _, field := range req.UniquenessFields {
		if _, ok := req.Schema.Column(field); !ok {
			return fmt.Errorf("uniqueness field %q is not a schema column", field)
		}
	}

	switch req.DedupScope {
	case "", models.ScopeJob:
		req.DedupScope = models.ScopeJob
	case models.ScopeGlobal:
		if req.DedupGroup == "" {
			return errors.New("dedup_scope global requires dedup_group")
		}
	default:
		return fmt.Errorf("unsupported dedup_scope %q", req.DedupScope)
	}
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := s.store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobDetailResponse struct {
	Job      models.Job      `json:"job"`
	Progress models.Progress `json:"progress"`
	Metrics  models.Metrics  `json:"metrics"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, jobDetailResponse{
		Job:      job,
		Progress: job.Progress(now),
		Metrics:  job.Metrics(now),
	})
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	chunks, err := s.store.GetChunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to load chunks", http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.MarkPaused(r.Context(), id)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.MarkGenerating(r.Context(), id)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), id); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.MarkCancelled(r.Context(), id)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	// A worker mid-chunk observes the cancel at its next boundary; removing
	// the run here only prevents a fresh lease.
	_ = s.queue.Remove(r.Context(), id)
	telemetry.JobsCancelled.Inc()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == models.StatusCompleted && job.Artifact != nil {
		writeJSON(w, http.StatusOK, job.Artifact)
		return
	}
	// Cancelled, failed, and paused jobs never produce an artifact, even when
	// every chunk was accepted before the job settled.
	if job.Status != models.StatusGenerating {
		http.Error(w, fmt.Sprintf("job is %s", job.Status), http.StatusConflict)
		return
	}

	artifact, err := s.merger.Merge(r.Context(), job)
	if err != nil {
		if errors.Is(err, dataset.ErrNotReady) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "merge failed", http.StatusInternalServerError)
		return
	}
	job, err = s.store.MarkCompleted(r.Context(), job.ID, artifact)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Artifact)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Artifact == nil {
		http.Error(w, "artifact not available", http.StatusConflict)
		return
	}

	body, err := s.blobs.OpenArtifact(r.Context(), job.Artifact.Key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "artifact missing from storage", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to open artifact", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", blob.ContentType(job.Artifact.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("dataset_%s.%s", job.ID, job.Artifact.Format)))
	if job.Artifact.ByteSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(job.Artifact.ByteSize, 10))
	}
	_, _ = io.Copy(w, body)
}

type proposeSchemaRequest struct {
	Description string `json:"description"`
	ExampleData string `json:"example_data"`
}

func (s *Server) handleProposeSchema(w http.ResponseWriter, r *http.Request) {
	var req proposeSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}

	proposal, err := s.proposer.Propose(r.Context(), req.Description, req.ExampleData)
	if err != nil {
		if generator.IsPermanent(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "schema proposal failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// loadJob fetches the job from the URL and writes the 404 itself.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
		} else {
			http.Error(w, "failed to load job", http.StatusInternalServerError)
		}
		return models.Job{}, false
	}
	return job, true
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, store.ErrStateConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "transition failed", http.StatusInternalServerError)
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
