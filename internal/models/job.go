package models

import (
	"time"

	"synthetic-data-orchestrator/internal/schema"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending          = "pending"
	StatusSchemaValidation = "schema_validation"
	StatusGenerating       = "generating"
	StatusPaused           = "paused"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// Chunk states.
const (
	ChunkPending  = "pending"
	ChunkRunning  = "running"
	ChunkAccepted = "accepted"
	ChunkFailed   = "failed"
)

// Supported output formats for the merged artifact.
const (
	FormatCSV   = "csv"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

// Deduplication scopes. Job scope keys the fingerprint ledger by job ID;
// global scope shares a ledger across jobs via the job's dedup group name.
const (
	ScopeJob    = "job"
	ScopeGlobal = "global"
)

// transitions maps each state to the states reachable from it. Terminal
// states have no outgoing edges.
var transitions = map[string][]string{
	StatusPending:          {StatusSchemaValidation},
	StatusSchemaValidation: {StatusGenerating, StatusFailed},
	StatusGenerating:       {StatusGenerating, StatusPaused, StatusCancelled, StatusFailed, StatusCompleted},
	StatusPaused:           {StatusGenerating, StatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every state from which `to` is reachable.
// Used to build guarded UPDATE ... WHERE status = ANY(...) statements.
func TransitionSources(to string) []string {
	var sources []string
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// IsTerminalStatus reports whether no transitions leave the given state.
func IsTerminalStatus(status string) bool {
	return len(transitions[status]) == 0 && status != ""
}

// ValidFormat reports whether format is one of the supported artifact formats.
func ValidFormat(format string) bool {
	switch format {
	case FormatCSV, FormatJSON, FormatJSONL:
		return true
	}
	return false
}

// Job is a generation request plus its mutable run state.
type Job struct {
	ID               string        `json:"id"`
	Tenant           string        `json:"tenant"`
	Schema           schema.Schema `json:"schema"`
	TotalRows        int           `json:"total_rows"`
	ChunkSize        int           `json:"chunk_size"`
	OutputFormat     string        `json:"output_format"`
	UniquenessFields []string      `json:"uniqueness_fields,omitempty"`
	DedupScope       string        `json:"dedup_scope"`
	DedupGroup       string        `json:"dedup_group,omitempty"`

	Status           string  `json:"status"`
	CurrentChunk     int     `json:"current_chunk"`
	ChunksCompleted  int     `json:"chunks_completed"`
	RowsGenerated    int     `json:"rows_generated"`
	RowsDeduplicated int     `json:"rows_deduplicated"`
	ErrorMessage     *string `json:"error_message,omitempty"`

	Artifact *Artifact `json:"artifact,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TotalChunks derives the chunk count from the immutable spec. It is never
// stored independently of total_rows and chunk_size.
func (j Job) TotalChunks() int {
	if j.ChunkSize <= 0 {
		return 0
	}
	return (j.TotalRows + j.ChunkSize - 1) / j.ChunkSize
}

// IsTerminal reports whether the job can no longer change state.
func (j Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// LedgerScope is the key space the job's fingerprints live in.
func (j Job) LedgerScope() string {
	if j.DedupScope == ScopeGlobal && j.DedupGroup != "" {
		return "group:" + j.DedupGroup
	}
	return "job:" + j.ID
}

// Chunk is one unit of generation work.
type Chunk struct {
	JobID         string    `json:"job_id"`
	Index         int       `json:"index"`
	TargetCount   int       `json:"target_count"`
	AcceptedCount int       `json:"accepted_count"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Artifact describes the merged output of a completed job.
type Artifact struct {
	Key      string    `json:"key"`
	Format   string    `json:"format"`
	Checksum string    `json:"checksum"`
	ByteSize int64     `json:"byte_size"`
	RowCount int       `json:"row_count"`
	MergedAt time.Time `json:"merged_at"`
}

// Progress is an immutable snapshot of job progress for callers to poll.
type Progress struct {
	Status              string     `json:"status"`
	TotalRows           int        `json:"total_rows"`
	TotalChunks         int        `json:"total_chunks"`
	RowsGenerated       int        `json:"rows_generated"`
	RowsDeduplicated    int        `json:"rows_deduplicated"`
	ChunksCompleted     int        `json:"chunks_completed"`
	ProgressPercentage  float64    `json:"progress_percentage"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Progress computes the snapshot as of now. The estimate is advisory only,
// derived from rows/second since started_at.
func (j Job) Progress(now time.Time) Progress {
	pct := 0.0
	if j.TotalRows > 0 {
		pct = float64(j.RowsGenerated) / float64(j.TotalRows) * 100
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	p := Progress{
		Status:             j.Status,
		TotalRows:          j.TotalRows,
		TotalChunks:        j.TotalChunks(),
		RowsGenerated:      j.RowsGenerated,
		RowsDeduplicated:   j.RowsDeduplicated,
		ChunksCompleted:    j.ChunksCompleted,
		ProgressPercentage: pct,
	}

	if j.Status == StatusGenerating && j.StartedAt != nil && j.RowsGenerated > 0 {
		elapsed := now.Sub(*j.StartedAt).Seconds()
		if elapsed > 0 {
			rate := float64(j.RowsGenerated) / elapsed
			remaining := float64(j.TotalRows - j.RowsGenerated)
			if rate > 0 && remaining > 0 {
				eta := now.Add(time.Duration(remaining/rate) * time.Second)
				p.EstimatedCompletion = &eta
			}
		}
	}
	return p
}

// Metrics summarizes throughput for a finished or running job.
type Metrics struct {
	DurationSeconds   float64 `json:"duration_seconds"`
	RowsPerSecond     float64 `json:"rows_per_second"`
	DeduplicationRate float64 `json:"deduplication_rate"`
}

// Metrics computes throughput numbers as of now.
func (j Job) Metrics(now time.Time) Metrics {
	var m Metrics
	if j.StartedAt == nil {
		return m
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	m.DurationSeconds = end.Sub(*j.StartedAt).Seconds()
	if m.DurationSeconds > 0 {
		m.RowsPerSecond = float64(j.RowsGenerated) / m.DurationSeconds
	}
	if total := j.RowsGenerated + j.RowsDeduplicated; total > 0 {
		m.DeduplicationRate = float64(j.RowsDeduplicated) / float64(total)
	}
	return m
}
