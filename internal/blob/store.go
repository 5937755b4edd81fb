package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"synthetic-data-orchestrator/internal/schema"
)

// ErrNotFound is returned when a chunk or artifact does not exist.
var ErrNotFound = errors.New("blob not found")

// Store persists chunk row data and merged artifacts. Chunk writes are
// write-once: an existing chunk object is never replaced, which keeps
// accepted chunks immutable across retries and resumes.
type Store interface {
	WriteChunk(ctx context.Context, jobID string, index int, rows []schema.Row) error
	ReadChunk(ctx context.Context, jobID string, index int) ([]schema.Row, error)
	WriteArtifact(ctx context.Context, jobID, format string, body []byte) (string, error)
	OpenArtifact(ctx context.Context, key string) (io.ReadCloser, error)
}

func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/%05d.jsonl", jobID, index)
}

func artifactKey(jobID, format string) string {
	return fmt.Sprintf("jobs/%s/dataset.%s", jobID, format)
}

// ContentType maps an artifact format to its MIME type.
func ContentType(format string) string {
	switch format {
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	default:
		return "application/x-ndjson"
	}
}
