package dataset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"synthetic-data-orchestrator/internal/blob"
	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
)

// ErrNotReady is returned when merge is requested before every chunk of the
// job has been accepted.
var ErrNotReady = errors.New("job not ready for merge")

// Builder merges accepted chunks into the final dataset artifact.
type Builder struct {
	blobs blob.Store
}

// NewBuilder wires the builder to its blob store.
func NewBuilder(blobs blob.Store) *Builder {
	return &Builder{blobs: blobs}
}

// Merge reads accepted chunks in index order, concatenates them in the
// requested output format, and writes the artifact with a sha256 content
// checksum. Merging an already-merged job returns the recorded artifact
// without rewriting: chunks are immutable, so the checksum cannot change.
func (b *Builder) Merge(ctx context.Context, job models.Job) (models.Artifact, error) {
	if job.Artifact != nil {
		return *job.Artifact, nil
	}
	totalChunks := job.TotalChunks()
	if job.ChunksCompleted != totalChunks {
		return models.Artifact{}, fmt.Errorf("%w: %d of %d chunks accepted", ErrNotReady, job.ChunksCompleted, totalChunks)
	}

	// Index order is the ordering contract for the artifact, regardless of
	// the order chunks finished in.
	rowCount := 0
	rows := make([]schema.Row, 0, job.TotalRows)
	for idx := 0; idx < totalChunks; idx++ {
		chunkRows, err := b.blobs.ReadChunk(ctx, job.ID, idx)
		if err != nil {
			return models.Artifact{}, fmt.Errorf("read chunk %d: %w", idx, err)
		}
		rows = append(rows, chunkRows...)
		rowCount += len(chunkRows)
	}

	body, err := Encode(job.Schema, rows, job.OutputFormat)
	if err != nil {
		return models.Artifact{}, err
	}

	sum := sha256.Sum256(body)
	key, err := b.blobs.WriteArtifact(ctx, job.ID, job.OutputFormat, body)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	return models.Artifact{
		Key:      key,
		Format:   job.OutputFormat,
		Checksum: hex.EncodeToString(sum[:]),
		ByteSize: int64(len(body)),
		RowCount: rowCount,
		MergedAt: time.Now().UTC(),
	}, nil
}

// Encode serializes rows into one of the supported artifact formats. Column
// order follows the schema; row order follows the input slice.
func Encode(s schema.Schema, rows []schema.Row, format string) ([]byte, error) {
	switch format {
	case models.FormatCSV:
		return encodeCSV(s, rows)
	case models.FormatJSON:
		return encodeJSON(rows)
	case models.FormatJSONL:
		return encodeJSONL(rows)
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

func encodeCSV(s schema.Schema, rows []schema.Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)

	header := s.FieldNames()
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, name := range header {
			cell, err := csvCell(row[name])
			if err != nil {
				return nil, err
			}
			record[i] = cell
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func csvCell(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		// Structured and array values are embedded as JSON.
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode csv cell: %w", err)
		}
		return string(encoded), nil
	}
}

func encodeJSON(rows []schema.Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteString("[\n")
	for i, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		buf.WriteString("  ")
		buf.Write(encoded)
		if i < len(rows)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

func encodeJSONL(rows []schema.Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
