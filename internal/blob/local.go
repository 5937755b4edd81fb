package blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"synthetic-data-orchestrator/internal/schema"
)

// LocalStore keeps chunks and artifacts on the local filesystem. Writes go
// through a temp file plus rename so a crash never leaves a partial object.
type LocalStore struct {
	baseDir string
}

// NewLocalStore roots the store at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./data"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key))
}

// WriteChunk stores the chunk rows as JSONL in arrival order. If the chunk
// object already exists it is left untouched.
func (l *LocalStore) WriteChunk(_ context.Context, jobID string, index int, rows []schema.Row) error {
	path := l.path(chunkKey(jobID, index))
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	body, err := encodeChunk(rows)
	if err != nil {
		return err
	}
	return l.writeAtomic(path, body)
}

// ReadChunk loads the chunk rows, preserving stored order.
func (l *LocalStore) ReadChunk(_ context.Context, jobID string, index int) ([]schema.Row, error) {
	file, err := os.Open(l.path(chunkKey(jobID, index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	defer file.Close()
	return decodeChunk(file)
}

// WriteArtifact stores the merged dataset and returns its key.
func (l *LocalStore) WriteArtifact(_ context.Context, jobID, format string, body []byte) (string, error) {
	key := artifactKey(jobID, format)
	if err := l.writeAtomic(l.path(key), body); err != nil {
		return "", err
	}
	return key, nil
}

// OpenArtifact streams a previously written artifact.
func (l *LocalStore) OpenArtifact(_ context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return file, nil
}

func (l *LocalStore) writeAtomic(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func encodeChunk(rows []schema.Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func decodeChunk(r io.Reader) ([]schema.Row, error) {
	var rows []schema.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row schema.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return rows, nil
}
