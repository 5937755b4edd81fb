package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"synthetic-data-orchestrator/internal/schema"
)

func TestLocalStoreChunkRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	rows := []schema.Row{
		{"email": "a@example.com", "age": float64(30)},
		{"email": "b@example.com", "age": float64(31)},
	}
	if err := store.WriteChunk(ctx, "job-1", 0, rows); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	got, err := store.ReadChunk(ctx, "job-1", 0)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0]["email"] != "a@example.com" || got[1]["email"] != "b@example.com" {
		t.Fatalf("rows out of order: %v", got)
	}
}

func TestLocalStoreChunkWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	first := []schema.Row{{"email": "a@example.com"}}
	if err := store.WriteChunk(ctx, "job-1", 0, first); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	// A second write must not replace the accepted chunk.
	if err := store.WriteChunk(ctx, "job-1", 0, []schema.Row{{"email": "z@example.com"}}); err != nil {
		t.Fatalf("rewrite chunk: %v", err)
	}

	got, err := store.ReadChunk(ctx, "job-1", 0)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if got[0]["email"] != "a@example.com" {
		t.Fatalf("chunk was overwritten: %v", got)
	}
}

func TestLocalStoreMissingChunk(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	_, err := store.ReadChunk(context.Background(), "job-1", 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreArtifact(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	key, err := store.WriteArtifact(ctx, "job-1", "csv", []byte("email\na@example.com\n"))
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if key != "jobs/job-1/dataset.csv" {
		t.Fatalf("unexpected key %q", key)
	}

	body, err := store.OpenArtifact(ctx, key)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer body.Close()
	content, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.HasPrefix(string(content), "email\n") {
		t.Fatalf("unexpected artifact body %q", content)
	}

	if _, err := store.OpenArtifact(ctx, "jobs/other/dataset.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestContentType(t *testing.T) {
	if ContentType("csv") != "text/csv" {
		t.Fatal("csv content type")
	}
	if ContentType("json") != "application/json" {
		t.Fatal("json content type")
	}
	if ContentType("jsonl") != "application/x-ndjson" {
		t.Fatal("jsonl content type")
	}
}
