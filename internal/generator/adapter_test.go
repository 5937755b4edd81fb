package generator

import (
	"context"
	"errors"
	"testing"

	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
)

type fakeClient struct {
	text string
	err  error
	last CompletionRequest
}

func (f *fakeClient) Complete(ctx context.Context, request CompletionRequest) (CompletionResult, error) {
	f.last = request
	if f.err != nil {
		return CompletionResult{}, f.err
	}
	return CompletionResult{Text: f.text, ModelID: request.Model}, nil
}

func (f *fakeClient) Available() bool { return true }

func personJob() models.Job {
	return models.Job{
		ID: "job-1",
		Schema: schema.Schema{Columns: []schema.Column{
			{Name: "email", Kind: schema.KindEmail},
			{Name: "age", Kind: schema.KindInteger},
		}},
	}
}

func TestAdapterGenerate_ParsesEnvelopeAndDropsMalformed(t *testing.T) {
	client := &fakeClient{text: `{"rows": [
		{"email": "a@example.com", "age": 30},
		{"email": "not-an-email", "age": 31},
		{"email": "b@example.com", "age": "thirty"},
		{"email": "c@example.com", "age": 25}
	]}`}

	adapter := NewAdapter(client, "test-model")
	rows, err := adapter.Generate(context.Background(), personJob(), 0, 4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(rows))
	}
	if rows[0]["email"] != "a@example.com" || rows[1]["email"] != "c@example.com" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if client.last.Model != "test-model" {
		t.Fatalf("unexpected model %q", client.last.Model)
	}
}

func TestAdapterGenerate_BareArrayAndCodeFence(t *testing.T) {
	client := &fakeClient{text: "```json\n[{\"email\": \"a@example.com\", \"age\": 30}]\n```"}

	adapter := NewAdapter(client, "test-model")
	rows, err := adapter.Generate(context.Background(), personJob(), 0, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestAdapterGenerate_UnparseableIsTransient(t *testing.T) {
	client := &fakeClient{text: "I cannot generate that data."}

	adapter := NewAdapter(client, "test-model")
	_, err := adapter.Generate(context.Background(), personJob(), 0, 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatal("unparseable output should be retried, not permanent")
	}
}

func TestAdapterGenerate_ClientErrorPassedThrough(t *testing.T) {
	client := &fakeClient{err: Permanent(errors.New("invalid api key"))}

	adapter := NewAdapter(client, "test-model")
	_, err := adapter.Generate(context.Background(), personJob(), 0, 5)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestAdapterGenerate_RejectsNonPositiveTarget(t *testing.T) {
	adapter := NewAdapter(&fakeClient{}, "test-model")
	_, err := adapter.Generate(context.Background(), personJob(), 0, 0)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestExtractJSON_SurroundingProse(t *testing.T) {
	raw, err := extractJSON(`Here you go: {"rows": [{"a": 1}]} Hope that helps!`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(raw) != `{"rows": [{"a": 1}]}` {
		t.Fatalf("unexpected extraction: %s", raw)
	}
}

func TestErrorClassification(t *testing.T) {
	if IsPermanent(Transient(errors.New("x"))) {
		t.Fatal("transient marked permanent")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Fatal("permanent not detected")
	}
	// Unclassified errors default to retryable.
	if IsPermanent(errors.New("plain")) {
		t.Fatal("unclassified error treated as permanent")
	}
	// Classification survives wrapping.
	wrapped := errors.Join(errors.New("context"), Permanent(errors.New("inner")))
	if !IsPermanent(wrapped) {
		t.Fatal("classification lost through wrapping")
	}
}
