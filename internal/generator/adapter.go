package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"synthetic-data-orchestrator/internal/models"
	"synthetic-data-orchestrator/internal/schema"
)

// RowGenerator produces candidate rows for one chunk. Implementations must
// not mutate job or chunk state; they only talk to the external generator.
type RowGenerator interface {
	Generate(ctx context.Context, job models.Job, chunkIndex, targetCount int) ([]schema.Row, error)
}

const systemPrompt = `You generate synthetic tabular data. Respond with a single JSON object of the form {"rows": [...]} where each element maps column names to values. Every row must satisfy the column types and constraints exactly. Do not use markdown code fences.`

// Adapter invokes the external model for one chunk and normalizes the result:
// the model text is parsed as JSON, each candidate row is validated and
// coerced against the job schema, and malformed rows are dropped rather than
// failing the chunk.
type Adapter struct {
	client      TextGenerator
	model       string
	temperature float64
}

// NewAdapter builds an adapter on the given client and model.
func NewAdapter(client TextGenerator, model string) *Adapter {
	return &Adapter{
		client:      client,
		model:       model,
		temperature: 0.9,
	}
}

// Generate requests targetCount candidate rows for the chunk. The returned
// slice may be shorter than targetCount (malformed rows are dropped); the
// scheduler is responsible for topping up.
func (a *Adapter) Generate(ctx context.Context, job models.Job, chunkIndex, targetCount int) ([]schema.Row, error) {
	if targetCount <= 0 {
		return nil, Permanent(fmt.Errorf("target count must be positive, got %d", targetCount))
	}

	result, err := a.client.Complete(ctx, CompletionRequest{
		Model:        a.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   buildRowPrompt(job.Schema, chunkIndex, targetCount),
		Temperature:  a.temperature,
	})
	if err != nil {
		return nil, err
	}

	candidates, err := parseRows(result.Text)
	if err != nil {
		// Unparseable output is worth another attempt with the same prompt.
		return nil, Transient(err)
	}

	rows := make([]schema.Row, 0, len(candidates))
	for _, candidate := range candidates {
		row, err := schema.CoerceRow(job.Schema, candidate)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func buildRowPrompt(s schema.Schema, chunkIndex, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d rows of synthetic data for batch %d.\n\nColumns:\n", count, chunkIndex)
	for _, col := range s.Columns {
		fmt.Fprintf(&b, "- %s (%s)", col.Name, col.Kind)
		if col.Description != "" {
			fmt.Fprintf(&b, ": %s", col.Description)
		}
		if hints := constraintHints(col); hints != "" {
			fmt.Fprintf(&b, " [%s]", hints)
		}
		if len(col.Examples) > 0 {
			fmt.Fprintf(&b, " e.g. %s", strings.Join(col.Examples, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nVary the values so rows are distinct from each other and from earlier batches.")
	return b.String()
}

func constraintHints(col schema.Column) string {
	c := col.Constraints
	var hints []string
	if c.Min != nil {
		hints = append(hints, fmt.Sprintf("min %v", *c.Min))
	}
	if c.Max != nil {
		hints = append(hints, fmt.Sprintf("max %v", *c.Max))
	}
	if c.MinLength != nil {
		hints = append(hints, fmt.Sprintf("min length %d", *c.MinLength))
	}
	if c.MaxLength != nil {
		hints = append(hints, fmt.Sprintf("max length %d", *c.MaxLength))
	}
	if c.Pattern != "" {
		hints = append(hints, "pattern "+c.Pattern)
	}
	if len(c.Values) > 0 {
		hints = append(hints, "one of: "+strings.Join(c.Values, ", "))
	}
	if c.Element != "" {
		hints = append(hints, "elements of type "+string(c.Element))
	}
	return strings.Join(hints, "; ")
}

func parseRows(text string) ([]schema.Row, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Rows []schema.Row `json:"rows"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Rows) > 0 {
		return envelope.Rows, nil
	}

	var bare []schema.Row
	if err := json.Unmarshal(raw, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	return nil, errors.New("model output contains no rows")
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = stripCodeFence(trimmed)
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return []byte(trimmed), nil
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(trimmed, pair[0])
		end := strings.LastIndex(trimmed, pair[1])
		if start >= 0 && end > start {
			candidate := trimmed[start : end+1]
			if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
				return []byte(candidate), nil
			}
		}
	}

	return nil, errors.New("model output is not valid JSON")
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
