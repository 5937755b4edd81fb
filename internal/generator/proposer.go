package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"synthetic-data-orchestrator/internal/schema"
)

const proposerPrompt = `You design schemas for synthetic tabular datasets. Respond with a single JSON object:
{"columns": [{"name": "...", "type": "...", "description": "...", "constraints": {...}}], "confidence": 0.0, "warnings": ["..."]}
Allowed types: string, integer, float, boolean, date, datetime, email, phone, identifier, enum, structured, array.
Constraints may include min_length, max_length, pattern, min, max, values (for enum), element (for array).
Use snake_case column names. Do not use markdown code fences.`

// proposedColumn decodes a model-emitted column. Models sometimes key the
// column type "kind" instead of the documented "type"; accept either.
type proposedColumn struct {
	schema.Column
	KindAlias schema.FieldKind `json:"kind"`
}

// Proposal is a schema drafted from a natural-language description. The
// caller still reviews it before submitting a job.
type Proposal struct {
	Schema     schema.Schema `json:"schema"`
	Confidence float64       `json:"confidence"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// Proposer turns dataset descriptions into candidate schemas.
type Proposer struct {
	client TextGenerator
	model  string
}

// NewProposer builds a proposer on the given completion client.
func NewProposer(client TextGenerator, model string) *Proposer {
	return &Proposer{client: client, model: model}
}

// Propose asks the model for a schema matching the description. Example data
// is optional and passed through verbatim as grounding.
func (p *Proposer) Propose(ctx context.Context, description, exampleData string) (Proposal, error) {
	if strings.TrimSpace(description) == "" {
		return Proposal{}, Permanent(fmt.Errorf("empty dataset description"))
	}

	var b strings.Builder
	b.WriteString("Design a schema for the following dataset.\n\nDescription:\n")
	b.WriteString(description)
	if exampleData != "" {
		b.WriteString("\n\nExample data:\n")
		b.WriteString(exampleData)
	}

	result, err := p.client.Complete(ctx, CompletionRequest{
		Model:        p.model,
		SystemPrompt: proposerPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.2,
	})
	if err != nil {
		return Proposal{}, err
	}

	raw, err := extractJSON(result.Text)
	if err != nil {
		return Proposal{}, Transient(fmt.Errorf("schema proposal: %w", err))
	}

	var out struct {
		Columns    []proposedColumn `json:"columns"`
		Confidence float64          `json:"confidence"`
		Warnings   []string         `json:"warnings"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Proposal{}, Transient(fmt.Errorf("schema proposal: %w", err))
	}

	columns := make([]schema.Column, len(out.Columns))
	for i, c := range out.Columns {
		col := c.Column
		if col.Kind == "" {
			col.Kind = c.KindAlias
		}
		columns[i] = col
	}

	proposal := Proposal{
		Schema:     schema.Schema{Columns: columns},
		Confidence: out.Confidence,
		Warnings:   out.Warnings,
	}
	if err := proposal.Schema.Validate(); err != nil {
		return Proposal{}, Transient(fmt.Errorf("proposed schema invalid: %w", err))
	}
	if proposal.Confidence < 0 || proposal.Confidence > 1 {
		proposal.Confidence = 0
		proposal.Warnings = append(proposal.Warnings, "model did not report a usable confidence score")
	}
	return proposal, nil
}
