package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FieldKind enumerates the supported column data types.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindInteger    FieldKind = "integer"
	KindFloat      FieldKind = "float"
	KindBoolean    FieldKind = "boolean"
	KindDate       FieldKind = "date"
	KindDatetime   FieldKind = "datetime"
	KindEmail      FieldKind = "email"
	KindPhone      FieldKind = "phone"
	KindIdentifier FieldKind = "identifier"
	KindEnum       FieldKind = "enum"
	KindStructured FieldKind = "structured"
	KindArray      FieldKind = "array"
)

var knownKinds = map[FieldKind]bool{
	KindString:     true,
	KindInteger:    true,
	KindFloat:      true,
	KindBoolean:    true,
	KindDate:       true,
	KindDatetime:   true,
	KindEmail:      true,
	KindPhone:      true,
	KindIdentifier: true,
	KindEnum:       true,
	KindStructured: true,
	KindArray:      true,
}

// Constraints carries the per-kind constraint set. Only the fields relevant
// to the column's kind are consulted.
type Constraints struct {
	MinLength *int      `json:"min_length,omitempty"`
	MaxLength *int      `json:"max_length,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	Values    []string  `json:"values,omitempty"`
	Element   FieldKind `json:"element,omitempty"`
}

// Column defines a single field of the generated dataset.
type Column struct {
	Name        string      `json:"name"`
	Kind        FieldKind   `json:"type"`
	Description string      `json:"description,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
	Examples    []string    `json:"examples,omitempty"`
}

// Schema is an ordered list of column definitions.
type Schema struct {
	Columns  []Column       `json:"columns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Row is a single generated record keyed by column name.
type Row map[string]any

// Validate checks the schema structurally. It is called once at job creation;
// rows are only coerced against an already-validated schema afterwards.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.New("schema has no columns")
	}

	seen := make(map[string]bool, len(s.Columns))
	for i, col := range s.Columns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return fmt.Errorf("column %d has an empty name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate column name %q", name)
		}
		seen[name] = true

		if !knownKinds[col.Kind] {
			return fmt.Errorf("column %q has unknown type %q", name, col.Kind)
		}
		if err := col.Constraints.validate(col.Kind); err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
	}
	return nil
}

func (c Constraints) validate(kind FieldKind) error {
	if c.MinLength != nil && *c.MinLength < 0 {
		return errors.New("min_length is negative")
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		return errors.New("min_length exceeds max_length")
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return errors.New("min exceeds max")
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}

	switch kind {
	case KindEnum:
		if len(c.Values) == 0 {
			return errors.New("enum column requires constraint values")
		}
	case KindArray:
		if c.Element == "" {
			return errors.New("array column requires an element type")
		}
		if !knownKinds[c.Element] || c.Element == KindArray {
			return fmt.Errorf("array element type %q is not supported", c.Element)
		}
	}
	return nil
}

// Column returns the definition for name, if present.
func (s Schema) Column(name string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// FieldNames returns the column names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Columns))
	for _, col := range s.Columns {
		names = append(names, col.Name)
	}
	return names
}
