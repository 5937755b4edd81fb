package schema

import (
	"strings"
	"testing"
)

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func TestSchemaValidate(t *testing.T) {
	cases := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name:    "empty schema",
			schema:  Schema{},
			wantErr: "no columns",
		},
		{
			name: "valid mixed schema",
			schema: Schema{Columns: []Column{
				{Name: "email", Kind: KindEmail},
				{Name: "age", Kind: KindInteger, Constraints: Constraints{Min: floatPtr(0), Max: floatPtr(120)}},
				{Name: "tier", Kind: KindEnum, Constraints: Constraints{Values: []string{"free", "pro"}}},
				{Name: "tags", Kind: KindArray, Constraints: Constraints{Element: KindString}},
			}},
		},
		{
			name: "duplicate names",
			schema: Schema{Columns: []Column{
				{Name: "id", Kind: KindIdentifier},
				{Name: "id", Kind: KindString},
			}},
			wantErr: "duplicate column name",
		},
		{
			name:    "unknown kind",
			schema:  Schema{Columns: []Column{{Name: "x", Kind: "decimal"}}},
			wantErr: "unknown type",
		},
		{
			name: "enum without values",
			schema: Schema{Columns: []Column{
				{Name: "tier", Kind: KindEnum},
			}},
			wantErr: "requires constraint values",
		},
		{
			name: "array without element",
			schema: Schema{Columns: []Column{
				{Name: "tags", Kind: KindArray},
			}},
			wantErr: "requires an element type",
		},
		{
			name: "nested array element",
			schema: Schema{Columns: []Column{
				{Name: "tags", Kind: KindArray, Constraints: Constraints{Element: KindArray}},
			}},
			wantErr: "not supported",
		},
		{
			name: "min length above max length",
			schema: Schema{Columns: []Column{
				{Name: "name", Kind: KindString, Constraints: Constraints{MinLength: intPtr(10), MaxLength: intPtr(2)}},
			}},
			wantErr: "min_length exceeds max_length",
		},
		{
			name: "invalid pattern",
			schema: Schema{Columns: []Column{
				{Name: "code", Kind: KindString, Constraints: Constraints{Pattern: "["}},
			}},
			wantErr: "invalid pattern",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCoerceRow(t *testing.T) {
	s := Schema{Columns: []Column{
		{Name: "email", Kind: KindEmail},
		{Name: "age", Kind: KindInteger, Constraints: Constraints{Min: floatPtr(0), Max: floatPtr(120)}},
		{Name: "score", Kind: KindFloat},
		{Name: "active", Kind: KindBoolean},
		{Name: "signup", Kind: KindDate},
		{Name: "tier", Kind: KindEnum, Constraints: Constraints{Values: []string{"free", "pro"}}},
		{Name: "tags", Kind: KindArray, Constraints: Constraints{Element: KindString}},
	}}

	valid := Row{
		"email":  "person@example.com",
		"age":    float64(33), // json numbers decode as float64
		"score":  4.5,
		"active": true,
		"signup": "2025-01-15",
		"tier":   "pro",
		"tags":   []any{"a", "b"},
		"extra":  "dropped",
	}

	out, err := CoerceRow(s, valid)
	if err != nil {
		t.Fatalf("coerce valid row: %v", err)
	}
	if _, ok := out["extra"]; ok {
		t.Fatal("columns outside the schema must be dropped")
	}
	if n, ok := out["age"].(int64); !ok || n != 33 {
		t.Fatalf("expected age as int64(33), got %T %v", out["age"], out["age"])
	}

	bad := []struct {
		name string
		mut  func(Row)
		want string
	}{
		{"missing column", func(r Row) { delete(r, "email") }, "missing value"},
		{"bad email", func(r Row) { r["email"] = "not-an-email" }, "invalid email"},
		{"fractional integer", func(r Row) { r["age"] = 33.5 }, "expected integer"},
		{"integer out of range", func(r Row) { r["age"] = float64(300) }, "above maximum"},
		{"bad date", func(r Row) { r["signup"] = "15/01/2025" }, "invalid date"},
		{"enum miss", func(r Row) { r["tier"] = "enterprise" }, "not in enum values"},
		{"bad array element", func(r Row) { r["tags"] = []any{"a", float64(1)} }, "expected string"},
		{"bool as string", func(r Row) { r["active"] = "true" }, "expected boolean"},
	}

	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			row := Row{}
			for k, v := range valid {
				row[k] = v
			}
			tc.mut(row)
			_, err := CoerceRow(s, row)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCoercePhoneAndDatetime(t *testing.T) {
	s := Schema{Columns: []Column{
		{Name: "phone", Kind: KindPhone},
		{Name: "seen", Kind: KindDatetime},
	}}

	ok := []Row{
		{"phone": "+1 (555) 123-4567", "seen": "2025-01-15T10:30:00Z"},
		{"phone": "555.123.4567", "seen": "2025-01-15 10:30:00"},
	}
	for _, row := range ok {
		if _, err := CoerceRow(s, row); err != nil {
			t.Fatalf("expected row %v to coerce, got %v", row, err)
		}
	}

	bad := []Row{
		{"phone": "12345", "seen": "2025-01-15T10:30:00Z"},
		{"phone": "555-123-4567", "seen": "yesterday"},
	}
	for _, row := range bad {
		if _, err := CoerceRow(s, row); err == nil {
			t.Fatalf("expected row %v to be rejected", row)
		}
	}
}
