package schema

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// CoerceRow validates a candidate row against the schema and returns a copy
// holding only the schema's columns with normalized value types. A non-nil
// error means the row is malformed and must be dropped, not that the chunk
// failed.
func CoerceRow(s Schema, row Row) (Row, error) {
	out := make(Row, len(s.Columns))
	for _, col := range s.Columns {
		raw, ok := row[col.Name]
		if !ok || raw == nil {
			return nil, fmt.Errorf("missing value for column %q", col.Name)
		}
		value, err := coerceValue(col.Kind, col.Constraints, raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		out[col.Name] = value
	}
	return out, nil
}

func coerceValue(kind FieldKind, c Constraints, raw any) (any, error) {
	switch kind {
	case KindString:
		return coerceString(c, raw)
	case KindInteger:
		return coerceInteger(c, raw)
	case KindFloat:
		return coerceFloat(c, raw)
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case KindDate:
		return coerceTime(raw, "2006-01-02")
	case KindDatetime:
		return coerceDatetime(raw)
	case KindEmail:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		if !emailPattern.MatchString(s) {
			return nil, fmt.Errorf("invalid email %q", s)
		}
		return s, nil
	case KindPhone:
		return coercePhone(raw)
	case KindIdentifier:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("empty identifier")
		}
		return s, nil
	case KindEnum:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		for _, v := range c.Values {
			if s == v {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q not in enum values", s)
	case KindStructured:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", raw)
		}
		return m, nil
	case KindArray:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := coerceValue(c.Element, Constraints{}, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", kind)
	}
}

func coerceString(c Constraints, raw any) (any, error) {
	s, err := asString(raw)
	if err != nil {
		return nil, err
	}
	if c.MinLength != nil && len(s) < *c.MinLength {
		return nil, fmt.Errorf("string shorter than %d", *c.MinLength)
	}
	if c.MaxLength != nil && len(s) > *c.MaxLength {
		return nil, fmt.Errorf("string longer than %d", *c.MaxLength)
	}
	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, err
		}
		if !re.MatchString(s) {
			return nil, fmt.Errorf("string does not match pattern %q", c.Pattern)
		}
	}
	return s, nil
}

func coerceInteger(c Constraints, raw any) (any, error) {
	var n int64
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	default:
		return nil, fmt.Errorf("expected integer, got %T", raw)
	}
	if c.Min != nil && float64(n) < *c.Min {
		return nil, fmt.Errorf("%d below minimum %v", n, *c.Min)
	}
	if c.Max != nil && float64(n) > *c.Max {
		return nil, fmt.Errorf("%d above maximum %v", n, *c.Max)
	}
	return n, nil
}

func coerceFloat(c Constraints, raw any) (any, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil, fmt.Errorf("expected number, got %T", raw)
	}
	if c.Min != nil && f < *c.Min {
		return nil, fmt.Errorf("%v below minimum %v", f, *c.Min)
	}
	if c.Max != nil && f > *c.Max {
		return nil, fmt.Errorf("%v above maximum %v", f, *c.Max)
	}
	return f, nil
}

func coerceTime(raw any, layout string) (any, error) {
	s, err := asString(raw)
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(layout, s); err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	return s, nil
}

func coerceDatetime(raw any) (any, error) {
	s, err := asString(raw)
	if err != nil {
		return nil, err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if _, err := time.Parse(layout, s); err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("invalid datetime %q", s)
}

func coercePhone(raw any) (any, error) {
	s, err := asString(raw)
	if err != nil {
		return nil, err
	}
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return nil, fmt.Errorf("invalid phone %q", s)
		}
	}
	if digits < 7 || digits > 15 {
		return nil, fmt.Errorf("invalid phone %q", s)
	}
	return s, nil
}

func asString(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", raw)
	}
	return s, nil
}
