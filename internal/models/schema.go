package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type ColumnType int

const (
	TypeString ColumnType = iota
	TypeNumber
	TypeInteger
	TypeBoolean
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// Column is one fixed output column fed by a record field.
type Column struct {
	Name  string
	Field string
	Type  ColumnType
	// Bounded numeric columns are clamped into [Min, Max].
	Bounded  bool
	Min, Max float64
	// Layout formats timestamps; time.DateOnly when empty.
	Layout string
}

func (c Column) layout() string {
	if c.Layout == "" {
		return time.DateOnly
	}
	return c.Layout
}

// Schema is an ordered, fixed column set.
type Schema struct {
	Name     string
	Identity string
	Columns  []Column
}

func (s *Schema) Header() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// OutputRow is a finalized, immutable row conforming to a Schema.
type OutputRow struct {
	schema     *Schema
	values     []any
	provenance []Provenance
}

// NewOutputRow copies values; callers must pass one value per column with the
// Go type matching the column type (string, float64, int64, bool, time.Time).
func NewOutputRow(schema *Schema, values []any, provenance []Provenance) OutputRow {
	v := make([]any, len(values))
	copy(v, values)
	p := make([]Provenance, len(provenance))
	copy(p, provenance)
	return OutputRow{schema: schema, values: v, provenance: p}
}

func (r OutputRow) Schema() *Schema { return r.schema }

func (r OutputRow) Len() int { return len(r.values) }

func (r OutputRow) Value(i int) any { return r.values[i] }

func (r OutputRow) Get(name string) (any, bool) {
	if r.schema == nil {
		return nil, false
	}
	i := r.schema.Index(name)
	if i < 0 || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

func (r OutputRow) String(name string) string {
	v, _ := r.Get(name)
	s, _ := v.(string)
	return s
}

func (r OutputRow) Float(name string) float64 {
	v, _ := r.Get(name)
	f, _ := v.(float64)
	return f
}

func (r OutputRow) Int(name string) int64 {
	v, _ := r.Get(name)
	n, _ := v.(int64)
	return n
}

func (r OutputRow) Bool(name string) bool {
	v, _ := r.Get(name)
	b, _ := v.(bool)
	return b
}

func (r OutputRow) Time(name string) time.Time {
	v, _ := r.Get(name)
	t, _ := v.(time.Time)
	return t
}

// ID returns the identity column value.
func (r OutputRow) ID() string {
	if r.schema == nil {
		return ""
	}
	return r.String(r.schema.Identity)
}

func (r OutputRow) Provenance(name string) Provenance {
	if r.schema == nil {
		return ""
	}
	i := r.schema.Index(name)
	if i < 0 || i >= len(r.provenance) {
		return ""
	}
	return r.provenance[i]
}

// Strings renders the row positionally for CSV output.
func (r OutputRow) Strings() []string {
	out := make([]string, len(r.values))
	for i, v := range r.values {
		out[i] = formatValue(r.schema.Columns[i], v)
	}
	return out
}

// MarshalJSON keeps schema column order.
func (r OutputRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.schema.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var val any = r.values[i]
		if c.Type == TypeTimestamp {
			val = formatValue(c, r.values[i])
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal column %s: %w", c.Name, err)
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatValue(c Column, v any) string {
	switch c.Type {
	case TypeNumber:
		f, _ := v.(float64)
		return strconv.FormatFloat(f, 'f', -1, 64)
	case TypeInteger:
		n, _ := v.(int64)
		return strconv.FormatInt(n, 10)
	case TypeBoolean:
		b, _ := v.(bool)
		return strconv.FormatBool(b)
	case TypeTimestamp:
		t, _ := v.(time.Time)
		return t.Format(c.layout())
	default:
		s, _ := v.(string)
		return s
	}
}

// RowFromStrings parses a positional CSV record written with Strings. The
// record must match the schema header length.
func RowFromStrings(schema *Schema, record []string) (OutputRow, error) {
	if len(record) != len(schema.Columns) {
		return OutputRow{}, fmt.Errorf("expected %d columns, got %d", len(schema.Columns), len(record))
	}

	values := make([]any, len(record))
	prov := make([]Provenance, len(record))
	for i, c := range schema.Columns {
		raw := record[i]
		prov[i] = ProvenanceExtracted
		switch c.Type {
		case TypeNumber:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return OutputRow{}, fmt.Errorf("column %s: %w", c.Name, err)
			}
			values[i] = f
		case TypeInteger:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return OutputRow{}, fmt.Errorf("column %s: %w", c.Name, err)
			}
			values[i] = n
		case TypeBoolean:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return OutputRow{}, fmt.Errorf("column %s: %w", c.Name, err)
			}
			values[i] = b
		case TypeTimestamp:
			t, err := time.Parse(c.layout(), raw)
			if err != nil {
				return OutputRow{}, fmt.Errorf("column %s: %w", c.Name, err)
			}
			values[i] = t
		default:
			values[i] = raw
		}
	}

	return NewOutputRow(schema, values, prov), nil
}
