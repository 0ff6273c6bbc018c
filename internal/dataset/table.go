// Package dataset holds the read-only tables analysis routines run against.
package dataset

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/danshapiro/analyst/internal/schema"
)

// Table is an immutable, column-oriented dataset. Cells are float64, string,
// bool, time.Time or nil (missing), according to the column's schema type.
type Table struct {
	name   string
	schema schema.Schema
	cols   [][]any
	rows   int
}

// NewTable validates that every column matches the schema and has the same
// length. The cell slices are copied.
func NewTable(name string, s schema.Schema, cols [][]any) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("dataset: table name is required")
	}
	if len(cols) != len(s) {
		return nil, fmt.Errorf("dataset %q: %d columns for %d schema entries", name, len(cols), len(s))
	}
	seen := map[string]bool{}
	rows := -1
	t := &Table{name: name, schema: append(schema.Schema(nil), s...)}
	for i, c := range s {
		if c.Name == "" {
			return nil, fmt.Errorf("dataset %q: column %d has no name", name, i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("dataset %q: duplicate column %q", name, c.Name)
		}
		seen[c.Name] = true
		if rows >= 0 && len(cols[i]) != rows {
			return nil, fmt.Errorf("dataset %q: column %q has %d rows, want %d", name, c.Name, len(cols[i]), rows)
		}
		rows = len(cols[i])
		for r, v := range cols[i] {
			if !cellMatches(c.Type, v) {
				return nil, fmt.Errorf("dataset %q: column %q row %d: %T is not %s", name, c.Name, r, v, c.Type)
			}
		}
		t.cols = append(t.cols, append([]any(nil), cols[i]...))
	}
	if rows < 0 {
		rows = 0
	}
	t.rows = rows
	return t, nil
}

func cellMatches(t schema.Type, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case schema.TypeNumber:
		_, ok := v.(float64)
		return ok
	case schema.TypeString:
		_, ok := v.(string)
		return ok
	case schema.TypeBool:
		_, ok := v.(bool)
		return ok
	case schema.TypeDate:
		_, ok := v.(time.Time)
		return ok
	default:
		switch v.(type) {
		case float64, string, bool, time.Time:
			return true
		}
		return false
	}
}

func (t *Table) Name() string { return t.name }

func (t *Table) Schema() schema.Schema { return append(schema.Schema(nil), t.schema...) }

func (t *Table) Len() int { return t.rows }

// Column returns a copy of the named column's cells.
func (t *Table) Column(name string) ([]any, bool) {
	for i, c := range t.schema {
		if c.Name == name {
			return append([]any(nil), t.cols[i]...), true
		}
	}
	return nil, false
}

// Numbers returns the non-missing cells of a number column.
func (t *Table) Numbers(name string) ([]float64, bool) {
	col, ok := t.Column(name)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(col))
	for _, v := range col {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out, true
}

// Cell returns one cell; out-of-range access yields nil.
func (t *Table) Cell(col string, row int) any {
	for i, c := range t.schema {
		if c.Name == col {
			if row < 0 || row >= t.rows {
				return nil
			}
			return t.cols[i][row]
		}
	}
	return nil
}

type tableJSON struct {
	Name    string        `json:"name"`
	Schema  schema.Schema `json:"schema"`
	Columns [][]any       `json:"columns"`
}

// MarshalJSON encodes dates as RFC 3339 strings; UnmarshalJSON restores them
// from the schema.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{Name: t.name, Schema: t.schema, Columns: t.cols})
}

func (t *Table) UnmarshalJSON(b []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Columns) != len(raw.Schema) {
		return fmt.Errorf("dataset %q: %d columns for %d schema entries", raw.Name, len(raw.Columns), len(raw.Schema))
	}
	for i, c := range raw.Schema {
		if c.Type != schema.TypeDate {
			continue
		}
		for r, v := range raw.Columns[i] {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("dataset %q: column %q row %d: %w", raw.Name, c.Name, r, err)
			}
			raw.Columns[i][r] = ts
		}
	}
	nt, err := NewTable(raw.Name, raw.Schema, raw.Columns)
	if err != nil {
		return err
	}
	*t = *nt
	return nil
}

// Catalog is a set of tables keyed by name.
type Catalog map[string]*Table

func NewCatalog(tables ...*Table) Catalog {
	c := Catalog{}
	for _, t := range tables {
		c[t.Name()] = t
	}
	return c
}

// Names returns table names in sorted order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c))
	for n := range c {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Schemas returns each table's schema keyed by table name.
func (c Catalog) Schemas() map[string]schema.Schema {
	out := make(map[string]schema.Schema, len(c))
	for n, t := range c {
		out[n] = t.Schema()
	}
	return out
}

// Tables returns the tables in name order.
func (c Catalog) Tables() []*Table {
	out := make([]*Table, 0, len(c))
	for _, n := range c.Names() {
		out = append(out, c[n])
	}
	return out
}
