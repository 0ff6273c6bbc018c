package script

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/analyst/internal/schema"
)

// Value is any script value: nil, float64, string, bool, time.Time, []Value,
// *Dict, *Frame, *Column, *Grouped, *Module or *Builtin.
type Value = any

// Dict is an insertion-ordered string-keyed map.
type Dict struct {
	keys []string
	vals map[string]Value
}

func NewDict() *Dict { return &Dict{vals: map[string]Value{}} }

func (d *Dict) Set(k string, v Value) {
	if _, ok := d.vals[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.vals[k] = v
}

func (d *Dict) Get(k string) (Value, bool) {
	v, ok := d.vals[k]
	return v, ok
}

func (d *Dict) Keys() []string { return append([]string(nil), d.keys...) }

func (d *Dict) Len() int { return len(d.keys) }

// Column is a named, typed vector.
type Column struct {
	Name string
	Type schema.Type
	Vals []Value
}

func (c *Column) Len() int { return len(c.Vals) }

// Numbers returns the numeric cells, skipping missing and NaN ones.
func (c *Column) Numbers() []float64 {
	out := make([]float64, 0, len(c.Vals))
	for _, v := range c.Vals {
		if f, ok := v.(float64); ok && !math.IsNaN(f) {
			out = append(out, f)
		}
	}
	return out
}

// Frame is an ordered set of equal-length columns.
type Frame struct {
	Name string
	Cols []*Column
}

func (f *Frame) Rows() int {
	if len(f.Cols) == 0 {
		return 0
	}
	return f.Cols[0].Len()
}

func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Cols {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (f *Frame) Schema() schema.Schema {
	out := make(schema.Schema, 0, len(f.Cols))
	for _, c := range f.Cols {
		out = append(out, schema.Column{Name: c.Name, Type: c.Type})
	}
	return out
}

// take builds a new frame holding the given row indexes.
func (f *Frame) take(rows []int) *Frame {
	out := &Frame{Name: f.Name}
	for _, c := range f.Cols {
		vals := make([]Value, len(rows))
		for i, r := range rows {
			vals[i] = c.Vals[r]
		}
		out.Cols = append(out.Cols, &Column{Name: c.Name, Type: c.Type, Vals: vals})
	}
	return out
}

func (f *Frame) row(r int) *Dict {
	d := NewDict()
	for _, c := range f.Cols {
		d.Set(c.Name, c.Vals[r])
	}
	return d
}

// Grouped is a frame partitioned by one column, groups in first-seen order.
type Grouped struct {
	frame  *Frame
	by     string
	keys   []Value
	groups [][]int
}

// Module is an importable namespace.
type Module struct {
	Name    string
	members map[string]Value
}

type builtinFn func(in *Interp, args []Value, kw map[string]Value) (Value, error)

// Builtin is a callable provided by the runtime.
type Builtin struct {
	Name string
	fn   builtinFn
}

func typeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time:
		return "date"
	case []Value:
		return "list"
	case *Dict:
		return "dict"
	case *Frame:
		return "frame"
	case *Column:
		return "column"
	case *Grouped:
		return "grouped frame"
	case *Module:
		return "module"
	case *Builtin:
		return "function"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isScalar(v Value) bool {
	switch v.(type) {
	case nil, float64, string, bool, time.Time:
		return true
	}
	return false
}

func truthy(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	case []Value:
		return len(v) > 0
	case *Dict:
		return v.Len() > 0
	case *Frame:
		return v.Rows() > 0
	case *Column:
		return v.Len() > 0
	default:
		return true
	}
}

func equal(a, b Value) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []Value:
		y, ok := b.([]Value)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// compare orders two scalars of the same kind. Missing values sort last.
func compare(a, b Value) (int, error) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, errorf(TypeError, "cannot compare %s with %s", typeName(a), typeName(b))
}

func sortValues(vals []Value, desc bool) {
	sort.SliceStable(vals, func(i, j int) bool { return lessNilLast(vals[i], vals[j], desc) })
}

func lessNilLast(a, b Value, desc bool) bool {
	if a == nil || b == nil {
		return a != nil && b == nil
	}
	c, err := compare(a, b)
	if err != nil {
		return typeName(a) < typeName(b)
	}
	if desc {
		return c > 0
	}
	return c < 0
}

func toString(v Value) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
		return strconv.FormatFloat(v, 'g', 10, 64)
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return formatDate(v)
	case []Value:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = toString(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Dict:
		parts := make([]string, 0, v.Len())
		for _, k := range v.keys {
			parts = append(parts, strconv.Quote(k)+": "+toString(v.vals[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Frame:
		return fmt.Sprintf("<frame %s: %d rows x %d columns>", v.Name, v.Rows(), len(v.Cols))
	case *Column:
		return fmt.Sprintf("<column %s: %d values>", v.Name, v.Len())
	case *Grouped:
		return fmt.Sprintf("<grouped by %s: %d groups>", v.by, len(v.keys))
	case *Module:
		return "<module " + v.Name + ">"
	case *Builtin:
		return "<function " + v.Name + ">"
	default:
		return fmt.Sprint(v)
	}
}

func formatDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// ToJSON converts a value into plain JSON-encodable data. Frames become
// {"type":"frame","columns":[...],"rows":[[...]]}; non-finite numbers become
// null.
func ToJSON(v Value) (any, error) {
	switch v := v.(type) {
	case nil, bool, string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil
		}
		return v, nil
	case time.Time:
		return formatDate(v), nil
	case []Value:
		out := make([]any, len(v))
		for i, x := range v {
			j, err := ToJSON(x)
			if err != nil {
				return nil, err
			}
			out[i] = j
		}
		return out, nil
	case *Dict:
		out := make(map[string]any, v.Len())
		for _, k := range v.keys {
			j, err := ToJSON(v.vals[k])
			if err != nil {
				return nil, err
			}
			out[k] = j
		}
		return out, nil
	case *Column:
		vals, err := ToJSON(v.Vals)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "column", "name": v.Name, "values": vals}, nil
	case *Frame:
		cols := make([]any, len(v.Cols))
		for i, c := range v.Cols {
			cols[i] = c.Name
		}
		rows := make([]any, v.Rows())
		for r := range rows {
			row := make([]any, len(v.Cols))
			for i, c := range v.Cols {
				j, err := ToJSON(c.Vals[r])
				if err != nil {
					return nil, err
				}
				row[i] = j
			}
			rows[r] = row
		}
		return map[string]any{"type": "frame", "columns": cols, "rows": rows}, nil
	case *Grouped:
		groups := make(map[string]any, len(v.keys))
		for i, k := range v.keys {
			groups[toString(k)] = float64(len(v.groups[i]))
		}
		return map[string]any{"type": "grouped", "by": v.by, "counts": groups}, nil
	default:
		return nil, errorf(TypeError, "%s value cannot be returned as a result", typeName(v))
	}
}

// TypeOf names the kind of a value for result metadata.
func TypeOf(v Value) string { return typeName(v) }
