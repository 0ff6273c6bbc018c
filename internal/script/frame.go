package script

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
)

// frameColumn looks a column up by exact name, falling back to the
// reconciler. Only unambiguous mappings are applied.
func (in *Interp) frameColumn(f *Frame, name string) (*Column, error) {
	if c, ok := f.Column(name); ok {
		return c, nil
	}
	m := in.opts.Reconciler.Resolve(name, f.Schema())
	m.Dataset = f.Name
	in.recordMapping(m)
	if m.Applied() {
		c, _ := f.Column(m.Resolved)
		return c, nil
	}
	if m.IsAmbiguous() {
		names := make([]string, len(m.Ambiguous))
		for i, c := range m.Ambiguous {
			names[i] = c.Name
		}
		return nil, errorf(KeyError, "column %q not found (ambiguous: %s)", name, strings.Join(names, ", "))
	}
	return nil, errorf(KeyError, "column %q not found", name)
}

func (in *Interp) frameSelect(f *Frame, names []Value) (*Frame, error) {
	out := &Frame{Name: f.Name}
	for _, n := range names {
		s, ok := n.(string)
		if !ok {
			return nil, errorf(TypeError, "column names must be strings, got %s", typeName(n))
		}
		c, err := in.frameColumn(f, s)
		if err != nil {
			return nil, err
		}
		out.Cols = append(out.Cols, c)
	}
	return out, nil
}

func stringArg(name string, args []Value, i int) (string, error) {
	if i >= len(args) {
		return "", errorf(TypeError, "%s() missing argument %d", name, i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", errorf(TypeError, "%s() argument %d must be a string, got %s", name, i+1, typeName(args[i]))
	}
	return s, nil
}

func (in *Interp) frameMethod(f *Frame, name string, args []Value, kw map[string]Value) (Value, error) {
	switch name {
	case "where", "filter":
		expr, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return in.where(f, expr)
	case "derive":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		expr, err := stringArg(name, args, 1)
		if err != nil {
			return nil, err
		}
		return in.derive(f, col, expr)
	case "select":
		names := args
		if len(args) == 1 {
			if l, ok := args[0].([]Value); ok {
				names = l
			}
		}
		return in.frameSelect(f, names)
	case "group_by", "groupby":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return in.groupBy(f, col)
	case "sort", "sort_values":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return in.sortFrame(f, col, truthy(kw["desc"]))
	case "head", "tail":
		n := 5.0
		if len(args) > 0 {
			v, ok := args[0].(float64)
			if !ok {
				return nil, errorf(TypeError, "%s() argument must be a number", name)
			}
			n = v
		}
		k := min(max(int(n), 0), f.Rows())
		rows := make([]int, k)
		for i := range rows {
			if name == "head" {
				rows[i] = i
			} else {
				rows[i] = f.Rows() - k + i
			}
		}
		out := f.take(rows)
		return out, in.allocFrame(out)
	case "count", "len":
		return float64(f.Rows()), nil
	case "columns":
		out := make([]Value, len(f.Cols))
		for i, c := range f.Cols {
			out[i] = c.Name
		}
		return out, in.alloc(len(out))
	case "col", "column":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return in.frameColumn(f, col)
	case "describe":
		return in.describe(f)
	case "row":
		if len(args) != 1 {
			return nil, errorf(TypeError, "row() takes 1 argument")
		}
		r, err := listIndex(args[0], f.Rows())
		if err != nil {
			return nil, err
		}
		return f.row(r), in.alloc(len(f.Cols))
	default:
		return nil, errorf(TypeError, "frame value has no attribute %q", name)
	}
}

func (in *Interp) groupBy(f *Frame, col string) (*Grouped, error) {
	c, err := in.frameColumn(f, col)
	if err != nil {
		return nil, err
	}
	if err := in.step(int64(c.Len())); err != nil {
		return nil, err
	}
	g := &Grouped{frame: f, by: c.Name}
	index := map[string]int{}
	for r, v := range c.Vals {
		key := fmt.Sprintf("%T:%v", v, v)
		gi, ok := index[key]
		if !ok {
			gi = len(g.keys)
			index[key] = gi
			g.keys = append(g.keys, v)
			g.groups = append(g.groups, nil)
		}
		g.groups[gi] = append(g.groups[gi], r)
	}
	return g, in.alloc(c.Len())
}

func (in *Interp) sortFrame(f *Frame, col string, desc bool) (*Frame, error) {
	c, err := in.frameColumn(f, col)
	if err != nil {
		return nil, err
	}
	n := c.Len()
	if err := in.step(int64(n)); err != nil {
		return nil, err
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(i, j int) bool { return lessNilLast(c.Vals[rows[i]], c.Vals[rows[j]], desc) })
	out := f.take(rows)
	return out, in.allocFrame(out)
}

func (in *Interp) describe(f *Frame) (*Dict, error) {
	d := NewDict()
	for _, c := range f.Cols {
		if c.Type != schema.TypeNumber {
			continue
		}
		if err := in.step(int64(c.Len())); err != nil {
			return nil, err
		}
		nums := c.Numbers()
		s := NewDict()
		s.Set("count", float64(len(nums)))
		s.Set("missing", float64(c.Len()-len(nums)))
		s.Set("mean", meanOf(nums))
		s.Set("min", minOf(nums))
		s.Set("max", maxOf(nums))
		s.Set("std", stdevOf(nums))
		d.Set(c.Name, s)
	}
	return d, in.alloc(d.Len() * 6)
}

func (in *Interp) groupedMethod(g *Grouped, name string, args []Value, kw map[string]Value) (Value, error) {
	switch name {
	case "agg", "aggregate":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		fn := "sum"
		if len(args) > 1 {
			if fn, err = stringArg(name, args, 1); err != nil {
				return nil, err
			}
		} else if v, ok := kw["fn"].(string); ok {
			fn = v
		}
		return in.aggregate(g, col, fn)
	case "sum", "mean", "min", "max":
		col, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return in.aggregate(g, col, name)
	case "count", "size":
		out := &Frame{Name: g.frame.Name, Cols: []*Column{
			{Name: g.by, Type: g.keyType(), Vals: append([]Value(nil), g.keys...)},
			{Name: "count", Type: schema.TypeNumber, Vals: make([]Value, len(g.keys))},
		}}
		for i := range g.keys {
			out.Cols[1].Vals[i] = float64(len(g.groups[i]))
		}
		return out, in.allocFrame(out)
	default:
		return nil, errorf(TypeError, "grouped frame value has no attribute %q", name)
	}
}

func (g *Grouped) keyType() schema.Type {
	if c, ok := g.frame.Column(g.by); ok {
		return c.Type
	}
	return schema.TypeUnknown
}

func (in *Interp) aggregate(g *Grouped, col, fn string) (*Frame, error) {
	c, err := in.frameColumn(g.frame, col)
	if err != nil {
		return nil, err
	}
	if err := in.step(int64(c.Len())); err != nil {
		return nil, err
	}
	vals := make([]Value, len(g.keys))
	for i, rows := range g.groups {
		sub := &Column{Name: c.Name, Type: c.Type, Vals: make([]Value, len(rows))}
		for j, r := range rows {
			sub.Vals[j] = c.Vals[r]
		}
		v, err := reduceColumn(sub, fn)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	out := &Frame{Name: g.frame.Name, Cols: []*Column{
		{Name: g.by, Type: g.keyType(), Vals: append([]Value(nil), g.keys...)},
		{Name: c.Name, Type: schema.TypeNumber, Vals: vals},
	}}
	return out, in.allocFrame(out)
}

func (in *Interp) columnMethod(c *Column, name string, args []Value, kw map[string]Value) (Value, error) {
	if err := in.step(int64(c.Len())); err != nil {
		return nil, err
	}
	switch name {
	case "sum", "mean", "min", "max", "count", "median", "std":
		return reduceColumn(c, name)
	case "first":
		if c.Len() == 0 {
			return nil, nil
		}
		return c.Vals[0], nil
	case "values", "to_list":
		out := append([]Value(nil), c.Vals...)
		return out, in.alloc(len(out))
	case "unique":
		seen := map[string]bool{}
		var out []Value
		for _, v := range c.Vals {
			k := fmt.Sprintf("%T:%v", v, v)
			if !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
		return out, in.alloc(len(out))
	case "round":
		digits := 0.0
		if len(args) > 0 {
			digits, _ = args[0].(float64)
		}
		out := &Column{Name: c.Name, Type: c.Type, Vals: make([]Value, c.Len())}
		for i, v := range c.Vals {
			if f, ok := v.(float64); ok {
				out.Vals[i] = roundTo(f, int(digits))
			} else {
				out.Vals[i] = v
			}
		}
		return out, in.alloc(out.Len())
	case "pct_change":
		return in.pctChange(c)
	default:
		return nil, errorf(TypeError, "column value has no attribute %q", name)
	}
}

// reduceColumn aggregates a column. Missing cells are skipped; an all-missing
// column reduces to null except for count and sum.
func reduceColumn(c *Column, fn string) (Value, error) {
	if fn == "count" {
		n := 0
		for _, v := range c.Vals {
			if v != nil {
				n++
			}
		}
		return float64(n), nil
	}
	nums := c.Numbers()
	if len(nums) == 0 {
		for _, v := range c.Vals {
			if v != nil {
				if fn == "min" || fn == "max" {
					return reduceOrdered(c.Vals, fn)
				}
				return nil, errorf(TypeError, "cannot %s %s values", fn, typeName(v))
			}
		}
		if fn == "sum" {
			return 0.0, nil
		}
		return nil, nil
	}
	switch fn {
	case "sum":
		s := 0.0
		for _, f := range nums {
			s += f
		}
		return s, nil
	case "mean":
		return meanOf(nums), nil
	case "min":
		return minOf(nums), nil
	case "max":
		return maxOf(nums), nil
	case "median":
		return medianOf(nums), nil
	case "std":
		return stdevOf(nums), nil
	default:
		return nil, errorf(ValueError, "unknown aggregation %q (want sum, mean, count, min or max)", fn)
	}
}

func reduceOrdered(vals []Value, fn string) (Value, error) {
	var best Value
	for _, v := range vals {
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		c, err := compare(v, best)
		if err != nil {
			return nil, err
		}
		if (fn == "min" && c < 0) || (fn == "max" && c > 0) {
			best = v
		}
	}
	return best, nil
}

func (in *Interp) pctChange(c *Column) (*Column, error) {
	out := &Column{Name: c.Name, Type: schema.TypeNumber, Vals: make([]Value, c.Len())}
	for i := 1; i < c.Len(); i++ {
		prev, ok1 := c.Vals[i-1].(float64)
		cur, ok2 := c.Vals[i].(float64)
		if ok1 && ok2 && prev != 0 {
			out.Vals[i] = (cur - prev) / prev
		}
	}
	return out, in.alloc(out.Len())
}

func meanOf(nums []float64) Value {
	if len(nums) == 0 {
		return nil
	}
	s := 0.0
	for _, f := range nums {
		s += f
	}
	return s / float64(len(nums))
}

func minOf(nums []float64) Value {
	if len(nums) == 0 {
		return nil
	}
	m := nums[0]
	for _, f := range nums[1:] {
		m = math.Min(m, f)
	}
	return m
}

func maxOf(nums []float64) Value {
	if len(nums) == 0 {
		return nil
	}
	m := nums[0]
	for _, f := range nums[1:] {
		m = math.Max(m, f)
	}
	return m
}

func medianOf(nums []float64) Value {
	if len(nums) == 0 {
		return nil
	}
	s := append([]float64(nil), nums...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// stdevOf is the sample standard deviation.
func stdevOf(nums []float64) Value {
	if len(nums) < 2 {
		return nil
	}
	m := meanOf(nums).(float64)
	ss := 0.0
	for _, f := range nums {
		ss += (f - m) * (f - m)
	}
	return math.Sqrt(ss / float64(len(nums)-1))
}

func roundTo(f float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(f*p) / p
}

// frameFromTable copies a dataset table into a script frame.
func frameFromTable(t *dataset.Table) *Frame {
	f := &Frame{Name: t.Name()}
	for _, c := range t.Schema() {
		vals, _ := t.Column(c.Name)
		f.Cols = append(f.Cols, &Column{Name: c.Name, Type: c.Type, Vals: vals})
	}
	return f
}
