package script

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danshapiro/analyst/internal/dataset"
	"github.com/danshapiro/analyst/internal/schema"
)

const (
	DefaultMaxSteps  int64 = 50_000_000
	DefaultMaxCells  int64 = 8_000_000
	maxPrintedOutput       = 64 << 10

	// stringCellBytes is how many bytes of string data count as one cell.
	stringCellBytes = 64

	// ResultVar is the variable holding the routine's answer.
	ResultVar = "result"
)

// Options configures one interpreter run.
type Options struct {
	Catalog    dataset.Catalog
	Reconciler *schema.Reconciler
	// MaxSteps bounds evaluation work (statements, expressions and rows
	// processed); exceeding it is a CPU ceiling breach.
	MaxSteps int64
	// MaxCells bounds the cells allocated for frames, columns, lists and
	// dicts; exceeding it is a memory ceiling breach.
	MaxCells int64
}

// Output is everything a run produced. Usage counters are filled in even when
// the run fails.
type Output struct {
	Result   Value
	Steps    int64
	Cells    int64
	Printed  string
	Mappings []schema.Mapping
}

// Interp evaluates one program. It is single-use and not safe for concurrent
// use.
type Interp struct {
	opts     Options
	ctx      context.Context
	done     <-chan struct{}
	globals  map[string]Value
	steps    int64
	cells    int64
	printed  strings.Builder
	mappings []schema.Mapping
}

// Run executes prog to completion, cancellation, or a ceiling breach.
func Run(ctx context.Context, prog *Program, opts Options) (out Output, err error) {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = DefaultMaxCells
	}
	if opts.Reconciler == nil {
		opts.Reconciler = schema.Default
	}
	in := &Interp{opts: opts, ctx: ctx, done: ctx.Done(), globals: map[string]Value{}}
	defer func() {
		out.Steps, out.Cells = in.steps, in.cells
		out.Printed = in.printed.String()
		out.Mappings = append([]schema.Mapping(nil), in.mappings...)
	}()

	if err := in.execBlock(prog.Stmts); err != nil {
		return out, err
	}
	res, ok := in.globals[ResultVar]
	if !ok {
		err := errorf(NameError, "result is not defined; assign the answer to the variable \"result\"")
		if n := len(prog.Stmts); n > 0 {
			return out, withLine(err, prog.Stmts[n-1].Line())
		}
		return out, err
	}
	out.Result = res
	return out, nil
}

func (in *Interp) step(n int64) error {
	select {
	case <-in.done:
		return errorf(TimeoutError, "execution interrupted: %v", in.ctx.Err())
	default:
	}
	in.steps += n
	if in.steps > in.opts.MaxSteps {
		return errorf(ResourceError, "step budget of %d exhausted (cpu ceiling)", in.opts.MaxSteps)
	}
	return nil
}

func (in *Interp) alloc(n int) error {
	in.cells += int64(n)
	if in.cells > in.opts.MaxCells {
		return errorf(ResourceError, "cell budget of %d exceeded (memory ceiling)", in.opts.MaxCells)
	}
	return nil
}

// allocString charges a string of n bytes before it is built.
func (in *Interp) allocString(n int) error { return in.alloc(n/stringCellBytes + 1) }

func (in *Interp) allocFrame(f *Frame) error { return in.alloc(f.Rows() * max(1, len(f.Cols))) }

func (in *Interp) execBlock(stmts []Stmt) error {
	for _, s := range stmts {
		if err := in.exec(s); err != nil {
			return withLine(err, s.Line())
		}
	}
	return nil
}

func (in *Interp) exec(s Stmt) error {
	if err := in.step(1); err != nil {
		return err
	}
	switch s := s.(type) {
	case *ImportStmt:
		mod, ok := modules[s.Module]
		if !ok {
			return errorf(NameError, "module %q is not available", s.Module)
		}
		in.globals[s.Binding()] = mod
		return nil
	case *AssignStmt:
		v, err := in.eval(s.Value)
		if err != nil {
			return err
		}
		in.globals[s.Name] = v
		return nil
	case *ExprStmt:
		_, err := in.eval(s.X)
		return err
	case *IfStmt:
		c, err := in.eval(s.Cond)
		if err != nil {
			return err
		}
		if truthy(c) {
			return in.execBlock(s.Then)
		}
		return in.execBlock(s.Else)
	case *WhileStmt:
		for {
			c, err := in.eval(s.Cond)
			if err != nil {
				return err
			}
			if !truthy(c) {
				return nil
			}
			if err := in.execBlock(s.Body); err != nil {
				return err
			}
		}
	case *ForStmt:
		it, err := in.eval(s.Iter)
		if err != nil {
			return err
		}
		items, err := in.iterate(it)
		if err != nil {
			return err
		}
		for _, item := range items {
			in.globals[s.Var] = item
			if err := in.execBlock(s.Body); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("script: unknown statement %T", s)
	}
}

func (in *Interp) iterate(v Value) ([]Value, error) {
	switch v := v.(type) {
	case []Value:
		return v, nil
	case *Dict:
		out := make([]Value, 0, v.Len())
		for _, k := range v.keys {
			out = append(out, k)
		}
		return out, nil
	case *Column:
		return v.Vals, nil
	case *Frame:
		out := make([]Value, v.Rows())
		for r := range out {
			out[r] = v.row(r)
		}
		return out, in.alloc(v.Rows() * len(v.Cols))
	case *Grouped:
		return append([]Value(nil), v.keys...), nil
	default:
		return nil, errorf(TypeError, "%s value is not iterable", typeName(v))
	}
}

func (in *Interp) eval(e Expr) (Value, error) {
	if err := in.step(1); err != nil {
		return nil, err
	}
	switch e := e.(type) {
	case *NumberLit:
		return e.Value, nil
	case *StringLit:
		return e.Value, nil
	case *BoolLit:
		return e.Value, nil
	case *NullLit:
		return nil, nil
	case *Ident:
		if v, ok := in.globals[e.Name]; ok {
			return v, nil
		}
		if b, ok := builtins[e.Name]; ok {
			return b, nil
		}
		return nil, errorf(NameError, "name %q is not defined", e.Name)
	case *ListLit:
		out := make([]Value, 0, len(e.Elems))
		for _, x := range e.Elems {
			v, err := in.eval(x)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, in.alloc(len(out))
	case *DictLit:
		d := NewDict()
		for i := range e.Keys {
			k, err := in.eval(e.Keys[i])
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, errorf(TypeError, "dict keys must be strings, got %s", typeName(k))
			}
			v, err := in.eval(e.Values[i])
			if err != nil {
				return nil, err
			}
			d.Set(ks, v)
		}
		return d, in.alloc(d.Len())
	case *UnaryExpr:
		x, err := in.eval(e.X)
		if err != nil {
			return nil, err
		}
		if e.Op == "not" {
			return !truthy(x), nil
		}
		return in.arith("*", x, -1.0)
	case *BinaryExpr:
		return in.evalBinary(e)
	case *IndexExpr:
		x, err := in.eval(e.X)
		if err != nil {
			return nil, err
		}
		idx, err := in.eval(e.Index)
		if err != nil {
			return nil, err
		}
		return in.index(x, idx)
	case *AttrExpr:
		x, err := in.eval(e.X)
		if err != nil {
			return nil, err
		}
		return in.attr(x, e.Name)
	case *CallExpr:
		return in.evalCall(e)
	default:
		return nil, fmt.Errorf("script: unknown expression %T", e)
	}
}

func (in *Interp) evalBinary(e *BinaryExpr) (Value, error) {
	x, err := in.eval(e.X)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "and":
		if !truthy(x) {
			return x, nil
		}
		return in.eval(e.Y)
	case "or":
		if truthy(x) {
			return x, nil
		}
		return in.eval(e.Y)
	}
	y, err := in.eval(e.Y)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "==":
		return equal(x, y), nil
	case "!=":
		return !equal(x, y), nil
	case "<", "<=", ">", ">=":
		if x == nil || y == nil {
			return false, nil
		}
		c, err := compare(x, y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return in.arith(e.Op, x, y)
	}
}

// arith applies + - * / % to numbers, with elementwise broadcasting over
// columns and string concatenation for +.
func (in *Interp) arith(op string, x, y Value) (Value, error) {
	if cx, ok := x.(*Column); ok {
		return in.columnArith(op, cx, y, false)
	}
	if cy, ok := y.(*Column); ok {
		return in.columnArith(op, cy, x, true)
	}
	if op == "+" {
		if xs, ok := x.(string); ok {
			if ys, ok := y.(string); ok {
				if err := in.allocString(len(xs) + len(ys)); err != nil {
					return nil, err
				}
				return xs + ys, nil
			}
		}
		if xl, ok := x.([]Value); ok {
			if yl, ok := y.([]Value); ok {
				out := append(append([]Value(nil), xl...), yl...)
				return out, in.alloc(len(out))
			}
		}
	}
	xf, okx := x.(float64)
	yf, oky := y.(float64)
	if !okx || !oky {
		return nil, errorf(TypeError, "unsupported operand types for %s: %s and %s", op, typeName(x), typeName(y))
	}
	return numberOp(op, xf, yf)
}

func numberOp(op string, x, y float64) (Value, error) {
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, errorf(ZeroDivisionError, "division by zero")
		}
		return x / y, nil
	case "%":
		if y == 0 {
			return nil, errorf(ZeroDivisionError, "modulo by zero")
		}
		return math.Mod(x, y), nil
	default:
		return nil, errorf(SyntaxError, "unknown operator %q", op)
	}
}

func (in *Interp) columnArith(op string, c *Column, other Value, swapped bool) (Value, error) {
	n := c.Len()
	if err := in.step(int64(n)); err != nil {
		return nil, err
	}
	if err := in.alloc(n); err != nil {
		return nil, err
	}
	oc, isCol := other.(*Column)
	if isCol && oc.Len() != n {
		return nil, errorf(ValueError, "column lengths differ: %d and %d", n, oc.Len())
	}
	if !isCol {
		if _, ok := other.(float64); !ok && other != nil {
			return nil, errorf(TypeError, "unsupported operand types for %s: column and %s", op, typeName(other))
		}
	}
	out := &Column{Name: c.Name, Type: schema.TypeNumber, Vals: make([]Value, n)}
	for i := 0; i < n; i++ {
		var o Value = other
		if isCol {
			o = oc.Vals[i]
		}
		a, aok := c.Vals[i].(float64)
		b, bok := o.(float64)
		if !aok || !bok {
			continue
		}
		if swapped {
			a, b = b, a
		}
		if (op == "/" || op == "%") && b == 0 {
			out.Vals[i] = math.NaN()
			continue
		}
		v, err := numberOp(op, a, b)
		if err != nil {
			return nil, err
		}
		out.Vals[i] = v
	}
	return out, nil
}

func (in *Interp) index(x, idx Value) (Value, error) {
	switch x := x.(type) {
	case []Value:
		i, err := listIndex(idx, len(x))
		if err != nil {
			return nil, err
		}
		return x[i], nil
	case *Column:
		i, err := listIndex(idx, x.Len())
		if err != nil {
			return nil, err
		}
		return x.Vals[i], nil
	case *Dict:
		k, ok := idx.(string)
		if !ok {
			return nil, errorf(TypeError, "dict keys must be strings, got %s", typeName(idx))
		}
		v, ok := x.Get(k)
		if !ok {
			return nil, errorf(KeyError, "key %q not found", k)
		}
		return v, nil
	case *Frame:
		switch k := idx.(type) {
		case string:
			return in.frameColumn(x, k)
		case []Value:
			return in.frameSelect(x, k)
		default:
			return nil, errorf(TypeError, "frame index must be a column name, got %s", typeName(idx))
		}
	default:
		return nil, errorf(TypeError, "%s value is not subscriptable", typeName(x))
	}
}

func listIndex(idx Value, n int) (int, error) {
	f, ok := idx.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, errorf(TypeError, "indices must be whole numbers, got %s", typeName(idx))
	}
	i := int(f)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, errorf(IndexError, "index %d out of range for length %d", int(f), n)
	}
	return i, nil
}

func (in *Interp) attr(x Value, name string) (Value, error) {
	switch x := x.(type) {
	case *Module:
		if v, ok := x.members[name]; ok {
			return v, nil
		}
		return nil, errorf(NameError, "module %s has no member %q", x.Name, name)
	case *Frame:
		return in.frameColumn(x, name)
	default:
		return nil, errorf(TypeError, "%s value has no attribute %q", typeName(x), name)
	}
}

func (in *Interp) evalCall(e *CallExpr) (Value, error) {
	var recv Value
	method, isMethod := e.MethodName()
	var fn Value
	if isMethod {
		v, err := in.eval(e.Fn.(*AttrExpr).X)
		if err != nil {
			return nil, err
		}
		recv = v
		if mod, ok := v.(*Module); ok {
			m, ok := mod.members[method]
			if !ok {
				return nil, errorf(NameError, "module %s has no member %q", mod.Name, method)
			}
			fn, isMethod = m, false
		}
	} else {
		v, err := in.eval(e.Fn)
		if err != nil {
			return nil, err
		}
		fn = v
	}

	args := make([]Value, 0, len(e.Args))
	for _, a := range e.Args {
		v, err := in.eval(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	var kw map[string]Value
	if len(e.Kwargs) > 0 {
		kw = make(map[string]Value, len(e.Kwargs))
		for _, k := range e.Kwargs {
			v, err := in.eval(k.Value)
			if err != nil {
				return nil, err
			}
			kw[k.Name] = v
		}
	}

	if isMethod {
		return in.callMethod(recv, method, args, kw)
	}
	b, ok := fn.(*Builtin)
	if !ok {
		return nil, errorf(TypeError, "%s value is not callable", typeName(fn))
	}
	return b.fn(in, args, kw)
}

func (in *Interp) callMethod(recv Value, name string, args []Value, kw map[string]Value) (Value, error) {
	switch r := recv.(type) {
	case *Frame:
		return in.frameMethod(r, name, args, kw)
	case *Grouped:
		return in.groupedMethod(r, name, args, kw)
	case *Column:
		return in.columnMethod(r, name, args, kw)
	case []Value:
		return in.listMethod(r, name, args, kw)
	case *Dict:
		return in.dictMethod(r, name, args)
	case string:
		return in.stringMethod(r, name, args)
	default:
		return nil, errorf(TypeError, "%s value has no attribute %q", typeName(recv), name)
	}
}

func (in *Interp) listMethod(l []Value, name string, args []Value, kw map[string]Value) (Value, error) {
	switch name {
	case "append":
		if len(args) != 1 {
			return nil, errorf(TypeError, "append() takes 1 argument")
		}
		out := append(append([]Value(nil), l...), args[0])
		return out, in.alloc(len(out))
	case "sort":
		out := append([]Value(nil), l...)
		sortValues(out, truthy(kw["desc"]))
		return out, in.alloc(len(out))
	case "sum", "mean", "min", "max", "count", "first", "unique", "values":
		return in.columnMethod(&Column{Name: "list", Vals: l}, name, args, kw)
	default:
		return nil, errorf(TypeError, "list value has no attribute %q", name)
	}
}

func (in *Interp) dictMethod(d *Dict, name string, args []Value) (Value, error) {
	switch name {
	case "keys":
		out := make([]Value, 0, d.Len())
		for _, k := range d.keys {
			out = append(out, k)
		}
		return out, in.alloc(len(out))
	case "values":
		out := make([]Value, 0, d.Len())
		for _, k := range d.keys {
			out = append(out, d.vals[k])
		}
		return out, in.alloc(len(out))
	case "get":
		if len(args) < 1 {
			return nil, errorf(TypeError, "get() needs a key")
		}
		k, _ := args[0].(string)
		if v, ok := d.Get(k); ok {
			return v, nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	default:
		return nil, errorf(TypeError, "dict value has no attribute %q", name)
	}
}

func (in *Interp) stringMethod(s string, name string, args []Value) (Value, error) {
	switch name {
	case "lower":
		return strings.ToLower(s), nil
	case "upper":
		return strings.ToUpper(s), nil
	case "strip":
		return strings.TrimSpace(s), nil
	case "contains":
		if len(args) != 1 {
			return nil, errorf(TypeError, "contains() takes 1 argument")
		}
		sub, ok := args[0].(string)
		if !ok {
			return nil, errorf(TypeError, "contains() argument must be a string")
		}
		return strings.Contains(s, sub), nil
	case "replace":
		if len(args) != 2 {
			return nil, errorf(TypeError, "replace() takes 2 arguments")
		}
		old, repl := toString(args[0]), toString(args[1])
		n := len(s)
		if k := strings.Count(s, old); len(repl) > len(old) {
			n += k * (len(repl) - len(old))
		}
		if err := in.allocString(n); err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, old, repl), nil
	default:
		return nil, errorf(TypeError, "string value has no attribute %q", name)
	}
}

func (in *Interp) sleep(seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-in.done:
		return errorf(TimeoutError, "execution interrupted during sleep: %v", in.ctx.Err())
	}
}

func (in *Interp) print(args []Value) {
	if in.printed.Len() >= maxPrintedOutput {
		return
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = toString(a)
	}
	line := strings.Join(parts, " ") + "\n"
	if room := maxPrintedOutput - in.printed.Len(); len(line) > room {
		line = line[:room]
	}
	in.printed.WriteString(line)
}

func (in *Interp) recordMapping(m schema.Mapping) {
	for _, prev := range in.mappings {
		if prev.Dataset == m.Dataset && prev.Requested == m.Requested {
			return
		}
	}
	in.mappings = append(in.mappings, m)
}
