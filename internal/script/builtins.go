package script

import (
	"math"
	"strconv"
	"strings"

	"github.com/danshapiro/analyst/internal/schema"
)

var builtins map[string]*Builtin

// AllowedModules are the only modules import accepts.
var AllowedModules = []string{"math", "stats"}

var modules map[string]*Module

func init() {
	builtins = map[string]*Builtin{}
	for name, fn := range map[string]builtinFn{
		"load":        builtinLoad,
		"len":         builtinLen,
		"number":      builtinNumber,
		"safe_number": builtinSafeNumber,
		"str":         builtinStr,
		"round":       builtinRound,
		"range":       builtinRange,
		"sleep":       builtinSleep,
		"abs":         builtinAbs,
		"scalar":      builtinScalar,
		"reduce":      builtinReduce,
		"print":       builtinPrint,
		"sum":         builtinReduction("sum"),
		"min":         builtinReduction("min"),
		"max":         builtinReduction("max"),
	} {
		builtins[name] = &Builtin{Name: name, fn: fn}
	}

	modules = map[string]*Module{
		"math": {Name: "math", members: map[string]Value{
			"sqrt":  mathFn("sqrt", func(x float64) (float64, error) { return domain(x >= 0, math.Sqrt(x)) }),
			"log":   mathFn("log", func(x float64) (float64, error) { return domain(x > 0, math.Log(x)) }),
			"exp":   mathFn("exp", func(x float64) (float64, error) { return math.Exp(x), nil }),
			"floor": mathFn("floor", func(x float64) (float64, error) { return math.Floor(x), nil }),
			"ceil":  mathFn("ceil", func(x float64) (float64, error) { return math.Ceil(x), nil }),
			"pi":    math.Pi,
		}},
		"stats": {Name: "stats", members: map[string]Value{
			"corr":       &Builtin{Name: "corr", fn: statsCorr},
			"mean":       statsFn("mean", meanOf),
			"median":     statsFn("median", medianOf),
			"stdev":      statsFn("stdev", stdevOf),
			"pct_change": &Builtin{Name: "pct_change", fn: statsPctChange},
		}},
	}
}

func domain(ok bool, v float64) (float64, error) {
	if !ok {
		return 0, errorf(ValueError, "math domain error")
	}
	return v, nil
}

func arity(name string, args []Value, n int) error {
	if len(args) != n {
		return errorf(TypeError, "%s() takes %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func builtinLoad(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	name, err := stringArg("load", args, 0)
	if err != nil {
		return nil, err
	}
	t, ok := in.opts.Catalog[name]
	if !ok {
		var names schema.Schema
		for _, n := range in.opts.Catalog.Names() {
			names = append(names, schema.Column{Name: n})
		}
		m := in.opts.Reconciler.Resolve(name, names)
		if !m.Applied() {
			return nil, errorf(KeyError, "dataset %q not found", name)
		}
		t = in.opts.Catalog[m.Resolved]
	}
	f := frameFromTable(t)
	if err := in.step(int64(f.Rows())); err != nil {
		return nil, err
	}
	return f, in.allocFrame(f)
}

func builtinLen(_ *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return float64(len([]rune(v))), nil
	case []Value:
		return float64(len(v)), nil
	case *Dict:
		return float64(v.Len()), nil
	case *Frame:
		return float64(v.Rows()), nil
	case *Column:
		return float64(v.Len()), nil
	case *Grouped:
		return float64(len(v.keys)), nil
	default:
		return nil, errorf(TypeError, "%s value has no len()", typeName(v))
	}
}

func toNumber(v Value) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimPrefix(strings.TrimPrefix(s, "$"), "€")
		s = strings.ReplaceAll(s, ",", "")
		pct := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errorf(ValueError, "could not convert %q to number", v)
		}
		if pct {
			f /= 100
		}
		return f, nil
	case *Column:
		if v.Len() == 1 {
			return toNumber(v.Vals[0])
		}
		return 0, errorf(TypeError, "only size-1 columns can be converted to number, got %d values", v.Len())
	case []Value:
		if len(v) == 1 {
			return toNumber(v[0])
		}
		return 0, errorf(TypeError, "only size-1 lists can be converted to number, got %d values", len(v))
	default:
		return 0, errorf(ValueError, "could not convert %s to number", typeName(v))
	}
}

func builtinNumber(_ *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("number", args, 1); err != nil {
		return nil, err
	}
	return toNumber(args[0])
}

// builtinSafeNumber converts like number() but yields null instead of
// failing, elementwise for columns.
func builtinSafeNumber(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("safe_number", args, 1); err != nil {
		return nil, err
	}
	if c, ok := args[0].(*Column); ok && c.Len() != 1 {
		out := &Column{Name: c.Name, Type: schema.TypeNumber, Vals: make([]Value, c.Len())}
		for i, v := range c.Vals {
			if f, err := toNumber(v); err == nil {
				out.Vals[i] = f
			}
		}
		return out, in.alloc(out.Len())
	}
	f, err := toNumber(args[0])
	if err != nil {
		return nil, nil
	}
	return f, nil
}

func builtinStr(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("str", args, 1); err != nil {
		return nil, err
	}
	s := toString(args[0])
	return s, in.allocString(len(s))
}

func builtinRound(_ *Interp, args []Value, _ map[string]Value) (Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errorf(TypeError, "round() takes 1 or 2 arguments")
	}
	f, ok := args[0].(float64)
	if !ok {
		return nil, errorf(TypeError, "round() needs a number, got %s", typeName(args[0]))
	}
	digits := 0.0
	if len(args) == 2 {
		if digits, ok = args[1].(float64); !ok {
			return nil, errorf(TypeError, "round() digits must be a number")
		}
	}
	return roundTo(f, int(digits)), nil
}

func builtinRange(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	nums := make([]float64, len(args))
	for i, a := range args {
		f, ok := a.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, errorf(TypeError, "range() arguments must be whole numbers")
		}
		nums[i] = f
	}
	start, stop, step := 0.0, 0.0, 1.0
	switch len(nums) {
	case 1:
		stop = nums[0]
	case 2:
		start, stop = nums[0], nums[1]
	case 3:
		start, stop, step = nums[0], nums[1], nums[2]
	default:
		return nil, errorf(TypeError, "range() takes 1 to 3 arguments")
	}
	if step == 0 {
		return nil, errorf(ValueError, "range() step must not be zero")
	}
	n := int(math.Max(0, math.Ceil((stop-start)/step)))
	if err := in.alloc(n); err != nil {
		return nil, err
	}
	out := make([]Value, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out, nil
}

func builtinSleep(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("sleep", args, 1); err != nil {
		return nil, err
	}
	secs, ok := args[0].(float64)
	if !ok {
		return nil, errorf(TypeError, "sleep() needs a number of seconds")
	}
	return nil, in.sleep(secs)
}

func builtinAbs(_ *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("abs", args, 1); err != nil {
		return nil, err
	}
	f, ok := args[0].(float64)
	if !ok {
		return nil, errorf(TypeError, "bad operand type for abs(): %s", typeName(args[0]))
	}
	return math.Abs(f), nil
}

// builtinScalar is the scalar-extraction guard: indexing a value that is
// already scalar yields the value itself.
func builtinScalar(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("scalar", args, 2); err != nil {
		return nil, err
	}
	if isScalar(args[0]) {
		return args[0], nil
	}
	return in.index(args[0], args[1])
}

// builtinReduce guards reductions: reducing a scalar yields the scalar (and
// a count of one).
func builtinReduce(in *Interp, args []Value, kw map[string]Value) (Value, error) {
	if len(args) < 2 {
		return nil, errorf(TypeError, "reduce() takes a value and a method name")
	}
	method, ok := args[1].(string)
	if !ok {
		return nil, errorf(TypeError, "reduce() method name must be a string")
	}
	if isScalar(args[0]) {
		if method == "count" {
			if args[0] == nil {
				return 0.0, nil
			}
			return 1.0, nil
		}
		return args[0], nil
	}
	return in.callMethod(args[0], method, args[2:], kw)
}

func builtinPrint(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	in.print(args)
	return nil, nil
}

func builtinReduction(fn string) builtinFn {
	return func(in *Interp, args []Value, kw map[string]Value) (Value, error) {
		if len(args) == 1 {
			switch v := args[0].(type) {
			case []Value, *Column:
				return in.callMethod(v, fn, nil, kw)
			}
		}
		if len(args) == 0 {
			return nil, errorf(TypeError, "%s() needs at least one argument", fn)
		}
		return in.columnMethod(&Column{Name: fn, Vals: args}, fn, nil, kw)
	}
}

func mathFn(name string, f func(float64) (float64, error)) *Builtin {
	return &Builtin{Name: name, fn: func(_ *Interp, args []Value, _ map[string]Value) (Value, error) {
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		x, ok := args[0].(float64)
		if !ok {
			return nil, errorf(TypeError, "math.%s() needs a number, got %s", name, typeName(args[0]))
		}
		return f(x)
	}}
}

func numbersOf(name string, v Value) ([]float64, error) {
	switch v := v.(type) {
	case *Column:
		return v.Numbers(), nil
	case []Value:
		return (&Column{Vals: v}).Numbers(), nil
	default:
		return nil, errorf(TypeError, "stats.%s() needs a column or list, got %s", name, typeName(v))
	}
}

func statsFn(name string, f func([]float64) Value) *Builtin {
	return &Builtin{Name: name, fn: func(in *Interp, args []Value, _ map[string]Value) (Value, error) {
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		nums, err := numbersOf(name, args[0])
		if err != nil {
			return nil, err
		}
		if err := in.step(int64(len(nums))); err != nil {
			return nil, err
		}
		return f(nums), nil
	}}
}

func statsCorr(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("corr", args, 2); err != nil {
		return nil, err
	}
	a, err := pairedValues(args[0])
	if err != nil {
		return nil, err
	}
	b, err := pairedValues(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) != len(b) {
		return nil, errorf(ValueError, "stats.corr() needs equal lengths, got %d and %d", len(a), len(b))
	}
	if err := in.step(int64(len(a))); err != nil {
		return nil, err
	}
	var xs, ys []float64
	for i := range a {
		x, ok1 := a[i].(float64)
		y, ok2 := b[i].(float64)
		if ok1 && ok2 {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	r, ok := Pearson(xs, ys)
	if !ok {
		return nil, nil
	}
	return r, nil
}

func pairedValues(v Value) ([]Value, error) {
	switch v := v.(type) {
	case *Column:
		return v.Vals, nil
	case []Value:
		return v, nil
	default:
		return nil, errorf(TypeError, "stats.corr() needs columns or lists, got %s", typeName(v))
	}
}

// Pearson returns the correlation coefficient of paired samples. ok is false
// when fewer than two pairs exist or either side is constant.
func Pearson(xs, ys []float64) (float64, bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0, false
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	return sxy / math.Sqrt(sxx*syy), true
}

func statsPctChange(in *Interp, args []Value, _ map[string]Value) (Value, error) {
	if err := arity("pct_change", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case *Column:
		return in.pctChange(v)
	case []Value:
		c, err := in.pctChange(&Column{Name: "values", Vals: v})
		if err != nil {
			return nil, err
		}
		return c.Vals, nil
	default:
		return nil, errorf(TypeError, "stats.pct_change() needs a column or list, got %s", typeName(v))
	}
}
