package script

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/danshapiro/analyst/internal/schema"
)

// celRowVar exposes the whole row for columns whose names are not CEL
// identifiers: row["Unit Price"] > 3.
const celRowVar = "row"

const celCostLimit = 100_000

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true, "break": true, "const": true,
	"continue": true, "else": true, "for": true, "function": true, "if": true, "import": true,
	"let": true, "loop": true, "package": true, "namespace": true, "return": true, "var": true,
	"void": true, "while": true,
	celRowVar: true,
}

// celRef is one column reference inside a row expression: either a bare
// identifier or a row["..."] key.
type celRef struct {
	name       string
	start, end int // byte span to replace
	viaRow     bool
}

// celRefs scans a CEL expression for column references. Identifiers followed
// by "(" (function calls) or preceded by "." (fields, methods) are skipped, as
// are string literal contents other than row["..."] keys.
func celRefs(expr string) []celRef {
	var refs []celRef
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			i = skipCELString(expr, i)
		case isIdentStart(rune(c)):
			start := i
			for i < len(expr) && isIdentPart(rune(expr[i])) {
				i++
			}
			name := expr[start:i]
			if name == celRowVar {
				if ref, next, ok := rowKeyRef(expr, i); ok {
					refs = append(refs, ref)
					i = next
				}
				continue
			}
			if celReserved[name] || prevNonSpace(expr, start) == '.' || nextNonSpace(expr, i) == '(' {
				continue
			}
			refs = append(refs, celRef{name: name, start: start, end: i})
		case isDigit(rune(c)):
			for i < len(expr) && (isIdentPart(rune(expr[i])) || expr[i] == '.') {
				i++
			}
		default:
			i++
		}
	}
	return refs
}

// rowKeyRef parses `["name"]` right after the row variable.
func rowKeyRef(expr string, i int) (celRef, int, bool) {
	j := i
	for j < len(expr) && expr[j] == ' ' {
		j++
	}
	if j >= len(expr) || expr[j] != '[' {
		return celRef{}, i, false
	}
	j++
	for j < len(expr) && expr[j] == ' ' {
		j++
	}
	if j >= len(expr) || (expr[j] != '"' && expr[j] != '\'') {
		return celRef{}, i, false
	}
	end := skipCELString(expr, j)
	if end > len(expr) || end-j < 2 {
		return celRef{}, i, false
	}
	name := expr[j+1 : end-1]
	if strings.ContainsRune(name, '\\') {
		return celRef{}, end, false
	}
	return celRef{name: name, start: j, end: end, viaRow: true}, end, true
}

func skipCELString(expr string, i int) int {
	quote := expr[i]
	i++
	for i < len(expr) {
		switch expr[i] {
		case '\\':
			i += 2
			continue
		case quote:
			return i + 1
		}
		i++
	}
	return len(expr)
}

func prevNonSpace(s string, i int) byte {
	for i--; i >= 0; i-- {
		if s[i] != ' ' && s[i] != '\t' {
			return s[i]
		}
	}
	return 0
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' {
			return s[i]
		}
	}
	return 0
}

// renameCELRefs replaces referenced column names. Targets that are not CEL
// identifiers are rewritten through the row map.
func renameCELRefs(expr string, rename map[string]string) string {
	refs := celRefs(expr)
	var b strings.Builder
	last := 0
	for _, r := range refs {
		to, ok := rename[r.name]
		if !ok || to == r.name {
			continue
		}
		b.WriteString(expr[last:r.start])
		switch {
		case r.viaRow:
			b.WriteString(quote(to))
		case celIdentSafe(to):
			b.WriteString(to)
		default:
			b.WriteString(celRowVar + "[" + quote(to) + "]")
		}
		last = r.end
	}
	b.WriteString(expr[last:])
	return b.String()
}

func celIdentSafe(name string) bool {
	if name == "" || celReserved[name] || !isIdentStart(rune(name[0])) {
		return false
	}
	for _, r := range name {
		if !isIdentPart(r) {
			return false
		}
	}
	return true
}

// celFloatLiterals turns integer literals into doubles so that row
// arithmetic over float columns type-checks ("Revenue * 2").
func celFloatLiterals(expr string) string {
	var b strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			end := skipCELString(expr, i)
			b.WriteString(expr[i:end])
			i = end
		case isIdentStart(rune(c)):
			start := i
			for i < len(expr) && isIdentPart(rune(expr[i])) {
				i++
			}
			b.WriteString(expr[start:i])
		case isDigit(rune(c)):
			start := i
			for i < len(expr) && isDigit(rune(expr[i])) {
				i++
			}
			b.WriteString(expr[start:i])
			if i < len(expr) && (expr[i] == '.' || expr[i] == 'e' || expr[i] == 'E' || expr[i] == 'u' || expr[i] == 'x') {
				continue
			}
			if prevNonSpace(expr, start) == '[' {
				continue
			}
			b.WriteString(".0")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

type rowProgram struct {
	prg  cel.Program
	cols []*Column // columns the expression reads
}

// compileRowExpr resolves unknown identifiers through the reconciler, then
// compiles the expression against the frame's columns.
func (in *Interp) compileRowExpr(f *Frame, expr string) (*rowProgram, error) {
	rename := map[string]string{}
	var used []*Column
	seen := map[string]bool{}
	for _, r := range celRefs(expr) {
		if seen[r.name] {
			continue
		}
		seen[r.name] = true
		c, err := in.frameColumn(f, r.name)
		if err != nil {
			return nil, err
		}
		rename[r.name] = c.Name
		used = append(used, c)
	}
	src := celFloatLiterals(renameCELRefs(expr, rename))

	opts := []cel.EnvOption{
		cel.Variable(celRowVar, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	}
	for _, c := range f.Cols {
		if celIdentSafe(c.Name) {
			opts = append(opts, cel.Variable(c.Name, cel.DynType))
		}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, errorf(ValueError, "row expression environment: %v", err)
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		msg := iss.Err().Error()
		if strings.Contains(msg, "undeclared reference") {
			return nil, errorf(KeyError, "row expression %q: column not found: %s", expr, firstLine(msg))
		}
		return nil, errorf(SyntaxError, "row expression %q: %s", expr, firstLine(msg))
	}
	prg, err := env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, errorf(ValueError, "row expression %q: %v", expr, err)
	}
	return &rowProgram{prg: prg, cols: used}, nil
}

func firstLine(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "ERROR: <input>:")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (in *Interp) evalRow(rp *rowProgram, f *Frame, r int) (ref.Val, bool, error) {
	vars := make(map[string]any, len(f.Cols)+1)
	rowMap := make(map[string]any, len(f.Cols))
	for _, c := range f.Cols {
		v := c.Vals[r]
		rowMap[c.Name] = v
		if celIdentSafe(c.Name) {
			vars[c.Name] = v
		}
	}
	vars[celRowVar] = rowMap
	out, _, err := rp.prg.ContextEval(in.ctx, vars)
	if err != nil {
		if in.ctx.Err() != nil {
			return nil, false, errorf(TimeoutError, "execution interrupted: %v", in.ctx.Err())
		}
		for _, c := range rp.cols {
			if c.Vals[r] == nil {
				// Missing inputs make the row's value missing.
				return nil, true, nil
			}
		}
		return nil, false, errorf(TypeError, "row expression failed on row %d: %v", r, err)
	}
	return out, false, nil
}

func (in *Interp) where(f *Frame, expr string) (*Frame, error) {
	rp, err := in.compileRowExpr(f, expr)
	if err != nil {
		return nil, err
	}
	var keep []int
	for r := 0; r < f.Rows(); r++ {
		if err := in.step(1); err != nil {
			return nil, err
		}
		out, missing, err := in.evalRow(rp, f, r)
		if err != nil {
			return nil, err
		}
		if missing {
			continue
		}
		b, ok := out.Value().(bool)
		if !ok {
			return nil, errorf(TypeError, "where() expression must be boolean, got %s", out.Type().TypeName())
		}
		if b {
			keep = append(keep, r)
		}
	}
	res := f.take(keep)
	return res, in.allocFrame(res)
}

func (in *Interp) derive(f *Frame, name, expr string) (*Frame, error) {
	rp, err := in.compileRowExpr(f, expr)
	if err != nil {
		return nil, err
	}
	vals := make([]Value, f.Rows())
	typ := schema.TypeUnknown
	for r := range vals {
		if err := in.step(1); err != nil {
			return nil, err
		}
		out, missing, err := in.evalRow(rp, f, r)
		if err != nil {
			return nil, err
		}
		if missing {
			continue
		}
		v, t, err := fromCEL(out)
		if err != nil {
			return nil, err
		}
		vals[r] = v
		if typ == schema.TypeUnknown {
			typ = t
		}
	}
	res := &Frame{Name: f.Name}
	for _, c := range f.Cols {
		if c.Name != name {
			res.Cols = append(res.Cols, c)
		}
	}
	res.Cols = append(res.Cols, &Column{Name: name, Type: typ, Vals: vals})
	return res, in.alloc(len(vals))
}

func fromCEL(v ref.Val) (Value, schema.Type, error) {
	if v == types.NullValue {
		return nil, schema.TypeUnknown, nil
	}
	switch x := v.Value().(type) {
	case float64:
		return x, schema.TypeNumber, nil
	case int64:
		return float64(x), schema.TypeNumber, nil
	case uint64:
		return float64(x), schema.TypeNumber, nil
	case string:
		return x, schema.TypeString, nil
	case bool:
		return x, schema.TypeBool, nil
	case time.Time:
		return x, schema.TypeDate, nil
	default:
		return nil, schema.TypeUnknown, errorf(TypeError, "derive() expression produced unsupported %s value", v.Type().TypeName())
	}
}
