package script

import (
	"sort"

	"github.com/danshapiro/analyst/internal/schema"
)

// columnArgs lists, per method, which positional arguments name columns.
// -1 means every argument.
var columnArgs = map[string]int{
	"select": -1, "group_by": 0, "groupby": 0, "sort": 0, "sort_values": 0,
	"agg": 0, "aggregate": 0, "col": 0, "column": 0,
	"sum": 0, "mean": 0, "min": 0, "max": 0,
}

// rowExprArg gives the argument holding a CEL row expression.
var rowExprArg = map[string]int{"where": 0, "filter": 0, "derive": 1}

// ReconcileColumns resolves column names written in the program against the
// datasets' schemas and rewrites the literals of unambiguous matches in
// place. Every non-exact reference yields one mapping, applied or not.
func ReconcileColumns(p *Program, schemas map[string]schema.Schema, r *schema.Reconciler) []schema.Mapping {
	if r == nil {
		r = schema.Default
	}
	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	sort.Strings(names)

	var union schema.Schema
	owner := map[string]string{}
	known := map[string]bool{"count": true}
	for _, ds := range names {
		for _, c := range schemas[ds] {
			if _, dup := owner[c.Name]; dup {
				continue
			}
			owner[c.Name] = ds
			known[c.Name] = true
			union = append(union, c)
		}
	}

	callFns := map[*AttrExpr]bool{}
	dictVars := map[string]bool{}
	Walk(p, func(node any) bool {
		switch n := node.(type) {
		case *CallExpr:
			if a, ok := n.Fn.(*AttrExpr); ok {
				callFns[a] = true
				if a.Name == "derive" && len(n.Args) > 0 {
					if s, ok := n.Args[0].(*StringLit); ok {
						known[s.Value] = true
					}
				}
			}
		case *AssignStmt:
			if _, ok := n.Value.(*DictLit); ok {
				dictVars[n.Name] = true
			}
		}
		return true
	})

	var mappings []schema.Mapping
	cache := map[string]schema.Mapping{}
	resolve := func(name string) (string, bool) {
		if known[name] || name == "" {
			return name, false
		}
		m, ok := cache[name]
		if !ok {
			m = r.Resolve(name, union)
			m.Dataset = owner[m.Resolved]
			cache[name] = m
			mappings = append(mappings, m)
		}
		return m.Resolved, m.Applied()
	}
	fixLiteral := func(e Expr) {
		if s, ok := e.(*StringLit); ok {
			if to, ok := resolve(s.Value); ok {
				s.Value = to
			}
		}
	}

	TransformExprs(p, func(e Expr) Expr {
		switch e := e.(type) {
		case *CallExpr:
			method, ok := e.MethodName()
			if !ok {
				return e
			}
			if id, ok := e.Fn.(*AttrExpr).X.(*Ident); ok && isModuleName(p, id.Name) {
				return e
			}
			if pos, ok := columnArgs[method]; ok {
				for i, a := range e.Args {
					if pos >= 0 && i != pos {
						continue
					}
					if l, ok := a.(*ListLit); ok && method == "select" {
						for _, x := range l.Elems {
							fixLiteral(x)
						}
						continue
					}
					fixLiteral(a)
				}
			}
			if pos, ok := rowExprArg[method]; ok && pos < len(e.Args) {
				if s, ok := e.Args[pos].(*StringLit); ok {
					rename := map[string]string{}
					for _, ref := range celRefs(s.Value) {
						if to, ok := resolve(ref.name); ok {
							rename[ref.name] = to
						}
					}
					if len(rename) > 0 {
						s.Value = renameCELRefs(s.Value, rename)
					}
				}
			}
		case *IndexExpr:
			if _, isDict := e.X.(*DictLit); isDict {
				return e
			}
			if id, ok := e.X.(*Ident); ok && dictVars[id.Name] {
				return e
			}
			fixLiteral(e.Index)
		case *AttrExpr:
			if callFns[e] {
				return e
			}
			if id, ok := e.X.(*Ident); ok && isModuleName(p, id.Name) {
				return e
			}
			to, ok := resolve(e.Name)
			if !ok || to == e.Name {
				return e
			}
			if celIdentSafe(to) && !isReserved(to) {
				e.Name = to
				return e
			}
			return &IndexExpr{pos: e.pos, X: e.X, Index: &StringLit{pos: e.pos, Value: to}}
		}
		return e
	})
	return mappings
}
