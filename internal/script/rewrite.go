package script

import "fmt"

// RewriteRule names one semantics-preserving source transformation.
type RewriteRule string

const (
	// RuleSafeCast turns number(x) into safe_number(x).
	RuleSafeCast RewriteRule = "safe-cast"
	// RuleLiteralScalarGuard turns x[<number literal>] into scalar(x, n).
	RuleLiteralScalarGuard RewriteRule = "literal-scalar-guard"
	// RuleScalarGuard guards every non-string index and every zero-argument
	// reduction method call.
	RuleScalarGuard RewriteRule = "scalar-guard"
)

// Applied records one rewrite for reporting.
type Applied struct {
	Rule   RewriteRule `json:"rule"`
	Line   int         `json:"line"`
	Before string      `json:"before"`
	After  string      `json:"after"`
}

func (a Applied) String() string {
	return fmt.Sprintf("%s at line %d: %s -> %s", a.Rule, a.Line, a.Before, a.After)
}

var guardedReductions = map[string]bool{
	"sum": true, "mean": true, "min": true, "max": true, "count": true,
	"first": true, "unique": true, "values": true, "median": true, "std": true,
}

// guardHelpers are the builtins rewrites call by name.
var guardHelpers = []string{"safe_number", "scalar", "reduce"}

// Rewrite applies rules to p in place and returns what changed. Program
// variables that shadow a guard helper are renamed first so rewritten calls
// always reach the builtin.
func Rewrite(p *Program, rules ...RewriteRule) []Applied {
	if len(rules) > 0 {
		unshadowHelpers(p)
	}
	enabled := map[RewriteRule]bool{}
	for _, r := range rules {
		enabled[r] = true
	}
	var applied []Applied
	record := func(rule RewriteRule, before, after Expr) {
		applied = append(applied, Applied{Rule: rule, Line: before.Line(), Before: FormatExpr(before), After: FormatExpr(after)})
	}
	TransformExprs(p, func(e Expr) Expr {
		switch e := e.(type) {
		case *CallExpr:
			if name, ok := e.FuncName(); ok && name == "number" && enabled[RuleSafeCast] {
				out := &CallExpr{pos: e.pos, Fn: &Ident{pos: e.pos, Name: "safe_number"}, Args: e.Args, Kwargs: e.Kwargs}
				record(RuleSafeCast, e, out)
				return out
			}
			if name, ok := e.MethodName(); ok && enabled[RuleScalarGuard] && guardedReductions[name] && len(e.Args) == 0 && len(e.Kwargs) == 0 {
				recv := e.Fn.(*AttrExpr).X
				if id, ok := recv.(*Ident); ok && isModuleName(p, id.Name) {
					return e
				}
				out := &CallExpr{pos: e.pos, Fn: &Ident{pos: e.pos, Name: "reduce"}, Args: []Expr{recv, &StringLit{pos: e.pos, Value: name}}}
				record(RuleScalarGuard, e, out)
				return out
			}
		case *IndexExpr:
			if _, isString := e.Index.(*StringLit); isString {
				return e
			}
			_, isLiteral := e.Index.(*NumberLit)
			rule := RuleScalarGuard
			if isLiteral && enabled[RuleLiteralScalarGuard] {
				rule = RuleLiteralScalarGuard
			} else if !enabled[RuleScalarGuard] {
				return e
			}
			out := &CallExpr{pos: e.pos, Fn: &Ident{pos: e.pos, Name: "scalar"}, Args: []Expr{e.X, e.Index}}
			record(rule, e, out)
			return out
		}
		return e
	})
	return applied
}

func unshadowHelpers(p *Program) {
	bound, used := map[string]bool{}, map[string]bool{}
	Walk(p, func(node any) bool {
		switch n := node.(type) {
		case *AssignStmt:
			bound[n.Name], used[n.Name] = true, true
		case *ForStmt:
			bound[n.Var], used[n.Var] = true, true
		case *ImportStmt:
			bound[n.Binding()], used[n.Binding()] = true, true
		case *Ident:
			used[n.Name] = true
		}
		return true
	})
	for _, h := range guardHelpers {
		if !bound[h] {
			continue
		}
		fresh := h + "_var"
		for i := 2; used[fresh]; i++ {
			fresh = fmt.Sprintf("%s_var%d", h, i)
		}
		used[fresh] = true
		renameBinding(p, h, fresh)
	}
}

func renameBinding(p *Program, from, to string) {
	Walk(p, func(node any) bool {
		switch n := node.(type) {
		case *AssignStmt:
			if n.Name == from {
				n.Name = to
			}
		case *ForStmt:
			if n.Var == from {
				n.Var = to
			}
		case *ImportStmt:
			if n.Alias == from {
				n.Alias = to
			}
		case *Ident:
			if n.Name == from {
				n.Name = to
			}
		}
		return true
	})
}

func isModuleName(p *Program, name string) bool {
	for _, s := range p.Stmts {
		if imp, ok := s.(*ImportStmt); ok && imp.Binding() == name {
			return true
		}
	}
	return false
}

// TransformExprs rebuilds every expression in p bottom-up through fn.
func TransformExprs(p *Program, fn func(Expr) Expr) {
	transformStmts(p.Stmts, fn)
}

func transformStmts(stmts []Stmt, fn func(Expr) Expr) {
	for _, s := range stmts {
		switch s := s.(type) {
		case *AssignStmt:
			s.Value = transformExpr(s.Value, fn)
		case *ExprStmt:
			s.X = transformExpr(s.X, fn)
		case *ForStmt:
			s.Iter = transformExpr(s.Iter, fn)
			transformStmts(s.Body, fn)
		case *WhileStmt:
			s.Cond = transformExpr(s.Cond, fn)
			transformStmts(s.Body, fn)
		case *IfStmt:
			s.Cond = transformExpr(s.Cond, fn)
			transformStmts(s.Then, fn)
			transformStmts(s.Else, fn)
		}
	}
}

func transformExpr(e Expr, fn func(Expr) Expr) Expr {
	switch e := e.(type) {
	case *ListLit:
		for i := range e.Elems {
			e.Elems[i] = transformExpr(e.Elems[i], fn)
		}
	case *DictLit:
		for i := range e.Keys {
			e.Keys[i] = transformExpr(e.Keys[i], fn)
			e.Values[i] = transformExpr(e.Values[i], fn)
		}
	case *UnaryExpr:
		e.X = transformExpr(e.X, fn)
	case *BinaryExpr:
		e.X = transformExpr(e.X, fn)
		e.Y = transformExpr(e.Y, fn)
	case *CallExpr:
		e.Fn = transformExpr(e.Fn, fn)
		for i := range e.Args {
			e.Args[i] = transformExpr(e.Args[i], fn)
		}
		for i := range e.Kwargs {
			e.Kwargs[i].Value = transformExpr(e.Kwargs[i].Value, fn)
		}
	case *AttrExpr:
		e.X = transformExpr(e.X, fn)
	case *IndexExpr:
		e.X = transformExpr(e.X, fn)
		e.Index = transformExpr(e.Index, fn)
	}
	return fn(e)
}
