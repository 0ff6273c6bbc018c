package script

import (
	"strconv"
	"strings"
)

// Format renders a program back to source. Parse(Format(p)) yields an
// equivalent tree.
func Format(p *Program) string {
	var b strings.Builder
	formatStmts(&b, p.Stmts, 0)
	return b.String()
}

func formatStmts(b *strings.Builder, stmts []Stmt, depth int) {
	for _, s := range stmts {
		b.WriteString(strings.Repeat("    ", depth))
		formatStmt(b, s, depth)
		b.WriteByte('\n')
	}
}

func formatBlock(b *strings.Builder, body []Stmt, depth int) {
	b.WriteString("{\n")
	formatStmts(b, body, depth+1)
	b.WriteString(strings.Repeat("    ", depth))
	b.WriteString("}")
}

func formatStmt(b *strings.Builder, s Stmt, depth int) {
	switch s := s.(type) {
	case *ImportStmt:
		b.WriteString("import " + s.Module)
		if s.Alias != "" {
			b.WriteString(" as " + s.Alias)
		}
	case *AssignStmt:
		b.WriteString(s.Name + " = ")
		b.WriteString(FormatExpr(s.Value))
	case *ExprStmt:
		b.WriteString(FormatExpr(s.X))
	case *ForStmt:
		b.WriteString("for " + s.Var + " in " + FormatExpr(s.Iter) + " ")
		formatBlock(b, s.Body, depth)
	case *WhileStmt:
		b.WriteString("while " + FormatExpr(s.Cond) + " ")
		formatBlock(b, s.Body, depth)
	case *IfStmt:
		b.WriteString("if " + FormatExpr(s.Cond) + " ")
		formatBlock(b, s.Then, depth)
		if len(s.Else) > 0 {
			b.WriteString(" else ")
			formatBlock(b, s.Else, depth)
		}
	}
}

var precedence = map[string]int{
	"or": 1, "and": 2,
	"==": 4, "!=": 4, "<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

// FormatExpr renders one expression, parenthesizing only where needed.
func FormatExpr(e Expr) string {
	var b strings.Builder
	formatExpr(&b, e, 0)
	return b.String()
}

func formatExpr(b *strings.Builder, e Expr, parent int) {
	switch e := e.(type) {
	case *Ident:
		b.WriteString(e.Name)
	case *NumberLit:
		if e.Raw != "" {
			b.WriteString(e.Raw)
		} else {
			b.WriteString(strconv.FormatFloat(e.Value, 'g', -1, 64))
		}
	case *StringLit:
		b.WriteString(quote(e.Value))
	case *BoolLit:
		b.WriteString(strconv.FormatBool(e.Value))
	case *NullLit:
		b.WriteString("null")
	case *ListLit:
		b.WriteByte('[')
		for i, x := range e.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, x, 0)
		}
		b.WriteByte(']')
	case *DictLit:
		b.WriteByte('{')
		for i := range e.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, e.Keys[i], 0)
			b.WriteString(": ")
			formatExpr(b, e.Values[i], 0)
		}
		b.WriteByte('}')
	case *UnaryExpr:
		prec := 7
		if e.Op == "not" {
			prec = 3
		}
		if parent > prec {
			b.WriteByte('(')
		}
		if e.Op == "not" {
			b.WriteString("not ")
		} else {
			b.WriteString(e.Op)
		}
		formatExpr(b, e.X, prec)
		if parent > prec {
			b.WriteByte(')')
		}
	case *BinaryExpr:
		prec := precedence[e.Op]
		if parent > prec {
			b.WriteByte('(')
		}
		formatExpr(b, e.X, prec)
		b.WriteString(" " + e.Op + " ")
		formatExpr(b, e.Y, prec+1)
		if parent > prec {
			b.WriteByte(')')
		}
	case *CallExpr:
		formatExpr(b, e.Fn, 8)
		b.WriteByte('(')
		n := 0
		for _, a := range e.Args {
			if n > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, a, 0)
			n++
		}
		for _, kw := range e.Kwargs {
			if n > 0 {
				b.WriteString(", ")
			}
			b.WriteString(kw.Name + "=")
			formatExpr(b, kw.Value, 0)
			n++
		}
		b.WriteByte(')')
	case *AttrExpr:
		formatExpr(b, e.X, 8)
		b.WriteString("." + e.Name)
	case *IndexExpr:
		formatExpr(b, e.X, 8)
		b.WriteByte('[')
		formatExpr(b, e.Index, 0)
		b.WriteByte(']')
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}
