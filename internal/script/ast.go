package script

// Program is a parsed analysis routine.
type Program struct {
	Stmts []Stmt
}

type Stmt interface {
	stmtNode()
	Line() int
}

type Expr interface {
	exprNode()
	Line() int
}

type pos struct{ line int }

func (p pos) Line() int { return p.line }

type (
	ImportStmt struct {
		pos
		Module string
		Alias  string // empty when the module is bound under its own name
	}

	AssignStmt struct {
		pos
		Name  string
		Value Expr
	}

	ExprStmt struct {
		pos
		X Expr
	}

	ForStmt struct {
		pos
		Var  string
		Iter Expr
		Body []Stmt
	}

	WhileStmt struct {
		pos
		Cond Expr
		Body []Stmt
	}

	IfStmt struct {
		pos
		Cond Expr
		Then []Stmt
		Else []Stmt
	}
)

func (*ImportStmt) stmtNode() {}
func (*AssignStmt) stmtNode() {}
func (*ExprStmt) stmtNode()   {}
func (*ForStmt) stmtNode()    {}
func (*WhileStmt) stmtNode()  {}
func (*IfStmt) stmtNode()     {}

// Binding returns the name an import binds.
func (s *ImportStmt) Binding() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Module
}

type (
	Ident struct {
		pos
		Name string
	}

	NumberLit struct {
		pos
		Value float64
		Raw   string
	}

	StringLit struct {
		pos
		Value string
	}

	BoolLit struct {
		pos
		Value bool
	}

	NullLit struct{ pos }

	ListLit struct {
		pos
		Elems []Expr
	}

	DictLit struct {
		pos
		Keys   []Expr
		Values []Expr
	}

	UnaryExpr struct {
		pos
		Op string
		X  Expr
	}

	BinaryExpr struct {
		pos
		Op   string
		X, Y Expr
	}

	Kwarg struct {
		Name  string
		Value Expr
	}

	CallExpr struct {
		pos
		Fn     Expr
		Args   []Expr
		Kwargs []Kwarg
	}

	AttrExpr struct {
		pos
		X    Expr
		Name string
	}

	IndexExpr struct {
		pos
		X     Expr
		Index Expr
	}
)

func (*Ident) exprNode()      {}
func (*NumberLit) exprNode()  {}
func (*StringLit) exprNode()  {}
func (*BoolLit) exprNode()    {}
func (*NullLit) exprNode()    {}
func (*ListLit) exprNode()    {}
func (*DictLit) exprNode()    {}
func (*UnaryExpr) exprNode()  {}
func (*BinaryExpr) exprNode() {}
func (*CallExpr) exprNode()   {}
func (*AttrExpr) exprNode()   {}
func (*IndexExpr) exprNode()  {}

// MethodName returns the method name when the call is x.name(...).
func (c *CallExpr) MethodName() (string, bool) {
	if a, ok := c.Fn.(*AttrExpr); ok {
		return a.Name, true
	}
	return "", false
}

// FuncName returns the name when the call is name(...).
func (c *CallExpr) FuncName() (string, bool) {
	if id, ok := c.Fn.(*Ident); ok {
		return id.Name, true
	}
	return "", false
}

// Walk visits every statement and expression in the program depth-first, in
// source order. Returning false from fn skips a node's children.
func Walk(p *Program, fn func(node any) bool) {
	walkStmts(p.Stmts, fn)
}

func walkStmts(stmts []Stmt, fn func(node any) bool) {
	for _, s := range stmts {
		walkStmt(s, fn)
	}
}

func walkStmt(s Stmt, fn func(node any) bool) {
	if !fn(s) {
		return
	}
	switch s := s.(type) {
	case *AssignStmt:
		walkExpr(s.Value, fn)
	case *ExprStmt:
		walkExpr(s.X, fn)
	case *ForStmt:
		walkExpr(s.Iter, fn)
		walkStmts(s.Body, fn)
	case *WhileStmt:
		walkExpr(s.Cond, fn)
		walkStmts(s.Body, fn)
	case *IfStmt:
		walkExpr(s.Cond, fn)
		walkStmts(s.Then, fn)
		walkStmts(s.Else, fn)
	case *ImportStmt:
	}
}

func walkExpr(e Expr, fn func(node any) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e := e.(type) {
	case *ListLit:
		for _, x := range e.Elems {
			walkExpr(x, fn)
		}
	case *DictLit:
		for i := range e.Keys {
			walkExpr(e.Keys[i], fn)
			walkExpr(e.Values[i], fn)
		}
	case *UnaryExpr:
		walkExpr(e.X, fn)
	case *BinaryExpr:
		walkExpr(e.X, fn)
		walkExpr(e.Y, fn)
	case *CallExpr:
		walkExpr(e.Fn, fn)
		for _, a := range e.Args {
			walkExpr(a, fn)
		}
		for _, kw := range e.Kwargs {
			walkExpr(kw.Value, fn)
		}
	case *AttrExpr:
		walkExpr(e.X, fn)
	case *IndexExpr:
		walkExpr(e.X, fn)
		walkExpr(e.Index, fn)
	}
}
