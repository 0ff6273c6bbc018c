package script

import (
	"fmt"
	"strconv"
)

// Parse parses an analysis routine. Failures are *Error values of type
// SyntaxError.
func Parse(src string) (*Program, error) {
	lx := newLexer(src)
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.typ == tokenEOF {
			break
		}
	}
	p := &parser{toks: toks}
	stmts, err := p.parseStatements(false)
	if err != nil {
		return nil, err
	}
	return &Program{Stmts: stmts}, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.typ != tokenEOF {
		p.i++
	}
	return tok
}

func (p *parser) isSymbol(sym string) bool {
	t := p.peek()
	return t.typ == tokenSymbol && t.lit == sym
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.typ == tokenIdent && t.lit == kw
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &Error{Type: SyntaxError, Msg: fmt.Sprintf(format, args...), Line: tok.line}
}

func (p *parser) expectSymbol(sym string) (token, error) {
	tok := p.next()
	if tok.typ != tokenSymbol || tok.lit != sym {
		return tok, p.errorf(tok, "expected %q, got %s", sym, tok.describe())
	}
	return tok, nil
}

func (p *parser) expectIdent() (token, error) {
	tok := p.next()
	if tok.typ != tokenIdent || isReserved(tok.lit) {
		return tok, p.errorf(tok, "expected identifier, got %s", tok.describe())
	}
	return tok, nil
}

func (p *parser) skipNewlines() {
	for {
		t := p.peek()
		if t.typ == tokenNewline || (t.typ == tokenSymbol && t.lit == ";") {
			p.i++
			continue
		}
		return
	}
}

var reserved = map[string]bool{
	"import": true, "as": true, "for": true, "in": true, "while": true, "if": true, "else": true,
	"and": true, "or": true, "not": true, "true": true, "false": true, "null": true,
}

func isReserved(s string) bool { return reserved[s] }

func (p *parser) parseStatements(inBlock bool) ([]Stmt, error) {
	var out []Stmt
	for {
		p.skipNewlines()
		tok := p.peek()
		if tok.typ == tokenEOF {
			if inBlock {
				return nil, p.errorf(tok, "unexpected end of input, missing \"}\"")
			}
			return out, nil
		}
		if tok.typ == tokenSymbol && tok.lit == "}" {
			if !inBlock {
				return nil, p.errorf(tok, "unexpected token \"}\"")
			}
			return out, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
		end := p.peek()
		switch {
		case end.typ == tokenNewline, end.typ == tokenEOF:
		case end.typ == tokenSymbol && (end.lit == ";" || end.lit == "}"):
		default:
			return nil, p.errorf(end, "unexpected %s after statement", end.describe())
		}
	}
}

func (p *parser) parseBlock() ([]Stmt, error) {
	if _, err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	body, err := p.parseStatements(true)
	if err != nil {
		return nil, err
	}
	if _, err := p.expectSymbol("}"); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *parser) parseStatement() (Stmt, error) {
	tok := p.peek()
	if tok.typ == tokenIdent {
		switch tok.lit {
		case "import":
			p.next()
			mod, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			s := &ImportStmt{pos: pos{tok.line}, Module: mod.lit}
			if p.isKeyword("as") {
				p.next()
				alias, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				s.Alias = alias.lit
			}
			return s, nil
		case "for":
			p.next()
			v, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if in := p.next(); in.typ != tokenIdent || in.lit != "in" {
				return nil, p.errorf(in, "expected \"in\", got %s", in.describe())
			}
			iter, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			body, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			return &ForStmt{pos: pos{tok.line}, Var: v.lit, Iter: iter, Body: body}, nil
		case "while":
			p.next()
			cond, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			body, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			return &WhileStmt{pos: pos{tok.line}, Cond: cond, Body: body}, nil
		case "if":
			return p.parseIf()
		}
		if next := p.peekAt(1); next.typ == tokenSymbol && next.lit == "=" && !isReserved(tok.lit) {
			p.next()
			p.next()
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return &AssignStmt{pos: pos{tok.line}, Name: tok.lit, Value: val}, nil
		}
	}
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.isSymbol("=") {
		return nil, p.errorf(p.peek(), "cannot assign to expression")
	}
	return &ExprStmt{pos: pos{tok.line}, X: x}, nil
}

func (p *parser) parseIf() (Stmt, error) {
	tok := p.next()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	s := &IfStmt{pos: pos{tok.line}, Cond: cond, Then: then}
	if !p.isKeyword("else") {
		return s, nil
	}
	p.next()
	if p.isKeyword("if") {
		elif, err := p.parseIf()
		if err != nil {
			return nil, err
		}
		s.Else = []Stmt{elif}
		return s, nil
	}
	s.Else, err = p.parseBlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		tok := p.next()
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{pos: pos{tok.line}, Op: "or", X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseAnd() (Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		tok := p.next()
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{pos: pos{tok.line}, Op: "and", X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isKeyword("not") {
		tok := p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{pos: pos{tok.line}, Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (Expr, error) {
	x, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.typ != tokenSymbol || !comparisonOps[tok.lit] {
			return x, nil
		}
		p.next()
		y, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{pos: pos{tok.line}, Op: tok.lit, X: x, Y: y}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	x, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("+") || p.isSymbol("-") {
		tok := p.next()
		y, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{pos: pos{tok.line}, Op: tok.lit, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("*") || p.isSymbol("/") || p.isSymbol("%") {
		tok := p.next()
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{pos: pos{tok.line}, Op: tok.lit, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isSymbol("-") {
		tok := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{pos: pos{tok.line}, Op: "-", X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.typ != tokenSymbol {
			return x, nil
		}
		switch tok.lit {
		case ".":
			p.next()
			name := p.next()
			if name.typ != tokenIdent {
				return nil, p.errorf(name, "expected attribute name, got %s", name.describe())
			}
			x = &AttrExpr{pos: pos{tok.line}, X: x, Name: name.lit}
		case "[":
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectSymbol("]"); err != nil {
				return nil, err
			}
			x = &IndexExpr{pos: pos{tok.line}, X: x, Index: idx}
		case "(":
			p.next()
			call, err := p.parseCallArgs(x, tok.line)
			if err != nil {
				return nil, err
			}
			x = call
		default:
			return x, nil
		}
	}
}

func (p *parser) parseCallArgs(fn Expr, line int) (*CallExpr, error) {
	call := &CallExpr{pos: pos{line}, Fn: fn}
	for !p.isSymbol(")") {
		tok := p.peek()
		if next := p.peekAt(1); tok.typ == tokenIdent && next.typ == tokenSymbol && next.lit == "=" {
			p.next()
			p.next()
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Kwargs = append(call.Kwargs, Kwarg{Name: tok.lit, Value: v})
		} else {
			if len(call.Kwargs) > 0 {
				return nil, p.errorf(tok, "positional argument follows keyword argument")
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, v)
		}
		if !p.isSymbol(",") {
			break
		}
		p.next()
	}
	if _, err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.typ {
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.lit, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number literal %q", tok.lit)
		}
		return &NumberLit{pos: pos{tok.line}, Value: f, Raw: tok.lit}, nil
	case tokenString:
		return &StringLit{pos: pos{tok.line}, Value: tok.lit}, nil
	case tokenIdent:
		switch tok.lit {
		case "true", "false":
			return &BoolLit{pos: pos{tok.line}, Value: tok.lit == "true"}, nil
		case "null":
			return &NullLit{pos: pos{tok.line}}, nil
		}
		if isReserved(tok.lit) {
			return nil, p.errorf(tok, "unexpected keyword %q, expected expression", tok.lit)
		}
		return &Ident{pos: pos{tok.line}, Name: tok.lit}, nil
	case tokenSymbol:
		switch tok.lit {
		case "(":
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			list := &ListLit{pos: pos{tok.line}}
			for !p.isSymbol("]") {
				x, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				list.Elems = append(list.Elems, x)
				if !p.isSymbol(",") {
					break
				}
				p.next()
			}
			if _, err := p.expectSymbol("]"); err != nil {
				return nil, err
			}
			return list, nil
		case "{":
			return p.parseDict(tok)
		}
	}
	return nil, p.errorf(tok, "unexpected %s, expected expression", tok.describe())
}

func (p *parser) parseDict(open token) (Expr, error) {
	d := &DictLit{pos: pos{open.line}}
	for {
		p.skipDictNewlines()
		if p.isSymbol("}") {
			break
		}
		k, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectSymbol(":"); err != nil {
			return nil, err
		}
		p.skipDictNewlines()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		d.Keys = append(d.Keys, k)
		d.Values = append(d.Values, v)
		p.skipDictNewlines()
		if !p.isSymbol(",") {
			break
		}
		p.next()
	}
	p.skipDictNewlines()
	if _, err := p.expectSymbol("}"); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) skipDictNewlines() {
	for p.peek().typ == tokenNewline {
		p.i++
	}
}
