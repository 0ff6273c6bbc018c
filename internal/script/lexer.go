package script

import (
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenNewline
	tokenIdent
	tokenNumber
	tokenString
	tokenSymbol
)

type token struct {
	typ  tokenType
	lit  string
	line int
}

func (t token) describe() string {
	switch t.typ {
	case tokenEOF:
		return "end of input"
	case tokenNewline:
		return "end of line"
	default:
		return "token " + `"` + t.lit + `"`
	}
}

type lexer struct {
	src   []rune
	i     int
	line  int
	depth int // open ( and [; newlines inside them are not separators
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1}
}

var twoCharSymbols = []string{"==", "!=", "<=", ">="}

func (lx *lexer) next() (token, error) {
	for {
		if lx.i >= len(lx.src) {
			return token{typ: tokenEOF, line: lx.line}, nil
		}
		c := lx.src[lx.i]
		switch {
		case c == '\n':
			lx.i++
			lx.line++
			if lx.depth > 0 {
				continue
			}
			return token{typ: tokenNewline, lit: "\n", line: lx.line - 1}, nil
		case c == ' ' || c == '\t' || c == '\r':
			lx.i++
			continue
		case c == '#':
			for lx.i < len(lx.src) && lx.src[lx.i] != '\n' {
				lx.i++
			}
			continue
		case c == '\\' && lx.i+1 < len(lx.src) && lx.src[lx.i+1] == '\n':
			lx.i += 2
			lx.line++
			continue
		}
		break
	}

	start := lx.i
	c := lx.src[lx.i]
	switch {
	case isIdentStart(c):
		for lx.i < len(lx.src) && isIdentPart(lx.src[lx.i]) {
			lx.i++
		}
		return token{typ: tokenIdent, lit: string(lx.src[start:lx.i]), line: lx.line}, nil
	case isDigit(c) || (c == '.' && lx.i+1 < len(lx.src) && isDigit(lx.src[lx.i+1])):
		return lx.number()
	case c == '"' || c == '\'':
		return lx.string(c)
	}

	for _, sym := range twoCharSymbols {
		if strings.HasPrefix(string(lx.src[lx.i:min(lx.i+2, len(lx.src))]), sym) {
			lx.i += 2
			return token{typ: tokenSymbol, lit: sym, line: lx.line}, nil
		}
	}
	switch c {
	case '(', '[':
		lx.depth++
	case ')', ']':
		if lx.depth > 0 {
			lx.depth--
		}
	case '{', '}', ',', '.', ':', ';', '=', '<', '>', '+', '-', '*', '/', '%':
	default:
		return token{}, &Error{Type: SyntaxError, Msg: "unexpected character " + `"` + string(c) + `"`, Line: lx.line}
	}
	lx.i++
	return token{typ: tokenSymbol, lit: string(c), line: lx.line}, nil
}

func (lx *lexer) number() (token, error) {
	start := lx.i
	for lx.i < len(lx.src) && (isDigit(lx.src[lx.i]) || lx.src[lx.i] == '_') {
		lx.i++
	}
	if lx.i < len(lx.src) && lx.src[lx.i] == '.' && lx.i+1 < len(lx.src) && isDigit(lx.src[lx.i+1]) {
		lx.i++
		for lx.i < len(lx.src) && isDigit(lx.src[lx.i]) {
			lx.i++
		}
	}
	if lx.i < len(lx.src) && (lx.src[lx.i] == 'e' || lx.src[lx.i] == 'E') {
		j := lx.i + 1
		if j < len(lx.src) && (lx.src[j] == '+' || lx.src[j] == '-') {
			j++
		}
		if j < len(lx.src) && isDigit(lx.src[j]) {
			lx.i = j
			for lx.i < len(lx.src) && isDigit(lx.src[lx.i]) {
				lx.i++
			}
		}
	}
	lit := strings.ReplaceAll(string(lx.src[start:lx.i]), "_", "")
	return token{typ: tokenNumber, lit: lit, line: lx.line}, nil
}

func (lx *lexer) string(quote rune) (token, error) {
	line := lx.line
	lx.i++
	var b strings.Builder
	for {
		if lx.i >= len(lx.src) || lx.src[lx.i] == '\n' {
			return token{}, &Error{Type: SyntaxError, Msg: "unterminated string literal", Line: line}
		}
		c := lx.src[lx.i]
		lx.i++
		if c == quote {
			break
		}
		if c != '\\' {
			b.WriteRune(c)
			continue
		}
		if lx.i >= len(lx.src) {
			return token{}, &Error{Type: SyntaxError, Msg: "unterminated string literal", Line: line}
		}
		esc := lx.src[lx.i]
		lx.i++
		switch esc {
		case 'n':
			b.WriteRune('\n')
		case 't':
			b.WriteRune('\t')
		case '\\', '"', '\'':
			b.WriteRune(esc)
		default:
			b.WriteRune('\\')
			b.WriteRune(esc)
		}
	}
	return token{typ: tokenString, lit: b.String(), line: line}, nil
}

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool { return isIdentStart(c) || isDigit(c) }

func isDigit(c rune) bool { return c >= '0' && c <= '9' }
