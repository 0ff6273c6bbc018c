package script

import (
	"fmt"
	"slices"
	"strings"
)

// Capability is a class of side effect candidate code may not reach.
type Capability string

const (
	CapProcess       Capability = "process spawning"
	CapFile          Capability = "file access"
	CapNetwork       Capability = "network access"
	CapDynamicImport Capability = "dynamic import"
	CapReflection    Capability = "reflection"
)

var deniedSymbols = map[string]Capability{
	"exec": CapProcess, "system": CapProcess, "spawn": CapProcess, "popen": CapProcess,
	"subprocess": CapProcess, "eval": CapProcess, "compile": CapProcess,

	"open": CapFile, "read_file": CapFile, "write_file": CapFile, "remove": CapFile, "unlink": CapFile,

	"fetch": CapNetwork, "http_get": CapNetwork, "http_post": CapNetwork, "urlopen": CapNetwork,
	"socket": CapNetwork, "requests": CapNetwork,

	"__import__": CapDynamicImport, "import_module": CapDynamicImport,

	"getattr": CapReflection, "setattr": CapReflection, "delattr": CapReflection,
	"globals": CapReflection, "locals": CapReflection, "vars": CapReflection,
}

// Violation is one reference to a denied capability.
type Violation struct {
	Capability Capability
	Symbol     string
	Line       int
}

func (v Violation) String() string {
	return fmt.Sprintf("capability denied: %s via %q (line %d)", v.Capability, v.Symbol, v.Line)
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// Validate reports every reference to a denied capability. It works on
// resolved symbols: names bound (directly or through aliases) to a denied
// builtin, non-allowlisted imports, dunder attributes and dunder string
// indexes. Denied names inside ordinary string literals are not references.
func Validate(p *Program) []Violation {
	tainted := taintedNames(p)
	var out []Violation
	add := func(c Capability, sym string, line int) {
		out = append(out, Violation{Capability: c, Symbol: sym, Line: line})
	}
	Walk(p, func(node any) bool {
		switch n := node.(type) {
		case *ImportStmt:
			if !slices.Contains(AllowedModules, n.Module) {
				add(CapDynamicImport, n.Module, n.Line())
			}
		case *Ident:
			if c, ok := deniedSymbols[n.Name]; ok {
				add(c, n.Name, n.Line())
			} else if c, ok := tainted[n.Name]; ok {
				add(c, n.Name, n.Line())
			}
		case *AttrExpr:
			if isDunder(n.Name) {
				add(CapReflection, n.Name, n.Line())
			} else if c, ok := deniedSymbols[n.Name]; ok {
				add(c, n.Name, n.Line())
			}
		case *IndexExpr:
			if s, ok := n.Index.(*StringLit); ok && isDunder(s.Value) {
				add(CapReflection, s.Value, n.Line())
			}
		}
		return true
	})
	return out
}

// taintedNames finds variables that alias a denied capability, following
// chains (a = open; b = a) to a fixed point.
func taintedNames(p *Program) map[string]Capability {
	var assigns []*AssignStmt
	Walk(p, func(node any) bool {
		if a, ok := node.(*AssignStmt); ok {
			assigns = append(assigns, a)
		}
		return true
	})
	tainted := map[string]Capability{}
	for changed := true; changed; {
		changed = false
		for _, a := range assigns {
			if _, done := tainted[a.Name]; done {
				continue
			}
			if c, ok := capabilityOf(a.Value, tainted); ok {
				tainted[a.Name] = c
				changed = true
			}
		}
	}
	return tainted
}

func capabilityOf(e Expr, tainted map[string]Capability) (Capability, bool) {
	switch e := e.(type) {
	case *Ident:
		if c, ok := deniedSymbols[e.Name]; ok {
			return c, true
		}
		c, ok := tainted[e.Name]
		return c, ok
	case *AttrExpr:
		if isDunder(e.Name) {
			return CapReflection, true
		}
		if c, ok := deniedSymbols[e.Name]; ok {
			return c, true
		}
		return capabilityOf(e.X, tainted)
	case *BinaryExpr:
		if e.Op == "or" || e.Op == "and" {
			if c, ok := capabilityOf(e.X, tainted); ok {
				return c, true
			}
			return capabilityOf(e.Y, tainted)
		}
	case *ListLit:
		for _, x := range e.Elems {
			if c, ok := capabilityOf(x, tainted); ok {
				return c, true
			}
		}
	case *DictLit:
		for _, x := range e.Values {
			if c, ok := capabilityOf(x, tainted); ok {
				return c, true
			}
		}
	case *IndexExpr:
		return capabilityOf(e.X, tainted)
	}
	return "", false
}
