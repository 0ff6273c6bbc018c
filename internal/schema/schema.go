// Package schema describes dataset schemas and resolves requested column
// names against them.
package schema

import (
	"fmt"
	"strings"
)

// Type is the declared type of a column.
type Type string

const (
	TypeNumber  Type = "number"
	TypeString  Type = "string"
	TypeBool    Type = "bool"
	TypeDate    Type = "date"
	TypeUnknown Type = "unknown"
)

func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeNumber, "float", "int", "integer", "numeric":
		return TypeNumber, nil
	case TypeString, "text", "str":
		return TypeString, nil
	case TypeBool, "boolean":
		return TypeBool, nil
	case TypeDate, "datetime", "timestamp":
		return TypeDate, nil
	case TypeUnknown, "":
		return TypeUnknown, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown column type %q", s)
	}
}

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is the ordered column list of one dataset.
type Schema []Column

func (s Schema) Names() []string {
	out := make([]string, 0, len(s))
	for _, c := range s {
		out = append(out, c.Name)
	}
	return out
}

// Lookup finds a column by its exact, case-sensitive name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s Schema) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// OfType returns the columns declared with t, in schema order.
func (s Schema) OfType(t Type) Schema {
	var out Schema
	for _, c := range s {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}
