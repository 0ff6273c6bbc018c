package script

import (
	"errors"
	"fmt"
)

// Error type names. They match the names generator prompts are written
// against, so classification rules can key on them.
const (
	KeyError          = "KeyError"
	TypeError         = "TypeError"
	ValueError        = "ValueError"
	NameError         = "NameError"
	ZeroDivisionError = "ZeroDivisionError"
	SyntaxError       = "SyntaxError"
	ResourceError     = "ResourceError"
	TimeoutError      = "TimeoutError"
	IndexError        = "IndexError"
)

// Error is a typed script failure.
type Error struct {
	Type string
	Msg  string
	Line int
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Type, e.Msg, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

func (e *Error) ErrorType() string { return e.Type }

func errorf(typ string, format string, args ...any) *Error {
	return &Error{Type: typ, Msg: fmt.Sprintf(format, args...)}
}

// AsError extracts a script error from err.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func withLine(err error, line int) error {
	if se, ok := AsError(err); ok && se.Line == 0 && line > 0 {
		cp := *se
		cp.Line = line
		return &cp
	}
	return err
}
