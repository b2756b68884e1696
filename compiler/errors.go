package compiler

import (
	"fmt"
	"strings"

	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// Grammar errors and diagnostics
// ---------------------------------------------------------------------------

// Diagnostic is one message tied to a source location: a warning from a
// check pass, or a secondary note attached to a GrammarError.
type Diagnostic struct {
	Message  string
	Location vm.LocationRange
}

// GrammarError reports a grammar that parses but is semantically invalid:
// an undefined rule reference, a duplicate label, unguarded left recursion,
// and so on. Notes point at secondary locations, such as the first
// definition of a duplicated label.
type GrammarError struct {
	Message  string
	Location vm.LocationRange
	Notes    []Diagnostic
}

// Error implements the error interface.
func (e *GrammarError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Location, e.Message)
	for _, n := range e.Notes {
		fmt.Fprintf(&sb, "\n  %s: %s", n.Location, n.Message)
	}
	return sb.String()
}

func grammarErrorf(loc vm.LocationRange, format string, args ...any) *GrammarError {
	return &GrammarError{Message: fmt.Sprintf(format, args...), Location: loc}
}

// MultiError aggregates the errors of a whole check stage so one compile
// reports every problem it can find.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
