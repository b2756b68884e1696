package vm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Expectations
// ---------------------------------------------------------------------------

// ExpectKind classifies what a failed match was looking for.
type ExpectKind byte

const (
	ExpectLiteral ExpectKind = iota
	ExpectClass
	ExpectAny
	ExpectEnd
	ExpectOther
)

// Expectation is a structured description of what was expected at a failure
// position. Only the fields relevant to the kind are set.
type Expectation struct {
	Kind        ExpectKind  `cbor:"k"`
	Text        string      `cbor:"t,omitempty"` // ExpectLiteral
	IgnoreCase  bool        `cbor:"i,omitempty"` // ExpectLiteral, ExpectClass
	Parts       []ClassPart `cbor:"p,omitempty"` // ExpectClass
	Inverted    bool        `cbor:"v,omitempty"` // ExpectClass
	Description string      `cbor:"d,omitempty"` // ExpectOther
}

// String renders a single expectation for error messages.
func (e Expectation) String() string {
	switch e.Kind {
	case ExpectLiteral:
		return fmt.Sprintf("%q", e.Text)
	case ExpectClass:
		return ClassSpec{Parts: e.Parts, Inverted: e.Inverted, IgnoreCase: e.IgnoreCase}.String()
	case ExpectAny:
		return "any character"
	case ExpectEnd:
		return "end of input"
	default:
		return e.Description
	}
}

// key returns a stable identity for deduplication and ordering.
func (e Expectation) key() string {
	return fmt.Sprintf("%d\x00%s\x00%t\x00%t\x00%s\x00%v", e.Kind, e.Text, e.IgnoreCase, e.Inverted, e.Description, e.Parts)
}

// MergeExpectations removes duplicates and orders expectations
// deterministically (by kind, then by rendering).
func MergeExpectations(exps []Expectation) []Expectation {
	seen := make(map[string]bool, len(exps))
	out := make([]Expectation, 0, len(exps))
	for _, e := range exps {
		k := e.key()
		if !seen[k] {
			seen[k] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].key() < out[j].key()
	})
	return out
}

// DescribeExpectations renders a merged expectation set as a human-readable
// disjunction ("a", "b", or "c").
func DescribeExpectations(exps []Expectation) string {
	parts := make([]string, len(exps))
	for i, e := range exps {
		parts[i] = e.String()
	}
	switch len(parts) {
	case 0:
		return "nothing"
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " or " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", or " + parts[len(parts)-1]
	}
}

// ---------------------------------------------------------------------------
// SyntaxError
// ---------------------------------------------------------------------------

// SyntaxError reports that input failed to match: either grammar text under
// the meta-grammar or parser input under a compiled program. It carries the
// furthest failure position reached across all backtracking attempts and the
// merged set of expectations alive there.
type SyntaxError struct {
	Message  string
	Expected []Expectation
	// Found is the offending input fragment at the failure position, or ""
	// at end of input and for explicit failure signals raised by actions.
	Found    string
	Location LocationRange
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	found := "end of input"
	if e.Found != "" {
		found = fmt.Sprintf("%q", e.Found)
	}
	return fmt.Sprintf("%s: expected %s but %s found",
		e.Location, DescribeExpectations(e.Expected), found)
}

// ---------------------------------------------------------------------------
// Explicit backtrack signal
// ---------------------------------------------------------------------------

// ErrBacktrack is the sentinel distinguishing an intentional "fail here"
// signal raised by action code from an ordinary fault. Host functions may
// return an error wrapping it to convert the current match into a PEG
// failure; any other error aborts the whole parse.
var ErrBacktrack = errors.New("match failed")

type backtrackError struct {
	description string
}

func (e *backtrackError) Error() string {
	return e.description
}

func (e *backtrackError) Unwrap() error {
	return ErrBacktrack
}

// Backtrack returns an explicit failure signal carrying a description that
// becomes an ExpectOther expectation at the failure position.
func Backtrack(description string) error {
	return &backtrackError{description: description}
}

func backtrackDescription(err error) string {
	var b *backtrackError
	if errors.As(err, &b) && b.description != "" {
		return b.description
	}
	return "matched input rejected"
}
