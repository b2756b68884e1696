package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Source locations
// ---------------------------------------------------------------------------

// Location is a single point in some source text. Line and Column are
// 1-based; Offset is the 0-based byte offset.
type Location struct {
	Offset int `cbor:"o"`
	Line   int `cbor:"l"`
	Column int `cbor:"c"`
}

// LocationRange is a half-open [Start, End) span of source text. Source is an
// opaque handle identifying the text; it is compared by identity only and
// never dereferenced here. Diagnostic formatters map it back to text.
type LocationRange struct {
	Source any      `cbor:"-"`
	Start  Location `cbor:"s"`
	End    Location `cbor:"e"`
}

// String renders the range as source:line:col for diagnostics.
func (r LocationRange) String() string {
	src := "-"
	if r.Source != nil {
		src = fmt.Sprintf("%v", r.Source)
	}
	return fmt.Sprintf("%s:%d:%d", src, r.Start.Line, r.Start.Column)
}

// LocationAt computes the Location of a byte offset within text.
func LocationAt(text string, offset int) Location {
	if offset > len(text) {
		offset = len(text)
	}
	line, col := 1, 1
	for _, r := range text[:offset] {
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return Location{Offset: offset, Line: line, Column: col}
}

// ---------------------------------------------------------------------------
// Constant tables
// ---------------------------------------------------------------------------

// LiteralSpec describes a literal-match constant.
type LiteralSpec struct {
	Text       string `cbor:"t"`
	IgnoreCase bool   `cbor:"i,omitempty"`
}

// ClassPart is one entry of a character class: a single rune (Lo == Hi) or
// an inclusive range.
type ClassPart struct {
	Lo rune `cbor:"l"`
	Hi rune `cbor:"h"`
}

// ClassSpec describes a character-class-match constant.
type ClassSpec struct {
	Parts      []ClassPart `cbor:"p"`
	Inverted   bool        `cbor:"v,omitempty"`
	IgnoreCase bool        `cbor:"i,omitempty"`
}

// String renders the class in grammar syntax, used by the disassembler and
// by expectation messages.
func (c ClassSpec) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	if c.Inverted {
		sb.WriteByte('^')
	}
	for _, p := range c.Parts {
		if p.Lo == p.Hi {
			sb.WriteString(escapeClassRune(p.Lo))
		} else {
			sb.WriteString(escapeClassRune(p.Lo))
			sb.WriteByte('-')
			sb.WriteString(escapeClassRune(p.Hi))
		}
	}
	sb.WriteByte(']')
	if c.IgnoreCase {
		sb.WriteByte('i')
	}
	return sb.String()
}

func escapeClassRune(r rune) string {
	switch r {
	case ']', '^', '-', '\\':
		return "\\" + string(r)
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return string(r)
}

// SeqPlan describes how a sequence combines its element values: with no
// picks the result is the ordered list of all element values; with exactly
// one pick the result is that element's value; with several picks the result
// is the ordered list of the picked values.
type SeqPlan struct {
	Pick []int `cbor:"p,omitempty"`
}

// CodeSpec is a compiled action, predicate, or initializer code block.
type CodeSpec struct {
	Src    string    `cbor:"s"`          // original block text, for diagnostics
	Expr   *CodeExpr `cbor:"x,omitempty"` // parsed expression (actions, predicates)
	Defs   []CodeDef `cbor:"d,omitempty"` // parsed definitions (initializers)
	Labels []string  `cbor:"b,omitempty"` // labels statically in scope
}

// CodeDef is one `name = expr` definition from an initializer block.
type CodeDef struct {
	Name string    `cbor:"n"`
	Expr *CodeExpr `cbor:"x"`
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// CompiledRule is one grammar rule lowered to matcher code.
type CompiledRule struct {
	Name string `cbor:"n"`
	// Index is the rule's entry point in the program's rule table and the
	// operand of CALL_RULE instructions referencing it.
	Index int    `cbor:"i"`
	Code  []byte `cbor:"c"`
	// ExpIdx is the expectation reported when a display-named rule fails,
	// or -1 when the rule has no display name.
	ExpIdx int `cbor:"e"`
}

// Program is a compiled grammar: per-rule instruction sequences plus the
// shared constant tables they index into. A Program is immutable once
// generated and may be shared by any number of concurrent Parse calls.
type Program struct {
	Rules        []CompiledRule `cbor:"r"`
	Literals     []LiteralSpec  `cbor:"l,omitempty"`
	Classes      []ClassSpec    `cbor:"k,omitempty"`
	Expectations []Expectation  `cbor:"x,omitempty"`
	Plans        []SeqPlan      `cbor:"q,omitempty"`
	Names        []string       `cbor:"n,omitempty"`
	Code         []CodeSpec     `cbor:"c,omitempty"`

	// Init and PerParseInit hold the grammar's initializer blocks; Init is
	// evaluated once per interpreter, PerParseInit before every parse.
	Init         *CodeSpec `cbor:"gi,omitempty"`
	PerParseInit *CodeSpec `cbor:"pi,omitempty"`

	// StartRules lists the rule names a Parse call may start from; the
	// first entry is the default.
	StartRules []string `cbor:"sr"`

	// Trace records that the grammar was compiled with tracing requested,
	// letting embedders attach a default tracer.
	Trace bool `cbor:"tr,omitempty"`
}

// RuleIndex returns the index of the named rule, or -1.
func (p *Program) RuleIndex(name string) int {
	for i := range p.Rules {
		if p.Rules[i].Name == name {
			return i
		}
	}
	return -1
}

// StartRuleAllowed reports whether name may be used as a start rule.
func (p *Program) StartRuleAllowed(name string) bool {
	for _, s := range p.StartRules {
		if s == name {
			return true
		}
	}
	return false
}
