package compiler

import (
	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for PEG grammars
// ---------------------------------------------------------------------------

// NodeKind tags every AST node for visitor dispatch.
type NodeKind byte

const (
	KindGrammar NodeKind = iota
	KindRule
	KindNamed
	KindChoice
	KindAction
	KindSequence
	KindLabeled
	KindPrefixed
	KindSuffixed
	KindGroup
	KindRuleRef
	KindPredicate
	KindLiteral
	KindCharClass
	KindAnyChar
	KindCode

	numKinds
)

var kindNames = [numKinds]string{
	"grammar", "rule", "named", "choice", "action", "sequence", "labeled",
	"prefixed", "suffixed", "group", "rule_ref", "predicate", "literal",
	"char_class", "any_char", "code",
}

// String returns the kind's grammar-level name.
func (k NodeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Kind() NodeKind
	Span() vm.LocationRange
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// ---------------------------------------------------------------------------
// Grammar and rules
// ---------------------------------------------------------------------------

// Grammar is the AST root: optional initializer blocks plus the ordered rule
// list. Rules are created once by the parser and annotated in place by later
// passes.
type Grammar struct {
	SpanVal vm.LocationRange
	// Init is the top-level {{ ... }} block, evaluated once per program.
	Init *Code
	// PerParseInit is the { ... } block, evaluated before every parse.
	PerParseInit *Code
	Rules        []*Rule

	// Program is attached by the generate stage.
	Program *vm.Program
}

func (n *Grammar) Kind() NodeKind         { return KindGrammar }
func (n *Grammar) Span() vm.LocationRange { return n.SpanVal }
func (n *Grammar) node()                  {}

// Rule returns the named rule, or nil.
func (n *Grammar) Rule(name string) *Rule {
	for _, r := range n.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Rule is one grammar rule. NameSpan covers just the rule name, for
// diagnostics.
type Rule struct {
	SpanVal  vm.LocationRange
	Name     string
	NameSpan vm.LocationRange
	Expr     Expr

	// Index and Bytecode are attached by the generate stage: the rule's
	// entry point in the program's rule table and its compiled code.
	Index    int
	Bytecode []byte
}

func (n *Rule) Kind() NodeKind         { return KindRule }
func (n *Rule) Span() vm.LocationRange { return n.SpanVal }
func (n *Rule) node()                  {}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Named wraps a rule body with a human-readable display name used only in
// error messages.
type Named struct {
	SpanVal vm.LocationRange
	Name    string
	Expr    Expr
}

func (n *Named) Kind() NodeKind         { return KindNamed }
func (n *Named) Span() vm.LocationRange { return n.SpanVal }
func (n *Named) node()                  {}
func (n *Named) expr()                  {}

// Choice is an ordered list of alternatives; the first match wins.
type Choice struct {
	SpanVal      vm.LocationRange
	Alternatives []Expr
}

func (n *Choice) Kind() NodeKind         { return KindChoice }
func (n *Choice) Span() vm.LocationRange { return n.SpanVal }
func (n *Choice) node()                  {}
func (n *Choice) expr()                  {}

// Action wraps an expression with a code block that computes the match value
// from the labels bound inside it.
type Action struct {
	SpanVal vm.LocationRange
	Expr    Expr
	Code    *Code
}

func (n *Action) Kind() NodeKind         { return KindAction }
func (n *Action) Span() vm.LocationRange { return n.SpanVal }
func (n *Action) node()                  {}
func (n *Action) expr()                  {}

// Sequence is an ordered list of elements that must all match.
type Sequence struct {
	SpanVal  vm.LocationRange
	Elements []Expr
}

func (n *Sequence) Kind() NodeKind         { return KindSequence }
func (n *Sequence) Span() vm.LocationRange { return n.SpanVal }
func (n *Sequence) node()                  {}
func (n *Sequence) expr()                  {}

// Labeled binds the child's match value to a name, and with Pick set marks
// it as the enclosing sequence's result. A pick without a name (`@expr`)
// leaves Label empty.
type Labeled struct {
	SpanVal   vm.LocationRange
	Label     string
	LabelSpan vm.LocationRange
	Pick      bool
	Expr      Expr
}

func (n *Labeled) Kind() NodeKind         { return KindLabeled }
func (n *Labeled) Span() vm.LocationRange { return n.SpanVal }
func (n *Labeled) node()                  {}
func (n *Labeled) expr()                  {}

// PrefixOp selects the behavior of a Prefixed node.
type PrefixOp byte

const (
	PrefixText PrefixOp = iota // $: yield the consumed text
	PrefixAnd                  // &: positive lookahead, never consumes
	PrefixNot                  // !: negative lookahead, never consumes
)

func (op PrefixOp) String() string {
	return [...]string{"$", "&", "!"}[op]
}

// Prefixed applies a prefix operator to one child.
type Prefixed struct {
	SpanVal vm.LocationRange
	Op      PrefixOp
	Expr    Expr
}

func (n *Prefixed) Kind() NodeKind         { return KindPrefixed }
func (n *Prefixed) Span() vm.LocationRange { return n.SpanVal }
func (n *Prefixed) node()                  {}
func (n *Prefixed) expr()                  {}

// SuffixOp selects the behavior of a Suffixed node.
type SuffixOp byte

const (
	SuffixOptional   SuffixOp = iota // ?: null on failure, never fails
	SuffixZeroOrMore                 // *: ordered list, possibly empty
	SuffixOneOrMore                  // +: ordered list, at least one
)

func (op SuffixOp) String() string {
	return [...]string{"?", "*", "+"}[op]
}

// Suffixed applies a repetition operator to one child.
type Suffixed struct {
	SpanVal vm.LocationRange
	Op      SuffixOp
	Expr    Expr
}

func (n *Suffixed) Kind() NodeKind         { return KindSuffixed }
func (n *Suffixed) Span() vm.LocationRange { return n.SpanVal }
func (n *Suffixed) node()                  {}
func (n *Suffixed) expr()                  {}

// Group re-scopes labels: bindings made inside it are invisible outside.
type Group struct {
	SpanVal vm.LocationRange
	Expr    Expr
}

func (n *Group) Kind() NodeKind         { return KindGroup }
func (n *Group) Span() vm.LocationRange { return n.SpanVal }
func (n *Group) node()                  {}
func (n *Group) expr()                  {}

// RuleRef refers to a rule by name. Index is resolved by the check stage.
type RuleRef struct {
	SpanVal vm.LocationRange
	Name    string
	Index   int
}

func (n *RuleRef) Kind() NodeKind         { return KindRuleRef }
func (n *RuleRef) Span() vm.LocationRange { return n.SpanVal }
func (n *RuleRef) node()                  {}
func (n *RuleRef) expr()                  {}

// Predicate is a semantic predicate: code evaluated for a boolean without
// consuming input. Not inverts the result.
type Predicate struct {
	SpanVal vm.LocationRange
	Not     bool
	Code    *Code
}

func (n *Predicate) Kind() NodeKind         { return KindPredicate }
func (n *Predicate) Span() vm.LocationRange { return n.SpanVal }
func (n *Predicate) node()                  {}
func (n *Predicate) expr()                  {}

// Literal matches exact text, optionally case-insensitively.
type Literal struct {
	SpanVal    vm.LocationRange
	Value      string
	IgnoreCase bool
}

func (n *Literal) Kind() NodeKind         { return KindLiteral }
func (n *Literal) Span() vm.LocationRange { return n.SpanVal }
func (n *Literal) node()                  {}
func (n *Literal) expr()                  {}

// CharClass matches one rune against an ordered list of runes and ranges.
type CharClass struct {
	SpanVal    vm.LocationRange
	Parts      []vm.ClassPart
	Inverted   bool
	IgnoreCase bool
}

func (n *CharClass) Kind() NodeKind         { return KindCharClass }
func (n *CharClass) Span() vm.LocationRange { return n.SpanVal }
func (n *CharClass) node()                  {}
func (n *CharClass) expr()                  {}

// AnyChar matches any single rune; it fails only at end of input.
type AnyChar struct {
	SpanVal vm.LocationRange
}

func (n *AnyChar) Kind() NodeKind         { return KindAnyChar }
func (n *AnyChar) Span() vm.LocationRange { return n.SpanVal }
func (n *AnyChar) node()                  {}
func (n *AnyChar) expr()                  {}

// Code is a raw code block: an action, predicate, or initializer body.
type Code struct {
	SpanVal vm.LocationRange
	Src     string
}

func (n *Code) Kind() NodeKind         { return KindCode }
func (n *Code) Span() vm.LocationRange { return n.SpanVal }
func (n *Code) node()                  {}
