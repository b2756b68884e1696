package compiler

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent parser for the PEG meta-grammar
// ---------------------------------------------------------------------------
//
// The grammar syntax:
//
//	{{ global initializer }}          evaluated once per program
//	{ per-parse initializer }         evaluated before every parse
//	name "display name"? = expression ;?
//
//	expression  = sequence action? ("/" ...)     ordered choice
//	sequence    = labeled+                       all must match
//	labeled     = ("@"? name ":" | "@")? prefixed
//	prefixed    = ("$" | "&" | "!")? suffixed | ("&" | "!") { predicate }
//	suffixed    = primary ("?" | "*" | "+")?
//	primary     = literal | class | "." | "(" expression ")" | rulename
//
// Literals are '"..."' or "'...'" with an optional `i` flag; classes are
// [chars]i with ^ inversion and a-z ranges. Comments are // and /* */.
//
// Failures are tracked the same way the interpreter tracks them: the
// rightmost position reached wins, with all expectations alive there merged
// into the resulting SyntaxError.

// ParseOptions configures ParseGrammar.
type ParseOptions struct {
	// GrammarSource is the opaque handle attached to every location.
	GrammarSource any
	// ReservedWords rejects rule and label names; nil selects DefaultReservedWords.
	ReservedWords []string
	// StartRule selects the meta-grammar entry point; the default and only
	// other supported value is "Grammar".
	StartRule string
}

// DefaultReservedWords is the default identifier blocklist for rule and
// label names: the reserved words of the host language.
var DefaultReservedWords = []string{
	"break", "case", "chan", "const", "continue", "default", "defer", "else",
	"fallthrough", "for", "func", "go", "goto", "if", "import", "interface",
	"map", "package", "range", "return", "select", "struct", "switch",
	"type", "var",
	// Action-language keywords.
	"true", "false", "null",
}

// ParseGrammar parses grammar source text into its AST. A failure is always
// a *vm.SyntaxError carrying the rightmost failure position and the merged
// expectations there.
func ParseGrammar(text string, opts ParseOptions) (*Grammar, error) {
	if opts.StartRule != "" && opts.StartRule != "Grammar" {
		return nil, fmt.Errorf("compiler: unknown meta-grammar start rule %q", opts.StartRule)
	}
	reserved := opts.ReservedWords
	if reserved == nil {
		reserved = DefaultReservedWords
	}
	p := &parser{
		input:      text,
		source:     opts.GrammarSource,
		reserved:   make(map[string]bool, len(reserved)),
		maxFail:    -1,
		lineStarts: metaLineStarts(text),
	}
	for _, w := range reserved {
		p.reserved[w] = true
	}
	return p.parseGrammar()
}

type parser struct {
	input    string
	source   any
	reserved map[string]bool
	pos      int

	maxFail    int
	expected   []vm.Expectation
	fatal      *vm.SyntaxError
	lineStarts []int
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

func (p *parser) fail(pos int, exp vm.Expectation) {
	if p.fatal != nil || pos < p.maxFail {
		return
	}
	if pos > p.maxFail {
		p.maxFail = pos
		p.expected = p.expected[:0]
	}
	p.expected = append(p.expected, exp)
}

func (p *parser) abort(span vm.LocationRange, found, format string, args ...any) {
	if p.fatal == nil {
		p.fatal = &vm.SyntaxError{
			Message:  fmt.Sprintf("%s: %s", span, fmt.Sprintf(format, args...)),
			Found:    found,
			Location: span,
		}
	}
}

func (p *parser) peek() byte {
	if p.pos < len(p.input) {
		return p.input[p.pos]
	}
	return 0
}

// lit matches exact text, recording a literal expectation on failure.
func (p *parser) lit(s string) bool {
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	p.fail(p.pos, vm.Expectation{Kind: vm.ExpectLiteral, Text: s})
	return false
}

// skip consumes whitespace and comments; it never fails.
func (p *parser) skip() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		case '/':
			if strings.HasPrefix(p.input[p.pos:], "//") {
				for p.pos < len(p.input) && p.input[p.pos] != '\n' {
					p.pos++
				}
			} else if strings.HasPrefix(p.input[p.pos:], "/*") {
				end := strings.Index(p.input[p.pos+2:], "*/")
				if end < 0 {
					p.pos = len(p.input)
				} else {
					p.pos += 2 + end + 2
				}
			} else {
				return
			}
		default:
			return
		}
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ident matches an identifier, recording an "identifier" expectation on
// failure.
func (p *parser) ident() (string, vm.LocationRange, bool) {
	start := p.pos
	r, size := utf8.DecodeRuneInString(p.input[p.pos:])
	if !isIdentStart(r) {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "identifier"})
		return "", vm.LocationRange{}, false
	}
	p.pos += size
	for p.pos < len(p.input) {
		r, size = utf8.DecodeRuneInString(p.input[p.pos:])
		if !isIdentPart(r) {
			break
		}
		p.pos += size
	}
	return p.input[start:p.pos], p.span(start), true
}

func (p *parser) span(start int) vm.LocationRange {
	return vm.LocationRange{
		Source: p.source,
		Start:  p.locAt(start),
		End:    p.locAt(p.pos),
	}
}

func (p *parser) locAt(offset int) vm.Location {
	i := len(p.lineStarts) - 1
	for i > 0 && p.lineStarts[i] > offset {
		i--
	}
	col := 1
	for range p.input[p.lineStarts[i]:offset] {
		col++
	}
	return vm.Location{Offset: offset, Line: i + 1, Column: col}
}

func metaLineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// ---------------------------------------------------------------------------
// Grammar and rules
// ---------------------------------------------------------------------------

func (p *parser) parseGrammar() (*Grammar, error) {
	g := &Grammar{}
	p.skip()

	if strings.HasPrefix(p.input[p.pos:], "{{") {
		code, ok := p.codeBlockDouble()
		if !ok {
			return nil, p.syntaxError()
		}
		g.Init = code
		p.skip()
	}
	if p.peek() == '{' {
		code, ok := p.codeBlock()
		if !ok {
			return nil, p.syntaxError()
		}
		g.PerParseInit = code
		p.skip()
	}

	for {
		p.skip()
		rule, ok := p.parseRule()
		if p.fatal != nil {
			return nil, p.fatal
		}
		if !ok {
			break
		}
		g.Rules = append(g.Rules, rule)
	}

	p.skip()
	if p.pos < len(p.input) {
		return nil, p.syntaxError()
	}
	g.SpanVal = vm.LocationRange{
		Source: p.source,
		Start:  p.locAt(0),
		End:    p.locAt(len(p.input)),
	}
	return g, nil
}

func (p *parser) parseRule() (*Rule, bool) {
	save := p.pos
	start := p.pos
	name, nameSpan, ok := p.ident()
	if !ok {
		return nil, false
	}
	if p.reserved[name] {
		p.abort(nameSpan, name, "rule name %q is a reserved word", name)
		return nil, false
	}
	p.skip()

	displayName := ""
	hasDisplay := false
	if p.peek() == '"' || p.peek() == '\'' {
		if s, _, ok := p.parseStringValue(); ok {
			displayName = s
			hasDisplay = true
			p.skip()
		} else {
			p.pos = save
			return nil, false
		}
	}

	if !p.lit("=") {
		p.pos = save
		return nil, false
	}
	p.skip()

	expr, ok := p.parseExpression()
	if !ok || p.fatal != nil {
		p.pos = save
		return nil, false
	}

	save2 := p.pos
	p.skip()
	if p.peek() == ';' {
		p.pos++
	} else {
		p.pos = save2
	}

	if hasDisplay {
		expr = &Named{SpanVal: p.span(start), Name: displayName, Expr: expr}
	}
	return &Rule{
		SpanVal:  p.span(start),
		Name:     name,
		NameSpan: nameSpan,
		Expr:     expr,
	}, true
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *parser) parseExpression() (Expr, bool) {
	start := p.pos
	first, ok := p.parseActionSeq()
	if !ok {
		return nil, false
	}
	alts := []Expr{first}
	for {
		save := p.pos
		p.skip()
		if p.peek() != '/' || strings.HasPrefix(p.input[p.pos:], "//") {
			p.pos = save
			break
		}
		p.pos++
		p.skip()
		alt, ok := p.parseActionSeq()
		if !ok || p.fatal != nil {
			p.pos = save
			break
		}
		alts = append(alts, alt)
	}
	if len(alts) == 1 {
		return first, true
	}
	return &Choice{SpanVal: p.span(start), Alternatives: alts}, true
}

func (p *parser) parseActionSeq() (Expr, bool) {
	start := p.pos
	seq, ok := p.parseSequence()
	if !ok {
		return nil, false
	}
	save := p.pos
	p.skip()
	if p.peek() == '{' {
		code, ok := p.codeBlock()
		if !ok {
			return nil, false
		}
		return &Action{SpanVal: p.span(start), Expr: seq, Code: code}, true
	}
	p.pos = save
	return seq, true
}

func (p *parser) parseSequence() (Expr, bool) {
	start := p.pos
	first, ok := p.parseLabeled()
	if !ok {
		return nil, false
	}
	elems := []Expr{first}
	for {
		save := p.pos
		p.skip()
		e, ok := p.parseLabeled()
		if p.fatal != nil {
			return nil, false
		}
		if !ok {
			p.pos = save
			break
		}
		elems = append(elems, e)
	}
	if len(elems) == 1 {
		return first, true
	}
	return &Sequence{SpanVal: p.span(start), Elements: elems}, true
}

func (p *parser) parseLabeled() (Expr, bool) {
	start := p.pos
	pick := false
	label := ""
	var labelSpan vm.LocationRange
	labeled := false

	if p.peek() == '@' {
		p.pos++
		pick = true
		labeled = true
		save := p.pos
		if name, span, ok := p.ident(); ok {
			p.skip()
			if p.lit(":") {
				label = name
				labelSpan = span
			} else {
				p.pos = save
			}
		} else {
			p.pos = save
		}
	} else {
		save := p.pos
		if name, span, ok := p.ident(); ok {
			p.skip()
			if p.lit(":") {
				label = name
				labelSpan = span
				labeled = true
			} else {
				p.pos = save
			}
		} else {
			p.pos = save
		}
	}

	if label != "" && p.reserved[label] {
		p.abort(labelSpan, label, "label %q is a reserved word", label)
		return nil, false
	}
	if labeled {
		p.skip()
	}

	child, ok := p.parsePrefixed()
	if !ok {
		p.pos = start
		return nil, false
	}
	if !labeled {
		return child, true
	}
	return &Labeled{
		SpanVal:   p.span(start),
		Label:     label,
		LabelSpan: labelSpan,
		Pick:      pick,
		Expr:      child,
	}, true
}

func (p *parser) parsePrefixed() (Expr, bool) {
	start := p.pos
	switch p.peek() {
	case '$':
		p.pos++
		p.skip()
		child, ok := p.parseSuffixed()
		if !ok {
			p.pos = start
			return nil, false
		}
		return &Prefixed{SpanVal: p.span(start), Op: PrefixText, Expr: child}, true
	case '&', '!':
		not := p.peek() == '!'
		p.pos++
		p.skip()
		if p.peek() == '{' {
			code, ok := p.codeBlock()
			if !ok {
				p.pos = start
				return nil, false
			}
			return &Predicate{SpanVal: p.span(start), Not: not, Code: code}, true
		}
		child, ok := p.parseSuffixed()
		if !ok {
			p.pos = start
			return nil, false
		}
		op := PrefixAnd
		if not {
			op = PrefixNot
		}
		return &Prefixed{SpanVal: p.span(start), Op: op, Expr: child}, true
	}
	return p.parseSuffixed()
}

func (p *parser) parseSuffixed() (Expr, bool) {
	start := p.pos
	child, ok := p.parsePrimary()
	if !ok {
		return nil, false
	}
	save := p.pos
	p.skip()
	var op SuffixOp
	switch p.peek() {
	case '?':
		op = SuffixOptional
	case '*':
		op = SuffixZeroOrMore
	case '+':
		op = SuffixOneOrMore
	default:
		p.pos = save
		return child, true
	}
	p.pos++
	return &Suffixed{SpanVal: p.span(start), Op: op, Expr: child}, true
}

func (p *parser) parsePrimary() (Expr, bool) {
	start := p.pos
	switch c := p.peek(); {
	case c == '"' || c == '\'':
		return p.parseLiteral()
	case c == '[':
		return p.parseClass()
	case c == '.':
		p.pos++
		return &AnyChar{SpanVal: p.span(start)}, true
	case c == '(':
		p.pos++
		p.skip()
		e, ok := p.parseExpression()
		if !ok {
			p.pos = start
			return nil, false
		}
		p.skip()
		if !p.lit(")") {
			p.pos = start
			return nil, false
		}
		return &Group{SpanVal: p.span(start), Expr: e}, true
	}

	name, _, ok := p.ident()
	if !ok {
		p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "expression"})
		return nil, false
	}
	// An identifier followed by `=` (possibly after a display-name string)
	// starts the next rule definition, not a reference.
	save := p.pos
	p.skip()
	if p.peek() == '"' || p.peek() == '\'' {
		if _, _, ok := p.parseStringValue(); ok {
			p.skip()
		}
	}
	if p.peek() == '=' {
		p.pos = start
		p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "expression"})
		return nil, false
	}
	p.pos = save
	return &RuleRef{SpanVal: p.span(start), Name: name, Index: -1}, true
}

// ---------------------------------------------------------------------------
// Literals and classes
// ---------------------------------------------------------------------------

func (p *parser) parseLiteral() (Expr, bool) {
	start := p.pos
	value, _, ok := p.parseStringValue()
	if !ok {
		return nil, false
	}
	ignoreCase := false
	if p.peek() == 'i' {
		p.pos++
		ignoreCase = true
	}
	return &Literal{SpanVal: p.span(start), Value: value, IgnoreCase: ignoreCase}, true
}

// parseStringValue parses a quoted string, returning its unescaped value.
func (p *parser) parseStringValue() (string, vm.LocationRange, bool) {
	start := p.pos
	quote := p.peek()
	if quote != '"' && quote != '\'' {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "string"})
		return "", vm.LocationRange{}, false
	}
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch c {
		case quote:
			p.pos++
			return sb.String(), p.span(start), true
		case '\n':
			p.pos = start
			p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "terminated string"})
			return "", vm.LocationRange{}, false
		case '\\':
			r, ok := p.parseEscape()
			if !ok {
				p.pos = start
				return "", vm.LocationRange{}, false
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	p.pos = start
	p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "terminated string"})
	return "", vm.LocationRange{}, false
}

// parseEscape consumes a backslash escape and returns the rune it denotes.
func (p *parser) parseEscape() (rune, bool) {
	p.pos++ // the backslash
	if p.pos >= len(p.input) {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "escape sequence"})
		return 0, false
	}
	c := p.input[p.pos]
	p.pos++
	switch c {
	case 'n':
		return '\n', true
	case 'r':
		return '\r', true
	case 't':
		return '\t', true
	case '0':
		return 0, true
	case 'x':
		return p.parseHexEscape(2)
	case 'u':
		if p.peek() == '{' {
			p.pos++
			start := p.pos
			for p.pos < len(p.input) && p.input[p.pos] != '}' {
				p.pos++
			}
			if p.pos >= len(p.input) {
				p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "closed unicode escape"})
				return 0, false
			}
			r, ok := parseHex(p.input[start:p.pos])
			p.pos++
			if !ok {
				p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "hex digits"})
			}
			return r, ok
		}
		return p.parseHexEscape(4)
	default:
		// Any other escaped character stands for itself.
		return rune(c), true
	}
}

func (p *parser) parseHexEscape(n int) (rune, bool) {
	if p.pos+n > len(p.input) {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "hex digits"})
		return 0, false
	}
	r, ok := parseHex(p.input[p.pos : p.pos+n])
	if !ok {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "hex digits"})
		return 0, false
	}
	p.pos += n
	return r, true
}

func parseHex(s string) (rune, bool) {
	var r rune
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			r = r*16 + (c - '0')
		case c >= 'a' && c <= 'f':
			r = r*16 + (c - 'a' + 10)
		case c >= 'A' && c <= 'F':
			r = r*16 + (c - 'A' + 10)
		default:
			return 0, false
		}
	}
	return r, true
}

func (p *parser) parseClass() (Expr, bool) {
	start := p.pos
	if p.peek() != '[' {
		p.fail(p.pos, vm.Expectation{Kind: vm.ExpectOther, Description: "character class"})
		return nil, false
	}
	p.pos++
	inverted := false
	if p.peek() == '^' {
		p.pos++
		inverted = true
	}
	var parts []vm.ClassPart
	for {
		if p.pos >= len(p.input) || p.input[p.pos] == '\n' {
			p.pos = start
			p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "terminated character class"})
			return nil, false
		}
		if p.input[p.pos] == ']' {
			p.pos++
			break
		}
		lo, ok := p.parseClassRune()
		if !ok {
			p.pos = start
			return nil, false
		}
		hi := lo
		if p.peek() == '-' && p.pos+1 < len(p.input) && p.input[p.pos+1] != ']' {
			p.pos++
			hi, ok = p.parseClassRune()
			if !ok {
				p.pos = start
				return nil, false
			}
			if hi < lo {
				p.abort(p.span(start), "", "invalid character range %q-%q", lo, hi)
				return nil, false
			}
		}
		parts = append(parts, vm.ClassPart{Lo: lo, Hi: hi})
	}
	ignoreCase := false
	if p.peek() == 'i' {
		p.pos++
		ignoreCase = true
	}
	return &CharClass{
		SpanVal:    p.span(start),
		Parts:      parts,
		Inverted:   inverted,
		IgnoreCase: ignoreCase,
	}, true
}

func (p *parser) parseClassRune() (rune, bool) {
	if p.input[p.pos] == '\\' {
		return p.parseEscape()
	}
	r, size := utf8.DecodeRuneInString(p.input[p.pos:])
	p.pos += size
	return r, true
}

// ---------------------------------------------------------------------------
// Code blocks
// ---------------------------------------------------------------------------

// codeBlock parses a single-brace code block, returning its contents.
func (p *parser) codeBlock() (*Code, bool) {
	start := p.pos
	if !p.lit("{") {
		return nil, false
	}
	content, ok := p.scanBalanced(1)
	if !ok {
		p.pos = start
		return nil, false
	}
	return &Code{SpanVal: p.span(start), Src: content}, true
}

// codeBlockDouble parses a {{ ... }} block.
func (p *parser) codeBlockDouble() (*Code, bool) {
	start := p.pos
	if !p.lit("{{") {
		return nil, false
	}
	content, ok := p.scanBalanced(2)
	if !ok {
		p.pos = start
		return nil, false
	}
	if !strings.HasSuffix(content, "}") {
		p.abort(p.span(start), "", "expected }} to close initializer")
		return nil, false
	}
	return &Code{SpanVal: p.span(start), Src: content[:len(content)-1]}, true
}

// scanBalanced consumes input until the brace depth returns to zero,
// skipping braces inside quoted strings. It returns the content excluding
// the final closing brace.
func (p *parser) scanBalanced(depth int) (string, bool) {
	start := p.pos
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case '{':
			depth++
			p.pos++
		case '}':
			depth--
			p.pos++
			if depth == 0 {
				return p.input[start : p.pos-1], true
			}
		case '"', '\'':
			quote := p.input[p.pos]
			p.pos++
			for p.pos < len(p.input) && p.input[p.pos] != quote {
				if p.input[p.pos] == '\\' {
					p.pos++
				}
				p.pos++
			}
			if p.pos < len(p.input) {
				p.pos++
			}
		default:
			p.pos++
		}
	}
	p.fail(start, vm.Expectation{Kind: vm.ExpectOther, Description: "closed code block"})
	return "", false
}

// ---------------------------------------------------------------------------
// Error construction
// ---------------------------------------------------------------------------

func (p *parser) syntaxError() *vm.SyntaxError {
	if p.fatal != nil {
		return p.fatal
	}
	pos := p.maxFail
	if pos < 0 {
		pos = p.pos
	}
	found := ""
	end := pos
	if pos < len(p.input) {
		_, size := utf8.DecodeRuneInString(p.input[pos:])
		found = p.input[pos : pos+size]
		end = pos + size
	}
	return &vm.SyntaxError{
		Expected: vm.MergeExpectations(p.expected),
		Found:    found,
		Location: vm.LocationRange{
			Source: p.source,
			Start:  p.locAt(pos),
			End:    p.locAt(end),
		},
	}
}
