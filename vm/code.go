package vm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Action language
// ---------------------------------------------------------------------------
//
// Grammar code blocks do not run as opaque host closures; they are written
// in a small expression language parsed once at compile time. This keeps
// label references resolvable during the check stage and the runtime free of
// host-language evaluation. Host capability comes back in explicitly through
// functions registered in ParseOptions.Funcs.
//
//	expr     = or
//	or       = and ("||" and)*
//	and      = equality ("&&" equality)*
//	equality = compare (("==" | "!=") compare)*
//	compare  = additive (("<=" | ">=" | "<" | ">") additive)*
//	additive = multiplicative (("+" | "-") multiplicative)*
//	multiplicative = unary (("*" | "/" | "%") unary)*
//	unary    = ("!" | "-") unary | primary
//	primary  = number | string | "true" | "false" | "null"
//	         | ident "(" args ")" | ident | "[" args "]" | "(" expr ")"
//
// Initializer blocks instead hold definitions: `name = expr` separated by
// newlines or semicolons.

// CodeKind tags a CodeExpr node.
type CodeKind byte

const (
	CodeString CodeKind = iota
	CodeInt
	CodeFloat
	CodeBool
	CodeNull
	CodeIdent
	CodeList
	CodeCall
	CodeUnary
	CodeBinary
)

// CodeExpr is one node of a parsed code block.
type CodeExpr struct {
	Kind  CodeKind    `cbor:"k"`
	Str   string      `cbor:"s,omitempty"` // string value, ident/call name, operator
	Int   int64       `cbor:"i,omitempty"`
	Float float64     `cbor:"f,omitempty"`
	Bool  bool        `cbor:"b,omitempty"`
	Args  []*CodeExpr `cbor:"a,omitempty"` // list elements, call args, operands
}

// Idents appends every bare identifier referenced by the expression to out.
// Call targets are not included; they resolve to host functions at runtime.
func (e *CodeExpr) Idents(out []string) []string {
	if e == nil {
		return out
	}
	if e.Kind == CodeIdent {
		out = append(out, e.Str)
	}
	for _, a := range e.Args {
		out = a.Idents(out)
	}
	return out
}

// ParseCode parses an action or predicate code block.
func ParseCode(src string) (*CodeExpr, error) {
	p := &codeParser{src: src}
	p.skipSpace()
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, p.errorf("unexpected %q", p.rest())
	}
	return e, nil
}

// ParseDefs parses an initializer code block into named definitions.
func ParseDefs(src string) ([]CodeDef, error) {
	p := &codeParser{src: src}
	var defs []CodeDef
	for {
		p.skipSeparators()
		if p.pos >= len(p.src) {
			return defs, nil
		}
		name, ok := p.ident()
		if !ok {
			return nil, p.errorf("expected definition name, got %q", p.rest())
		}
		p.skipSpace()
		if !p.lit("=") {
			return nil, p.errorf("expected '=' after %q", name)
		}
		p.skipSpace()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		defs = append(defs, CodeDef{Name: name, Expr: e})
	}
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type codeParser struct {
	src string
	pos int
}

func (p *codeParser) errorf(format string, args ...any) error {
	return fmt.Errorf("code block offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *codeParser) rest() string {
	r := p.src[p.pos:]
	if len(r) > 12 {
		r = r[:12] + "..."
	}
	return r
}

// skipSpace consumes spaces and tabs but not newlines (newlines separate
// initializer definitions).
func (p *codeParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *codeParser) skipAllSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *codeParser) skipSeparators() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n', ';':
			p.pos++
		default:
			return
		}
	}
}

func (p *codeParser) lit(s string) bool {
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *codeParser) ident() (string, bool) {
	start := p.pos
	r, size := utf8.DecodeRuneInString(p.src[p.pos:])
	if r != '_' && !unicode.IsLetter(r) {
		return "", false
	}
	p.pos += size
	for p.pos < len(p.src) {
		r, size = utf8.DecodeRuneInString(p.src[p.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		p.pos += size
	}
	return p.src[start:p.pos], true
}

func (p *codeParser) parseExpr() (*CodeExpr, error) {
	return p.parseBinary(0)
}

// binaryLevels lists operators by ascending precedence.
var binaryLevels = [][]string{
	{"||"},
	{"&&"},
	{"==", "!="},
	{"<=", ">=", "<", ">"},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *codeParser) parseBinary(level int) (*CodeExpr, error) {
	if level == len(binaryLevels) {
		return p.parseUnary()
	}
	left, err := p.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		matched := ""
		for _, op := range binaryLevels[level] {
			if p.lit(op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return left, nil
		}
		p.skipAllSpace()
		right, err := p.parseBinary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &CodeExpr{Kind: CodeBinary, Str: matched, Args: []*CodeExpr{left, right}}
	}
}

func (p *codeParser) parseUnary() (*CodeExpr, error) {
	p.skipSpace()
	if p.lit("!") {
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &CodeExpr{Kind: CodeUnary, Str: "!", Args: []*CodeExpr{e}}, nil
	}
	if p.pos < len(p.src) && p.src[p.pos] == '-' && p.pos+1 < len(p.src) && !isDigit(p.src[p.pos+1]) {
		p.pos++
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &CodeExpr{Kind: CodeUnary, Str: "-", Args: []*CodeExpr{e}}, nil
	}
	return p.parsePrimary()
}

func (p *codeParser) parsePrimary() (*CodeExpr, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of code block")
	}
	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.skipAllSpace()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipAllSpace()
		if !p.lit(")") {
			return nil, p.errorf("expected ')'")
		}
		return e, nil
	case c == '[':
		p.pos++
		args, err := p.parseArgs(']')
		if err != nil {
			return nil, err
		}
		return &CodeExpr{Kind: CodeList, Args: args}, nil
	case c == '"' || c == '\'':
		return p.parseString(c)
	case isDigit(c) || (c == '-' && p.pos+1 < len(p.src) && isDigit(p.src[p.pos+1])):
		return p.parseNumber()
	}
	name, ok := p.ident()
	if !ok {
		return nil, p.errorf("unexpected %q", p.rest())
	}
	switch name {
	case "true", "false":
		return &CodeExpr{Kind: CodeBool, Bool: name == "true"}, nil
	case "null":
		return &CodeExpr{Kind: CodeNull}, nil
	}
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		p.pos++
		args, err := p.parseArgs(')')
		if err != nil {
			return nil, err
		}
		return &CodeExpr{Kind: CodeCall, Str: name, Args: args}, nil
	}
	return &CodeExpr{Kind: CodeIdent, Str: name}, nil
}

func (p *codeParser) parseArgs(close byte) ([]*CodeExpr, error) {
	var args []*CodeExpr
	p.skipAllSpace()
	if p.pos < len(p.src) && p.src[p.pos] == close {
		p.pos++
		return args, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		p.skipAllSpace()
		if p.pos >= len(p.src) {
			return nil, p.errorf("expected %q", string(close))
		}
		if p.src[p.pos] == close {
			p.pos++
			return args, nil
		}
		if p.src[p.pos] != ',' {
			return nil, p.errorf("expected ',' or %q", string(close))
		}
		p.pos++
		p.skipAllSpace()
	}
}

func (p *codeParser) parseString(quote byte) (*CodeExpr, error) {
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case quote:
			p.pos++
			return &CodeExpr{Kind: CodeString, Str: sb.String()}, nil
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, p.errorf("unterminated escape")
			}
			switch p.src[p.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(p.src[p.pos])
			default:
				return nil, p.errorf("unknown escape \\%c", p.src[p.pos])
			}
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return nil, p.errorf("unterminated string")
}

func (p *codeParser) parseNumber() (*CodeExpr, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if isDigit(c) {
			p.pos++
		} else if c == '.' && !isFloat && p.pos+1 < len(p.src) && isDigit(p.src[p.pos+1]) {
			isFloat = true
			p.pos++
		} else {
			break
		}
	}
	text := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", text)
		}
		return &CodeExpr{Kind: CodeFloat, Float: f}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, p.errorf("bad number %q", text)
	}
	return &CodeExpr{Kind: CodeInt, Int: n}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
