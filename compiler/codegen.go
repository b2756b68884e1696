package compiler

import (
	"fmt"
	"strings"

	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// Bytecode generation
// ---------------------------------------------------------------------------
//
// Every expression lowers to a block honoring one contract: the block falls
// through to the next instruction, leaves exactly one value on the stack
// (the match value or the failed sentinel), and on failure has restored the
// input position and label bindings it changed. Composite expressions rely
// on that contract for their children, so lowering is a direct recursive
// walk.
//
// Constant tables are deduplicated in first-use order, which makes
// generation deterministic: compiling the same grammar twice yields
// byte-identical programs.

// generateBytecode is the stock generate pass. It lowers every rule,
// assembles the program, and attaches it to the grammar.
func generateBytecode(g *Grammar, opts *Options) error {
	gen := &generator{
		prog:     &vm.Program{},
		ruleIdx:  make(map[string]int, len(g.Rules)),
		litIdx:   make(map[string]int),
		classIdx: make(map[string]int),
		expIdx:   make(map[string]int),
		planIdx:  make(map[string]int),
		nameIdx:  make(map[string]int),
		codeIdx:  make(map[string]int),
	}
	for i, r := range g.Rules {
		gen.ruleIdx[r.Name] = i
	}

	var err error
	if gen.prog.Init, err = gen.initSpec(g.Init); err != nil {
		return err
	}
	if gen.prog.PerParseInit, err = gen.initSpec(g.PerParseInit); err != nil {
		return err
	}

	gen.prog.Rules = make([]vm.CompiledRule, len(g.Rules))
	for i, r := range g.Rules {
		compiled, err := gen.rule(r)
		if err != nil {
			return err
		}
		compiled.Index = i
		gen.prog.Rules[i] = compiled
		r.Index = i
		r.Bytecode = compiled.Code
	}

	if err := gen.checkLimits(g); err != nil {
		return err
	}

	gen.prog.StartRules = opts.startRules(g)
	gen.prog.Trace = opts.Trace
	g.Program = gen.prog
	return nil
}

// Instruction operands are uint16, which bounds every constant-table index
// and jump target.
const maxOperand = 0xFFFF

// checkLimits rejects grammars whose constant tables outgrow the operand
// range; emitted indexes past it would wrap and address the wrong entry.
func (gen *generator) checkLimits(g *Grammar) error {
	tables := []struct {
		what string
		n    int
	}{
		{"rules", len(gen.prog.Rules)},
		{"literals", len(gen.prog.Literals)},
		{"character classes", len(gen.prog.Classes)},
		{"expectations", len(gen.prog.Expectations)},
		{"sequence plans", len(gen.prog.Plans)},
		{"label names", len(gen.prog.Names)},
		{"code blocks", len(gen.prog.Code)},
	}
	for _, tb := range tables {
		if tb.n > maxOperand+1 {
			return grammarErrorf(g.SpanVal, "grammar is too large to compile: %d %s", tb.n, tb.what)
		}
	}
	return nil
}

type generator struct {
	prog    *vm.Program
	ruleIdx map[string]int

	litIdx   map[string]int
	classIdx map[string]int
	expIdx   map[string]int
	planIdx  map[string]int
	nameIdx  map[string]int
	codeIdx  map[string]int
}

func (gen *generator) rule(r *Rule) (vm.CompiledRule, error) {
	body := r.Expr
	expIdx := -1
	if named, ok := body.(*Named); ok {
		body = named.Expr
		expIdx = gen.expectation(vm.Expectation{Kind: vm.ExpectOther, Description: named.Name})
	}
	b := vm.NewCodeBuilder()
	if _, err := gen.expr(b, body, nil); err != nil {
		return vm.CompiledRule{}, err
	}
	// Jump targets are uint16 byte offsets, so a rule's code cannot grow
	// past the operand range.
	if b.Err() != nil || b.Len() > maxOperand {
		return vm.CompiledRule{}, grammarErrorf(r.SpanVal, "rule %q is too large to compile", r.Name)
	}
	return vm.CompiledRule{Name: r.Name, Code: b.Bytes(), ExpIdx: expIdx}, nil
}

// expr lowers one expression into b. scope is the ordered list of labels
// visible at the block's entry; the returned scope adds the labels the
// expression binds for its siblings.
func (gen *generator) expr(b *vm.CodeBuilder, e Expr, scope []string) ([]string, error) {
	switch n := e.(type) {
	case *Named:
		// Display names on nested expressions behave as plain wrappers.
		return gen.expr(b, n.Expr, scope)

	case *Choice:
		return scope, gen.choice(b, n, scope)

	case *Action:
		return scope, gen.action(b, n, scope)

	case *Sequence:
		return gen.sequence(b, n, scope)

	case *Labeled:
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return nil, err
		}
		if n.Label == "" {
			return scope, nil
		}
		skip := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpBind, uint16(gen.name(n.Label)), 0)
		b.PatchJump(skip)
		return append(scope, n.Label), nil

	case *Prefixed:
		return scope, gen.prefixed(b, n, scope)

	case *Suffixed:
		return scope, gen.suffixed(b, n, scope)

	case *Group:
		b.Emit(vm.OpPushFrame, 0, 0)
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return nil, err
		}
		ok := b.EmitJump(vm.OpJumpIfMatched)
		b.Emit(vm.OpDropFrame, 0, 0)
		end := b.EmitJump(vm.OpJump)
		b.PatchJump(ok)
		b.Emit(vm.OpPopScope, 0, 0)
		b.PatchJump(end)
		return scope, nil

	case *RuleRef:
		idx, ok := gen.ruleIdx[n.Name]
		if !ok {
			return nil, grammarErrorf(n.SpanVal, "rule %q is not defined", n.Name)
		}
		b.Emit(vm.OpCallRule, uint16(idx), 0)
		return scope, nil

	case *Predicate:
		code, err := gen.code(n.Code, scope)
		if err != nil {
			return nil, err
		}
		invert := uint16(0)
		if n.Not {
			invert = 1
		}
		b.Emit(vm.OpCallPredicate, uint16(code), invert)
		return scope, nil

	case *Literal:
		lit := gen.literal(n.Value, n.IgnoreCase)
		exp := gen.expectation(vm.Expectation{
			Kind:       vm.ExpectLiteral,
			Text:       n.Value,
			IgnoreCase: n.IgnoreCase,
		})
		b.Emit(vm.OpMatchLiteral, uint16(lit), uint16(exp))
		return scope, nil

	case *CharClass:
		cls := gen.class(vm.ClassSpec{Parts: n.Parts, Inverted: n.Inverted, IgnoreCase: n.IgnoreCase})
		exp := gen.expectation(vm.Expectation{
			Kind:       vm.ExpectClass,
			Parts:      n.Parts,
			Inverted:   n.Inverted,
			IgnoreCase: n.IgnoreCase,
		})
		b.Emit(vm.OpMatchClass, uint16(cls), uint16(exp))
		return scope, nil

	case *AnyChar:
		exp := gen.expectation(vm.Expectation{Kind: vm.ExpectAny})
		b.Emit(vm.OpMatchAny, uint16(exp), 0)
		return scope, nil

	default:
		return nil, fmt.Errorf("compiler: cannot lower %s node", e.Kind())
	}
}

// choice tries alternatives in order; the first match wins and later
// alternatives are never attempted.
func (gen *generator) choice(b *vm.CodeBuilder, n *Choice, scope []string) error {
	var ends []int
	for i, alt := range n.Alternatives {
		if _, err := gen.expr(b, alt, cloneScope(scope)); err != nil {
			return err
		}
		if i < len(n.Alternatives)-1 {
			ends = append(ends, b.EmitJump(vm.OpJumpIfMatched))
			b.Emit(vm.OpPop, 0, 0)
		}
	}
	for _, at := range ends {
		b.PatchJump(at)
	}
	return nil
}

// sequence matches elements left to right. On element failure the matched
// prefix values are discarded and the position rewinds to the sequence
// start. The returned scope carries the labels the elements bound, so an
// enclosing action sees them.
func (gen *generator) sequence(b *vm.CodeBuilder, n *Sequence, scope []string) ([]string, error) {
	b.Emit(vm.OpPushFrame, 0, 0)
	fails := make([]int, len(n.Elements))
	for i, elem := range n.Elements {
		var err error
		scope, err = gen.expr(b, elem, scope)
		if err != nil {
			return nil, err
		}
		fails[i] = b.EmitJump(vm.OpJumpIfFailed)
	}
	plan := gen.plan(n)
	b.Emit(vm.OpWrapSeq, uint16(plan), uint16(len(n.Elements)))
	end := b.EmitJump(vm.OpJump)
	var ends []int
	for i := range n.Elements {
		b.PatchJump(fails[i])
		b.Emit(vm.OpFailSeq, uint16(i), 0)
		if i < len(n.Elements)-1 {
			ends = append(ends, b.EmitJump(vm.OpJump))
		}
	}
	b.PatchJump(end)
	for _, at := range ends {
		b.PatchJump(at)
	}
	return scope, nil
}

// action evaluates the code block over the expression's labels, replacing
// the match value with the code's result.
func (gen *generator) action(b *vm.CodeBuilder, n *Action, scope []string) error {
	b.Emit(vm.OpPushFrame, 0, 0)
	inner, err := gen.expr(b, n.Expr, cloneScope(scope))
	if err != nil {
		return err
	}
	code, err := gen.code(n.Code, inner)
	if err != nil {
		return err
	}
	do := b.EmitJump(vm.OpJumpIfMatched)
	b.Emit(vm.OpDropFrame, 0, 0)
	end := b.EmitJump(vm.OpJump)
	b.PatchJump(do)
	b.Emit(vm.OpCallAction, uint16(code), 0)
	b.PatchJump(end)
	return nil
}

func (gen *generator) prefixed(b *vm.CodeBuilder, n *Prefixed, scope []string) error {
	switch n.Op {
	case PrefixText:
		b.Emit(vm.OpPushFrame, 0, 0)
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		fail := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpPop, 0, 0)
		b.Emit(vm.OpText, 0, 0)
		end := b.EmitJump(vm.OpJump)
		b.PatchJump(fail)
		b.Emit(vm.OpDropFrame, 0, 0)
		b.PatchJump(end)
		return nil

	case PrefixAnd:
		b.Emit(vm.OpPushFrame, 0, 0)
		b.Emit(vm.OpSilentOn, 0, 0)
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		b.Emit(vm.OpSilentOff, 0, 0)
		fail := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpPop, 0, 0)
		b.Emit(vm.OpRestoreFrame, 0, 0)
		b.Emit(vm.OpPushNull, 0, 0)
		end := b.EmitJump(vm.OpJump)
		b.PatchJump(fail)
		b.Emit(vm.OpDropFrame, 0, 0)
		b.PatchJump(end)
		return nil

	case PrefixNot:
		b.Emit(vm.OpPushFrame, 0, 0)
		b.Emit(vm.OpSilentOn, 0, 0)
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		b.Emit(vm.OpSilentOff, 0, 0)
		ok := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpPop, 0, 0)
		b.Emit(vm.OpRestoreFrame, 0, 0)
		b.Emit(vm.OpFail, 0, 0)
		end := b.EmitJump(vm.OpJump)
		b.PatchJump(ok)
		b.Emit(vm.OpPop, 0, 0)
		b.Emit(vm.OpDropFrame, 0, 0)
		b.Emit(vm.OpPushNull, 0, 0)
		b.PatchJump(end)
		return nil
	}
	return fmt.Errorf("compiler: unknown prefix operator %d", n.Op)
}

func (gen *generator) suffixed(b *vm.CodeBuilder, n *Suffixed, scope []string) error {
	switch n.Op {
	case SuffixOptional:
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		end := b.EmitJump(vm.OpJumpIfMatched)
		b.Emit(vm.OpPop, 0, 0)
		b.Emit(vm.OpPushNull, 0, 0)
		b.PatchJump(end)
		return nil

	case SuffixZeroOrMore:
		b.Emit(vm.OpNewList, 0, 0)
		loop := b.Len()
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		done := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpAppend, 0, 0)
		jump := b.EmitJump(vm.OpJump)
		b.PatchJumpTo(jump, loop)
		b.PatchJump(done)
		b.Emit(vm.OpPop, 0, 0)
		return nil

	case SuffixOneOrMore:
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		end := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpWrapList, 0, 0)
		loop := b.Len()
		if _, err := gen.expr(b, n.Expr, cloneScope(scope)); err != nil {
			return err
		}
		done := b.EmitJump(vm.OpJumpIfFailed)
		b.Emit(vm.OpAppend, 0, 0)
		jump := b.EmitJump(vm.OpJump)
		b.PatchJumpTo(jump, loop)
		b.PatchJump(done)
		b.Emit(vm.OpPop, 0, 0)
		b.PatchJump(end)
		return nil
	}
	return fmt.Errorf("compiler: unknown suffix operator %d", n.Op)
}

// ---------------------------------------------------------------------------
// Constant tables
// ---------------------------------------------------------------------------

func (gen *generator) literal(text string, ignoreCase bool) int {
	key := fmt.Sprintf("%q\x00%t", text, ignoreCase)
	if i, ok := gen.litIdx[key]; ok {
		return i
	}
	i := len(gen.prog.Literals)
	gen.prog.Literals = append(gen.prog.Literals, vm.LiteralSpec{Text: text, IgnoreCase: ignoreCase})
	gen.litIdx[key] = i
	return i
}

func (gen *generator) class(spec vm.ClassSpec) int {
	key := spec.String()
	if i, ok := gen.classIdx[key]; ok {
		return i
	}
	i := len(gen.prog.Classes)
	gen.prog.Classes = append(gen.prog.Classes, spec)
	gen.classIdx[key] = i
	return i
}

func (gen *generator) expectation(exp vm.Expectation) int {
	key := fmt.Sprintf("%d\x00%q\x00%t\x00%t\x00%q\x00%v",
		exp.Kind, exp.Text, exp.IgnoreCase, exp.Inverted, exp.Description, exp.Parts)
	if i, ok := gen.expIdx[key]; ok {
		return i
	}
	i := len(gen.prog.Expectations)
	gen.prog.Expectations = append(gen.prog.Expectations, exp)
	gen.expIdx[key] = i
	return i
}

// plan derives a sequence's value plan from its pick markers.
func (gen *generator) plan(n *Sequence) int {
	var pick []int
	for i, elem := range n.Elements {
		if l, ok := elem.(*Labeled); ok && l.Pick {
			pick = append(pick, i)
		}
	}
	key := fmt.Sprint(pick)
	if i, ok := gen.planIdx[key]; ok {
		return i
	}
	i := len(gen.prog.Plans)
	gen.prog.Plans = append(gen.prog.Plans, vm.SeqPlan{Pick: pick})
	gen.planIdx[key] = i
	return i
}

func (gen *generator) name(s string) int {
	if i, ok := gen.nameIdx[s]; ok {
		return i
	}
	i := len(gen.prog.Names)
	gen.prog.Names = append(gen.prog.Names, s)
	gen.nameIdx[s] = i
	return i
}

// code compiles an action or predicate block, recording the labels in scope
// at its site.
func (gen *generator) code(c *Code, scope []string) (int, error) {
	labels := dedupScope(scope)
	key := c.Src + "\x00" + strings.Join(labels, "\x00")
	if i, ok := gen.codeIdx[key]; ok {
		return i, nil
	}
	expr, err := vm.ParseCode(c.Src)
	if err != nil {
		return 0, grammarErrorf(c.SpanVal, "invalid code block: %v", err)
	}
	i := len(gen.prog.Code)
	gen.prog.Code = append(gen.prog.Code, vm.CodeSpec{Src: c.Src, Expr: expr, Labels: labels})
	gen.codeIdx[key] = i
	return i, nil
}

// initSpec compiles an initializer block into its definition list.
func (gen *generator) initSpec(c *Code) (*vm.CodeSpec, error) {
	if c == nil {
		return nil, nil
	}
	defs, err := vm.ParseDefs(c.Src)
	if err != nil {
		return nil, grammarErrorf(c.SpanVal, "invalid initializer: %v", err)
	}
	return &vm.CodeSpec{Src: c.Src, Defs: defs}, nil
}

func cloneScope(scope []string) []string {
	return append([]string(nil), scope...)
}

func dedupScope(scope []string) []string {
	seen := make(map[string]bool, len(scope))
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
