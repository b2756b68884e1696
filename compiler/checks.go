package compiler

import (
	"fmt"
	"strings"

	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// Check passes
// ---------------------------------------------------------------------------
//
// Check passes never mutate expression structure; they only annotate
// (RuleRef.Index) and report. Each pass collects everything it can find and
// returns the collected errors joined, so the stage surfaces as many
// problems per compile as possible.

// reportUndefinedRules resolves every rule reference to its rule index and
// reports references to rules that do not exist.
func reportUndefinedRules(g *Grammar, opts *Options) error {
	if len(g.Rules) == 0 {
		return grammarErrorf(g.SpanVal, "grammar has no rules")
	}
	index := make(map[string]int, len(g.Rules))
	for i, r := range g.Rules {
		if _, ok := index[r.Name]; !ok {
			index[r.Name] = i
		}
	}
	var errs []error
	v := BuildVisitor(map[NodeKind]VisitFunc{
		KindRuleRef: func(v *Visitor, n Node) any {
			ref := n.(*RuleRef)
			i, ok := index[ref.Name]
			if !ok {
				errs = append(errs, grammarErrorf(ref.SpanVal, "rule %q is not defined", ref.Name))
				return nil
			}
			ref.Index = i
			return nil
		},
	})
	v.Visit(g)
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// reportDuplicateRules reports rules defined more than once, pointing back
// at the first definition.
func reportDuplicateRules(g *Grammar, opts *Options) error {
	first := make(map[string]*Rule, len(g.Rules))
	var errs []error
	for _, r := range g.Rules {
		if prev, ok := first[r.Name]; ok {
			e := grammarErrorf(r.NameSpan, "rule %q is already defined", r.Name)
			e.Notes = []Diagnostic{{
				Message:  "first defined here",
				Location: prev.NameSpan,
			}}
			errs = append(errs, e)
			continue
		}
		first[r.Name] = r
	}
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// labelEnv tracks which labels are bound in the current scope, by span of
// their binding site.
type labelEnv map[string]vm.LocationRange

func (env labelEnv) clone() labelEnv {
	out := make(labelEnv, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// reportDuplicateLabels reports a label bound twice in the same scope,
// pointing back at the first binding. Choice alternatives, groups, prefix
// and suffix operators, and actions each check against a copy of the
// enclosing scope, so bindings inside them never leak back out.
func reportDuplicateLabels(g *Grammar, opts *Options) error {
	var errs []error
	var scan func(e Expr, env labelEnv)
	scan = func(e Expr, env labelEnv) {
		switch n := e.(type) {
		case *Named:
			scan(n.Expr, env)
		case *Choice:
			for _, alt := range n.Alternatives {
				scan(alt, env.clone())
			}
		case *Action:
			scan(n.Expr, env.clone())
		case *Sequence:
			for _, elem := range n.Elements {
				scan(elem, env)
			}
		case *Labeled:
			if n.Label != "" {
				if prev, ok := env[n.Label]; ok {
					e := grammarErrorf(n.LabelSpan, "label %q is already defined", n.Label)
					e.Notes = []Diagnostic{{
						Message:  "first defined here",
						Location: prev,
					}}
					errs = append(errs, e)
				} else {
					env[n.Label] = n.LabelSpan
				}
			}
			scan(n.Expr, env.clone())
		case *Prefixed:
			scan(n.Expr, env.clone())
		case *Suffixed:
			scan(n.Expr, env.clone())
		case *Group:
			scan(n.Expr, env.clone())
		}
	}
	for _, r := range g.Rules {
		scan(r.Expr, labelEnv{})
	}
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// reportUndefinedLabels parses every code block and reports identifiers
// that no visible label and no initializer binding can supply. Label
// visibility follows runtime scoping: an action sees the labels bound
// inside its own expression plus those of enclosing sequences within the
// rule; a predicate sees the labels bound before it; labels bound inside a
// group, lookahead, or repetition are invisible outside it.
func reportUndefinedLabels(g *Grammar, opts *Options) error {
	var errs []error

	globals := make(map[string]bool)
	collectDefs := func(code *Code) {
		if code == nil {
			return
		}
		defs, err := vm.ParseDefs(code.Src)
		if err != nil {
			errs = append(errs, grammarErrorf(code.SpanVal, "invalid initializer: %v", err))
			return
		}
		for _, d := range defs {
			globals[d.Name] = true
		}
	}
	collectDefs(g.Init)
	collectDefs(g.PerParseInit)

	checkCode := func(code *Code, env labelEnv) {
		expr, err := vm.ParseCode(code.Src)
		if err != nil {
			errs = append(errs, grammarErrorf(code.SpanVal, "invalid code block: %v", err))
			return
		}
		for _, name := range expr.Idents(nil) {
			if _, ok := env[name]; ok {
				continue
			}
			if globals[name] {
				continue
			}
			errs = append(errs, grammarErrorf(code.SpanVal, "label %q is not defined", name))
		}
	}

	var scan func(e Expr, env labelEnv)
	scan = func(e Expr, env labelEnv) {
		switch n := e.(type) {
		case *Named:
			scan(n.Expr, env)
		case *Choice:
			for _, alt := range n.Alternatives {
				scan(alt, env.clone())
			}
		case *Action:
			inner := env.clone()
			scan(n.Expr, inner)
			checkCode(n.Code, inner)
		case *Sequence:
			for _, elem := range n.Elements {
				scan(elem, env)
			}
		case *Labeled:
			scan(n.Expr, env.clone())
			if n.Label != "" {
				env[n.Label] = n.LabelSpan
			}
		case *Prefixed:
			scan(n.Expr, env.clone())
		case *Suffixed:
			scan(n.Expr, env.clone())
		case *Group:
			scan(n.Expr, env.clone())
		case *Predicate:
			checkCode(n.Code, env)
		}
	}
	for _, r := range g.Rules {
		scan(r.Expr, labelEnv{})
	}
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// alwaysConsumes computes, per rule, whether a successful match is
// guaranteed to consume input. The fixed point starts pessimistic, so rules
// in unresolved cycles stay "may not consume" and get flagged by the
// recursion check.
func alwaysConsumes(g *Grammar) map[string]bool {
	consumes := make(map[string]bool, len(g.Rules))
	var eval func(e Expr) bool
	eval = func(e Expr) bool {
		switch n := e.(type) {
		case *Named:
			return eval(n.Expr)
		case *Choice:
			for _, alt := range n.Alternatives {
				if !eval(alt) {
					return false
				}
			}
			return true
		case *Action:
			return eval(n.Expr)
		case *Sequence:
			for _, elem := range n.Elements {
				if eval(elem) {
					return true
				}
			}
			return false
		case *Labeled:
			return eval(n.Expr)
		case *Prefixed:
			if n.Op == PrefixText {
				return eval(n.Expr)
			}
			return false // lookahead never consumes
		case *Suffixed:
			if n.Op == SuffixOneOrMore {
				return eval(n.Expr)
			}
			return false
		case *Group:
			return eval(n.Expr)
		case *RuleRef:
			return consumes[n.Name]
		case *Literal:
			return len(n.Value) > 0
		case *CharClass, *AnyChar:
			return true
		default:
			return false
		}
	}
	for changed := true; changed; {
		changed = false
		for _, r := range g.Rules {
			if !consumes[r.Name] && eval(r.Expr) {
				consumes[r.Name] = true
				changed = true
			}
		}
	}
	return consumes
}

// reportInfiniteRecursion reports rules that can invoke themselves without
// consuming any input first, naming the call chain.
func reportInfiniteRecursion(g *Grammar, opts *Options) error {
	consumes := alwaysConsumes(g)
	var errs []error
	inStack := make(map[string]bool)
	done := make(map[string]bool)
	var chain []string

	var walkRule func(r *Rule)
	var walk func(e Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *Named:
			walk(n.Expr)
		case *Choice:
			for _, alt := range n.Alternatives {
				walk(alt)
			}
		case *Action:
			walk(n.Expr)
		case *Sequence:
			// Only references reachable before input is consumed matter.
			for _, elem := range n.Elements {
				walk(elem)
				if exprAlwaysConsumes(elem, consumes) {
					return
				}
			}
		case *Labeled:
			walk(n.Expr)
		case *Prefixed:
			walk(n.Expr)
		case *Suffixed:
			walk(n.Expr)
		case *Group:
			walk(n.Expr)
		case *RuleRef:
			if inStack[n.Name] {
				cycle := append(chainFrom(chain, n.Name), n.Name)
				errs = append(errs, grammarErrorf(n.SpanVal,
					"possible infinite loop when parsing (left recursion: %s)",
					strings.Join(cycle, " -> ")))
				return
			}
			if target := g.Rule(n.Name); target != nil {
				walkRule(target)
			}
		}
	}
	walkRule = func(r *Rule) {
		if done[r.Name] || inStack[r.Name] {
			return
		}
		inStack[r.Name] = true
		chain = append(chain, r.Name)
		walk(r.Expr)
		chain = chain[:len(chain)-1]
		inStack[r.Name] = false
		done[r.Name] = true
	}
	for _, r := range g.Rules {
		walkRule(r)
	}
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// exprAlwaysConsumes evaluates alwaysConsumes for one expression against a
// precomputed per-rule table.
func exprAlwaysConsumes(e Expr, consumes map[string]bool) bool {
	switch n := e.(type) {
	case *Named:
		return exprAlwaysConsumes(n.Expr, consumes)
	case *Choice:
		for _, alt := range n.Alternatives {
			if !exprAlwaysConsumes(alt, consumes) {
				return false
			}
		}
		return true
	case *Action:
		return exprAlwaysConsumes(n.Expr, consumes)
	case *Sequence:
		for _, elem := range n.Elements {
			if exprAlwaysConsumes(elem, consumes) {
				return true
			}
		}
		return false
	case *Labeled:
		return exprAlwaysConsumes(n.Expr, consumes)
	case *Prefixed:
		if n.Op == PrefixText {
			return exprAlwaysConsumes(n.Expr, consumes)
		}
		return false
	case *Suffixed:
		if n.Op == SuffixOneOrMore {
			return exprAlwaysConsumes(n.Expr, consumes)
		}
		return false
	case *Group:
		return exprAlwaysConsumes(n.Expr, consumes)
	case *RuleRef:
		return consumes[n.Name]
	case *Literal:
		return len(n.Value) > 0
	case *CharClass, *AnyChar:
		return true
	default:
		return false
	}
}

func chainFrom(chain []string, name string) []string {
	for i, n := range chain {
		if n == name {
			return append([]string(nil), chain[i:]...)
		}
	}
	return append([]string(nil), chain...)
}

// reportInfiniteRepetition reports * and + applied to expressions that can
// succeed without consuming input, which would loop forever at runtime.
func reportInfiniteRepetition(g *Grammar, opts *Options) error {
	consumes := alwaysConsumes(g)
	var errs []error
	v := BuildVisitor(map[NodeKind]VisitFunc{
		KindSuffixed: func(v *Visitor, n Node) any {
			s := n.(*Suffixed)
			if s.Op != SuffixOptional && !exprAlwaysConsumes(s.Expr, consumes) {
				errs = append(errs, grammarErrorf(s.SpanVal,
					"possible infinite loop when parsing (repetition used with an expression that may not consume any input)"))
			}
			return v.Visit(s.Expr)
		},
	})
	v.Visit(g)
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	return nil
}

// reportUnreachableRules warns about rules that no allowed start rule can
// reach. Unreachable rules are compiled anyway; the warning exists because
// they are usually leftovers.
func reportUnreachableRules(g *Grammar, opts *Options) error {
	if opts.Warn == nil || len(g.Rules) == 0 {
		return nil
	}
	reached := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if reached[name] {
			return
		}
		reached[name] = true
		r := g.Rule(name)
		if r == nil {
			return
		}
		v := BuildVisitor(map[NodeKind]VisitFunc{
			KindRuleRef: func(v *Visitor, n Node) any {
				visit(n.(*RuleRef).Name)
				return nil
			},
		})
		v.Visit(r)
	}
	for _, name := range opts.startRules(g) {
		visit(name)
	}
	for _, r := range g.Rules {
		if !reached[r.Name] {
			opts.Warn(Diagnostic{
				Message:  fmt.Sprintf("rule %q is never used", r.Name),
				Location: r.NameSpan,
			})
		}
	}
	return nil
}
