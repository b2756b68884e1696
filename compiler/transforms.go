package compiler

// ---------------------------------------------------------------------------
// Transform passes
// ---------------------------------------------------------------------------
//
// Transform passes rewrite the AST in place after the check stage has
// accepted it. They only ever simplify: the rewritten grammar accepts
// exactly the same inputs and produces exactly the same values.

// removeProxyRules removes rules whose whole body is a single reference to
// another rule, redirecting every reference to the proxy at its target.
// Allowed start rules are kept even when they are proxies, since callers
// address them by name.
func removeProxyRules(g *Grammar, opts *Options) error {
	starts := make(map[string]bool)
	for _, name := range opts.startRules(g) {
		starts[name] = true
	}
	for {
		proxy, target := findProxy(g, starts)
		if proxy == nil {
			return nil
		}
		v := BuildVisitor(map[NodeKind]VisitFunc{
			KindRuleRef: func(v *Visitor, n Node) any {
				ref := n.(*RuleRef)
				if ref.Name == proxy.Name {
					ref.Name = target.Name
					ref.Index = target.Index
				}
				return nil
			},
		})
		v.Visit(g)
		for i, r := range g.Rules {
			if r == proxy {
				g.Rules = append(g.Rules[:i], g.Rules[i+1:]...)
				break
			}
		}
	}
}

func findProxy(g *Grammar, starts map[string]bool) (*Rule, *RuleRef) {
	for _, r := range g.Rules {
		if starts[r.Name] {
			continue
		}
		if ref, ok := r.Expr.(*RuleRef); ok {
			return r, ref
		}
	}
	return nil, nil
}

// inlineTrivialChoices flattens choices nested directly inside choices and
// collapses choices left with a single alternative. Nested choices appear
// after proxy removal and from parenthesized alternatives the parser could
// not collapse.
func inlineTrivialChoices(g *Grammar, opts *Options) error {
	for _, r := range g.Rules {
		r.Expr = flattenChoices(r.Expr)
	}
	return nil
}

func flattenChoices(e Expr) Expr {
	switch n := e.(type) {
	case *Named:
		n.Expr = flattenChoices(n.Expr)
	case *Choice:
		var alts []Expr
		for _, alt := range n.Alternatives {
			alt = flattenChoices(alt)
			if inner, ok := alt.(*Choice); ok {
				alts = append(alts, inner.Alternatives...)
			} else {
				alts = append(alts, alt)
			}
		}
		if len(alts) == 1 {
			return alts[0]
		}
		n.Alternatives = alts
	case *Action:
		n.Expr = flattenChoices(n.Expr)
	case *Sequence:
		for i, elem := range n.Elements {
			n.Elements[i] = flattenChoices(elem)
		}
	case *Labeled:
		n.Expr = flattenChoices(n.Expr)
	case *Prefixed:
		n.Expr = flattenChoices(n.Expr)
	case *Suffixed:
		n.Expr = flattenChoices(n.Expr)
	case *Group:
		// A group only matters for label scoping; around a choice of
		// label-free alternatives it is transparent.
		n.Expr = flattenChoices(n.Expr)
		if inner, ok := n.Expr.(*Choice); ok && !bindsLabels(inner) {
			return inner
		}
		if isAtom(n.Expr) {
			return n.Expr
		}
	}
	return e
}

// bindsLabels reports whether any label is bound in the expression outside
// nested groups.
func bindsLabels(e Expr) bool {
	switch n := e.(type) {
	case *Named:
		return bindsLabels(n.Expr)
	case *Choice:
		for _, alt := range n.Alternatives {
			if bindsLabels(alt) {
				return true
			}
		}
		return false
	case *Action:
		return bindsLabels(n.Expr)
	case *Sequence:
		for _, elem := range n.Elements {
			if bindsLabels(elem) {
				return true
			}
		}
		return false
	case *Labeled:
		return true
	case *Prefixed:
		return bindsLabels(n.Expr)
	case *Suffixed:
		return bindsLabels(n.Expr)
	case *Group:
		return false
	default:
		return false
	}
}

// isAtom reports expressions a group wrapper adds nothing to: single tokens
// and references with no internal structure to scope.
func isAtom(e Expr) bool {
	switch e.(type) {
	case *Literal, *CharClass, *AnyChar, *RuleRef:
		return true
	}
	return false
}

// foldConstants merges runs of adjacent literals with the same case mode
// into one literal wherever the sequence's value is discarded: under a $
// operator, which replaces the value with the consumed text, and under
// lookahead, which discards it entirely.
func foldConstants(g *Grammar, opts *Options) error {
	for _, r := range g.Rules {
		r.Expr = foldIn(r.Expr, false)
	}
	return nil
}

func foldIn(e Expr, valueUnused bool) Expr {
	switch n := e.(type) {
	case *Named:
		n.Expr = foldIn(n.Expr, valueUnused)
	case *Choice:
		for i, alt := range n.Alternatives {
			n.Alternatives[i] = foldIn(alt, valueUnused)
		}
	case *Action:
		n.Expr = foldIn(n.Expr, false)
	case *Sequence:
		for i, elem := range n.Elements {
			n.Elements[i] = foldIn(elem, valueUnused)
		}
		if valueUnused {
			return foldSequence(n)
		}
	case *Labeled:
		n.Expr = foldIn(n.Expr, false)
	case *Prefixed:
		n.Expr = foldIn(n.Expr, true)
	case *Suffixed:
		n.Expr = foldIn(n.Expr, valueUnused)
	case *Group:
		n.Expr = foldIn(n.Expr, valueUnused)
		// Folding can reduce the group's body to a single token, making
		// the wrapper pointless.
		if isAtom(n.Expr) {
			return n.Expr
		}
	}
	return e
}

// foldSequence merges adjacent literal elements. A sequence reduced to one
// literal is replaced by it.
func foldSequence(seq *Sequence) Expr {
	var out []Expr
	for _, elem := range seq.Elements {
		lit, ok := elem.(*Literal)
		if ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(*Literal); ok && prev.IgnoreCase == lit.IgnoreCase {
				prev.Value += lit.Value
				prev.SpanVal.End = lit.SpanVal.End
				continue
			}
		}
		out = append(out, elem)
	}
	if len(out) == 1 {
		return out[0]
	}
	seq.Elements = out
	return seq
}
