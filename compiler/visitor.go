package compiler

// ---------------------------------------------------------------------------
// Visitor: generic double dispatch over AST node kinds
// ---------------------------------------------------------------------------
//
// Every pass traverses the AST through a Visitor rather than hand-rolling
// recursion. BuildVisitor fills any kind without a supplied handler with a
// default: leaves are no-ops, single-child wrappers forward the child's
// result, and multi-child kinds visit all children and return nil. Pass
// state travels in the handler closures.

// VisitFunc handles one node kind. Handlers recurse by calling v.Visit.
type VisitFunc func(v *Visitor, n Node) any

// Visitor dispatches on node kind tags.
type Visitor struct {
	handlers [numKinds]VisitFunc
}

// BuildVisitor creates a visitor from per-kind handlers, using default
// traversal for every kind not present in handlers.
func BuildVisitor(handlers map[NodeKind]VisitFunc) *Visitor {
	v := &Visitor{}
	for k := NodeKind(0); k < numKinds; k++ {
		if h, ok := handlers[k]; ok {
			v.handlers[k] = h
		} else {
			v.handlers[k] = defaultHandler(k)
		}
	}
	return v
}

// Visit dispatches n to the handler for its kind.
func (v *Visitor) Visit(n Node) any {
	return v.handlers[n.Kind()](v, n)
}

func defaultHandler(k NodeKind) VisitFunc {
	switch k {
	case KindGrammar:
		return func(v *Visitor, n Node) any {
			g := n.(*Grammar)
			if g.Init != nil {
				v.Visit(g.Init)
			}
			if g.PerParseInit != nil {
				v.Visit(g.PerParseInit)
			}
			for _, r := range g.Rules {
				v.Visit(r)
			}
			return nil
		}
	case KindRule:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Rule).Expr)
		}
	case KindNamed:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Named).Expr)
		}
	case KindChoice:
		return func(v *Visitor, n Node) any {
			for _, alt := range n.(*Choice).Alternatives {
				v.Visit(alt)
			}
			return nil
		}
	case KindAction:
		return func(v *Visitor, n Node) any {
			a := n.(*Action)
			v.Visit(a.Code)
			return v.Visit(a.Expr)
		}
	case KindSequence:
		return func(v *Visitor, n Node) any {
			for _, e := range n.(*Sequence).Elements {
				v.Visit(e)
			}
			return nil
		}
	case KindLabeled:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Labeled).Expr)
		}
	case KindPrefixed:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Prefixed).Expr)
		}
	case KindSuffixed:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Suffixed).Expr)
		}
	case KindGroup:
		return func(v *Visitor, n Node) any {
			return v.Visit(n.(*Group).Expr)
		}
	default:
		// RuleRef, Predicate, Literal, CharClass, AnyChar, Code: leaves.
		return func(v *Visitor, n Node) any {
			return nil
		}
	}
}
