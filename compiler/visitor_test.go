package compiler

import (
	"testing"
)

func TestVisitorDefaultTraversal(t *testing.T) {
	g := parse(t, `start = a:"x" ([0-9] / .)* other { a }
other = !"end" $"y"+`)
	counts := make(map[NodeKind]int)
	var v *Visitor
	handlers := make(map[NodeKind]VisitFunc)
	for k := NodeKind(0); k < numKinds; k++ {
		kind := k
		handlers[kind] = func(v *Visitor, n Node) any {
			counts[kind]++
			return defaultHandler(kind)(v, n)
		}
	}
	v = BuildVisitor(handlers)
	v.Visit(g)

	want := map[NodeKind]int{
		KindGrammar:   1,
		KindRule:      2,
		KindChoice:    1,
		KindAction:    1,
		KindSequence:  2,
		KindLabeled:   1,
		KindPrefixed:  2,
		KindSuffixed:  2,
		KindGroup:     1,
		KindRuleRef:   1,
		KindLiteral:   3,
		KindCharClass: 1,
		KindAnyChar:   1,
		KindCode:      1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%s visited %d times, want %d", k, counts[k], n)
		}
	}
}

func TestVisitorCustomHandlerStopsDescent(t *testing.T) {
	g := parse(t, `start = &("a" "b") "c"`)
	literals := 0
	v := BuildVisitor(map[NodeKind]VisitFunc{
		KindPrefixed: func(v *Visitor, n Node) any {
			// Do not descend into lookahead.
			return nil
		},
		KindLiteral: func(v *Visitor, n Node) any {
			literals++
			return nil
		},
	})
	v.Visit(g)
	if literals != 1 {
		t.Errorf("literals reached = %d, want only the one outside lookahead", literals)
	}
}

func TestVisitorReturnValueForwarding(t *testing.T) {
	g := parse(t, `start = wrapped:"x"`)
	v := BuildVisitor(map[NodeKind]VisitFunc{
		KindLiteral: func(v *Visitor, n Node) any {
			return n.(*Literal).Value
		},
	})
	// Rule and Labeled wrappers forward the child's result.
	got := v.Visit(g.Rules[0])
	if got != "x" {
		t.Errorf("Visit = %v, want x", got)
	}
}

func TestNodeKindNames(t *testing.T) {
	if got := KindCharClass.String(); got != "char_class" {
		t.Errorf("KindCharClass = %q, want char_class", got)
	}
	if got := NodeKind(200).String(); got != "unknown" {
		t.Errorf("NodeKind(200) = %q, want unknown", got)
	}
}
