package vm

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseCodeLiterals(t *testing.T) {
	tests := []struct {
		src  string
		kind CodeKind
	}{
		{`"hello"`, CodeString},
		{`'hello'`, CodeString},
		{`42`, CodeInt},
		{`3.25`, CodeFloat},
		{`true`, CodeBool},
		{`false`, CodeBool},
		{`null`, CodeNull},
		{`name`, CodeIdent},
		{`[1, 2]`, CodeList},
		{`f(1)`, CodeCall},
		{`!x`, CodeUnary},
		{`1 + 2`, CodeBinary},
	}
	for _, tt := range tests {
		e, err := ParseCode(tt.src)
		if err != nil {
			t.Errorf("ParseCode(%q) failed: %v", tt.src, err)
			continue
		}
		if e.Kind != tt.kind {
			t.Errorf("ParseCode(%q) kind = %d, want %d", tt.src, e.Kind, tt.kind)
		}
	}
}

func TestParseCodeStringEscapes(t *testing.T) {
	e, err := ParseCode(`"a\n\t\"b\""`)
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if e.Str != "a\n\t\"b\"" {
		t.Errorf("string value = %q, want %q", e.Str, "a\n\t\"b\"")
	}
}

func TestParseCodePrecedence(t *testing.T) {
	// 1 + 2 * 3 must parse as 1 + (2 * 3).
	e, err := ParseCode("1 + 2 * 3")
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if e.Kind != CodeBinary || e.Str != "+" {
		t.Fatalf("root = %v %q, want binary +", e.Kind, e.Str)
	}
	right := e.Args[1]
	if right.Kind != CodeBinary || right.Str != "*" {
		t.Errorf("right = %v %q, want binary *", right.Kind, right.Str)
	}

	// a || b && c must parse as a || (b && c).
	e, err = ParseCode("a || b && c")
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if e.Str != "||" {
		t.Errorf("root operator = %q, want ||", e.Str)
	}
	if e.Args[1].Str != "&&" {
		t.Errorf("right operator = %q, want &&", e.Args[1].Str)
	}
}

func TestParseCodeComparisons(t *testing.T) {
	for _, op := range []string{"==", "!=", "<", "<=", ">", ">="} {
		e, err := ParseCode("a " + op + " b")
		if err != nil {
			t.Errorf("ParseCode(a %s b) failed: %v", op, err)
			continue
		}
		if e.Kind != CodeBinary || e.Str != op {
			t.Errorf("ParseCode(a %s b) = %v %q", op, e.Kind, e.Str)
		}
	}
}

func TestParseCodeCallArgs(t *testing.T) {
	e, err := ParseCode(`join(parts, ", ")`)
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if e.Kind != CodeCall || e.Str != "join" {
		t.Fatalf("root = %v %q, want call join", e.Kind, e.Str)
	}
	if len(e.Args) != 2 {
		t.Fatalf("args = %d, want 2", len(e.Args))
	}
	if e.Args[0].Kind != CodeIdent || e.Args[0].Str != "parts" {
		t.Errorf("arg 0 = %v %q, want ident parts", e.Args[0].Kind, e.Args[0].Str)
	}
}

func TestParseCodeErrors(t *testing.T) {
	for _, src := range []string{"", "1 +", "(1", "[1", `"unterminated`, "f(", "1 2"} {
		if _, err := ParseCode(src); err == nil {
			t.Errorf("ParseCode(%q) succeeded, want error", src)
		}
	}
}

func TestParseDefs(t *testing.T) {
	defs, err := ParseDefs("base = 10\nlimit = base + 5; tag = \"v\"")
	if err != nil {
		t.Fatalf("ParseDefs failed: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("defs = %d, want 3", len(defs))
	}
	names := []string{defs[0].Name, defs[1].Name, defs[2].Name}
	want := []string{"base", "limit", "tag"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("def names = %v, want %v", names, want)
	}
}

func TestParseDefsEmpty(t *testing.T) {
	defs, err := ParseDefs("   \n  \n")
	if err != nil {
		t.Fatalf("ParseDefs failed: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("defs = %d, want 0", len(defs))
	}
}

func TestParseDefsErrors(t *testing.T) {
	for _, src := range []string{"= 1", "x 1", "x = "} {
		if _, err := ParseDefs(src); err == nil {
			t.Errorf("ParseDefs(%q) succeeded, want error", src)
		}
	}
}

func TestIdents(t *testing.T) {
	e, err := ParseCode("a + f(b, [c, 1]) && !d")
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	got := e.Idents(nil)
	// f is a call target, not a label reference.
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Idents = %v, want %v", got, want)
	}
	if strings.Contains(strings.Join(got, " "), "f") {
		t.Error("call target f reported as identifier")
	}
}
