package compiler

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pegma/pegma/vm"
)

func compileGrammar(t *testing.T, text string, opts *Options) *vm.Program {
	t.Helper()
	prog, err := CompileText(text, opts)
	if err != nil {
		t.Fatalf("CompileText failed: %v", err)
	}
	return prog
}

func disasmRule(t *testing.T, prog *vm.Program, name string) string {
	t.Helper()
	for _, r := range prog.Rules {
		if r.Name == name {
			return vm.Disassemble(r.Code, prog)
		}
	}
	t.Fatalf("rule %q not in program", name)
	return ""
}

func TestGenerateLiteralRule(t *testing.T) {
	prog := compileGrammar(t, `start = "hi"`, nil)
	if len(prog.Rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(prog.Rules))
	}
	r := prog.Rules[0]
	if r.Name != "start" || r.Index != 0 {
		t.Errorf("rule = %q index %d, want start index 0", r.Name, r.Index)
	}
	if len(r.Code) != vm.InstrSize {
		t.Errorf("code = %d bytes, want one instruction", len(r.Code))
	}
	if vm.Opcode(r.Code[0]) != vm.OpMatchLiteral {
		t.Errorf("opcode = %v, want MATCH_LITERAL", vm.Opcode(r.Code[0]))
	}
	if len(prog.Literals) != 1 || prog.Literals[0].Text != "hi" {
		t.Errorf("literals = %+v", prog.Literals)
	}
	if prog.StartRules[0] != "start" {
		t.Errorf("start rules = %v", prog.StartRules)
	}
}

func TestGenerateNamedRuleExpectation(t *testing.T) {
	prog := compileGrammar(t, `num "number" = [0-9]+`, nil)
	r := prog.Rules[0]
	if r.ExpIdx < 0 {
		t.Fatal("ExpIdx unset for named rule")
	}
	exp := prog.Expectations[r.ExpIdx]
	if exp.Kind != vm.ExpectOther || exp.Description != "number" {
		t.Errorf("expectation = %+v, want number", exp)
	}
}

func TestGenerateUnnamedRuleExpectation(t *testing.T) {
	prog := compileGrammar(t, `start = "a"`, nil)
	if got := prog.Rules[0].ExpIdx; got != -1 {
		t.Errorf("ExpIdx = %d, want -1", got)
	}
}

func TestConstantTableDedup(t *testing.T) {
	prog := compileGrammar(t, `start = "a" "a" "b" [0-9] [0-9] other
other = "a" x:"b" y:"b" { [x, y] }`, nil)
	if len(prog.Literals) != 2 {
		t.Errorf("literals = %+v, want a and b only", prog.Literals)
	}
	if len(prog.Classes) != 1 {
		t.Errorf("classes = %+v, want one", prog.Classes)
	}
	// "a" case-sensitive and case-insensitive are distinct constants.
	prog = compileGrammar(t, `start = "a" "a"i`, nil)
	if len(prog.Literals) != 2 {
		t.Errorf("literals = %+v, want distinct case modes", prog.Literals)
	}
}

func TestNameTableDedup(t *testing.T) {
	prog := compileGrammar(t, `start = a
a = x:"1" { x } / x:"2" { x }`, nil)
	count := 0
	for _, n := range prog.Names {
		if n == "x" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("name x appears %d times, want 1", count)
	}
}

func TestPlanFromPicks(t *testing.T) {
	prog := compileGrammar(t, `start = "(" @"a" ")"`, nil)
	if len(prog.Plans) != 1 {
		t.Fatalf("plans = %+v, want 1", prog.Plans)
	}
	pick := prog.Plans[0].Pick
	if len(pick) != 1 || pick[0] != 1 {
		t.Errorf("pick = %v, want [1]", pick)
	}
}

func TestCodeSpecLabels(t *testing.T) {
	prog := compileGrammar(t, `start = a:"1" b:"2" { [a, b] }`, nil)
	if len(prog.Code) != 1 {
		t.Fatalf("code specs = %d, want 1", len(prog.Code))
	}
	spec := prog.Code[0]
	if len(spec.Labels) != 2 || spec.Labels[0] != "a" || spec.Labels[1] != "b" {
		t.Errorf("labels = %v, want [a b]", spec.Labels)
	}
	if spec.Expr == nil {
		t.Error("code expression not parsed")
	}
}

func TestGenerateInitializers(t *testing.T) {
	prog := compileGrammar(t, `{{ base = 16 }}
{ depth = 0 }
start = d:[0-9a-f] { int(d) }`, nil)
	if prog.Init == nil || len(prog.Init.Defs) != 1 || prog.Init.Defs[0].Name != "base" {
		t.Errorf("Init = %+v", prog.Init)
	}
	if prog.PerParseInit == nil || prog.PerParseInit.Defs[0].Name != "depth" {
		t.Errorf("PerParseInit = %+v", prog.PerParseInit)
	}
}

func TestChoiceLowering(t *testing.T) {
	asm := disasmRule(t, compileGrammar(t, `start = "a" / "b"`, nil), "start")
	for _, want := range []string{"MATCH_LITERAL", "JUMP_IF_MATCHED", "POP"} {
		if !strings.Contains(asm, want) {
			t.Errorf("disassembly missing %s:\n%s", want, asm)
		}
	}
}

func TestSequenceLowering(t *testing.T) {
	asm := disasmRule(t, compileGrammar(t, `start = "a" "b"`, nil), "start")
	for _, want := range []string{"PUSH_FRAME", "WRAP_SEQ", "FAIL_SEQ"} {
		if !strings.Contains(asm, want) {
			t.Errorf("disassembly missing %s:\n%s", want, asm)
		}
	}
}

func TestLookaheadLowering(t *testing.T) {
	asm := disasmRule(t, compileGrammar(t, `start = !"a" .`, nil), "start")
	for _, want := range []string{"SILENT_ON", "SILENT_OFF", "RESTORE_FRAME", "FAIL"} {
		if !strings.Contains(asm, want) {
			t.Errorf("disassembly missing %s:\n%s", want, asm)
		}
	}
}

func TestRepetitionLowering(t *testing.T) {
	asm := disasmRule(t, compileGrammar(t, `start = "a"*`, nil), "start")
	for _, want := range []string{"NEW_LIST", "APPEND", "JUMP_IF_FAILED"} {
		if !strings.Contains(asm, want) {
			t.Errorf("disassembly missing %s:\n%s", want, asm)
		}
	}
}

func TestRuleRefLowering(t *testing.T) {
	prog := compileGrammar(t, `start = inner
inner = "x" "y"`, nil)
	asm := disasmRule(t, prog, "start")
	if !strings.Contains(asm, "CALL_RULE") {
		t.Errorf("disassembly missing CALL_RULE:\n%s", asm)
	}
}

func TestGroupLowering(t *testing.T) {
	asm := disasmRule(t, compileGrammar(t, `start = (x:"a") "c"`, nil), "start")
	if !strings.Contains(asm, "POP_SCOPE") {
		t.Errorf("disassembly missing POP_SCOPE:\n%s", asm)
	}
}

func TestRecompilationIsByteIdentical(t *testing.T) {
	src := `{{ base = 10 }}
expr "expression" = l:term _ "+" _ r:expr { l + r } / term
term = "(" _ @expr _ ")" / num
num = ds:$[0-9]+ { int(ds) }
_ = [ \t]*`
	opts := &Options{AllowedStartRules: []string{"expr"}}
	first, err := CompileText(src, opts)
	if err != nil {
		t.Fatalf("first compile failed: %v", err)
	}
	second, err := CompileText(src, opts)
	if err != nil {
		t.Fatalf("second compile failed: %v", err)
	}
	a, err := vm.MarshalProgram(first)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	b, err := vm.MarshalProgram(second)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("recompiling the same grammar produced different bytes")
	}
}

func TestRuleAnnotations(t *testing.T) {
	g := parse(t, `start = other
other = "x" "y"`)
	prog, err := Compile(g, nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for i, r := range g.Rules {
		if r.Index != i {
			t.Errorf("rule %q Index = %d, want %d", r.Name, r.Index, i)
		}
		if !bytes.Equal(r.Bytecode, prog.Rules[i].Code) {
			t.Errorf("rule %q Bytecode does not match program", r.Name)
		}
	}
	if g.Program != prog {
		t.Error("program not attached to grammar")
	}
}

func TestOversizedRuleRejected(t *testing.T) {
	// Enough distinct alternatives to push the rule's code past the uint16
	// jump-target range.
	var sb strings.Builder
	sb.WriteString("start =")
	for i := 0; i < 4500; i++ {
		if i > 0 {
			sb.WriteString(" /")
		}
		fmt.Fprintf(&sb, " \"a%d\"", i)
	}
	err := compileErr(t, sb.String(), nil)
	gerr := asGrammarError(t, err)
	if !strings.Contains(gerr.Error(), "too large") {
		t.Errorf("error = %q, want too-large diagnostic", gerr)
	}
}

func TestConstantTableLimit(t *testing.T) {
	gen := &generator{prog: &vm.Program{}}
	gen.prog.Literals = make([]vm.LiteralSpec, maxOperand+2)
	err := gen.checkLimits(&Grammar{})
	if err == nil {
		t.Fatal("checkLimits accepted an overfull literal table")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %q, want too-large diagnostic", err)
	}

	gen.prog.Literals = gen.prog.Literals[:maxOperand+1]
	if err := gen.checkLimits(&Grammar{}); err != nil {
		t.Errorf("checkLimits rejected a full but in-range table: %v", err)
	}
}
