package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single matcher instruction.
type Opcode byte

// Every instruction is exactly InstrSize bytes: one opcode byte followed by
// two big-endian uint16 operands. Opcodes that take fewer operands leave the
// unused slots zero. Uniform width keeps jump targets plain byte offsets.
const InstrSize = 5

// Stack operations
const (
	OpNop      Opcode = 0x00 // no operation
	OpPop      Opcode = 0x01 // discard top of value stack
	OpPushNull Opcode = 0x02 // push the null sentinel (lookahead/optional result)
	OpFail     Opcode = 0x03 // push the failed sentinel without recording an expectation
)

// Matching
const (
	OpMatchLiteral Opcode = 0x10 // A=literal index, B=expectation index
	OpMatchClass   Opcode = 0x11 // A=class index, B=expectation index
	OpMatchAny     Opcode = 0x12 // A=expectation index
)

// Backtrack frames
const (
	OpPushFrame    Opcode = 0x20 // save (position, binding depth)
	OpDropFrame    Opcode = 0x21 // pop saved frame, keep current position
	OpRestoreFrame Opcode = 0x22 // pop saved frame, rewind position and bindings
	OpPopScope     Opcode = 0x23 // pop saved frame, discard its label bindings, keep position
	OpText         Opcode = 0x24 // pop saved frame, push input consumed since it was saved
)

// Control flow; operand A is an absolute byte offset into the rule's code.
const (
	OpJump          Opcode = 0x30 // unconditional jump
	OpJumpIfFailed  Opcode = 0x31 // jump if top of value stack is the failed sentinel
	OpJumpIfMatched Opcode = 0x32 // jump if top of value stack is not the failed sentinel
)

// Collections
const (
	OpNewList  Opcode = 0x40 // push an empty repetition list
	OpAppend   Opcode = 0x41 // pop value, append it to the list now on top
	OpWrapList Opcode = 0x42 // pop value, push a one-element list holding it
	OpWrapSeq  Opcode = 0x43 // A=plan index, B=element count; combine sequence results
	OpFailSeq  Opcode = 0x44 // A=count of matched elements to discard; rewind and push failed
)

// Labels
const (
	OpBind Opcode = 0x50 // A=name index; bind top of value stack in the current scope
)

// Calls
const (
	OpCallRule      Opcode = 0x60 // A=rule index
	OpCallAction    Opcode = 0x61 // A=code index; pops value and frame, pushes action result
	OpCallPredicate Opcode = 0x62 // A=code index, B=1 to invert
)

// Failure reporting
const (
	OpSilentOn  Opcode = 0x70 // suppress expectation recording (inside lookahead)
	OpSilentOff Opcode = 0x71 // re-enable expectation recording
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // human-readable name
	Operands int    // number of meaningful operands (0-2)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:      {"NOP", 0},
	OpPop:      {"POP", 0},
	OpPushNull: {"PUSH_NULL", 0},
	OpFail:     {"FAIL", 0},

	OpMatchLiteral: {"MATCH_LITERAL", 2},
	OpMatchClass:   {"MATCH_CLASS", 2},
	OpMatchAny:     {"MATCH_ANY", 1},

	OpPushFrame:    {"PUSH_FRAME", 0},
	OpDropFrame:    {"DROP_FRAME", 0},
	OpRestoreFrame: {"RESTORE_FRAME", 0},
	OpPopScope:     {"POP_SCOPE", 0},
	OpText:         {"TEXT", 0},

	OpJump:          {"JUMP", 1},
	OpJumpIfFailed:  {"JUMP_IF_FAILED", 1},
	OpJumpIfMatched: {"JUMP_IF_MATCHED", 1},

	OpNewList:  {"NEW_LIST", 0},
	OpAppend:   {"APPEND", 0},
	OpWrapList: {"WRAP_LIST", 0},
	OpWrapSeq:  {"WRAP_SEQ", 2},
	OpFailSeq:  {"FAIL_SEQ", 1},

	OpBind: {"BIND", 1},

	OpCallRule:      {"CALL_RULE", 1},
	OpCallAction:    {"CALL_ACTION", 1},
	OpCallPredicate: {"CALL_PREDICATE", 2},

	OpSilentOn:  {"SILENT_ON", 0},
	OpSilentOff: {"SILENT_OFF", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing rule code
// ---------------------------------------------------------------------------

// CodeBuilder constructs instruction sequences and back-patches jumps.
type CodeBuilder struct {
	bytes []byte
	err   error
}

// NewCodeBuilder creates an empty code builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed code.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length in bytes.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an instruction and returns its byte offset.
func (b *CodeBuilder) Emit(op Opcode, a, operandB uint16) int {
	at := len(b.bytes)
	b.bytes = append(b.bytes, byte(op), 0, 0, 0, 0)
	binary.BigEndian.PutUint16(b.bytes[at+1:], a)
	binary.BigEndian.PutUint16(b.bytes[at+3:], operandB)
	return at
}

// EmitJump appends a jump-family instruction with a placeholder target and
// returns its offset for later patching.
func (b *CodeBuilder) EmitJump(op Opcode) int {
	return b.Emit(op, 0xFFFF, 0)
}

// PatchJump sets the target operand of the jump instruction at offset at to
// the current end of the code.
func (b *CodeBuilder) PatchJump(at int) {
	b.PatchJumpTo(at, len(b.bytes))
}

// PatchJumpTo sets the target operand of the jump instruction at offset at.
// A target beyond the uint16 operand range is recorded as an error instead
// of being written; callers check Err before using the code.
func (b *CodeBuilder) PatchJumpTo(at, target int) {
	if target > 0xFFFF {
		if b.err == nil {
			b.err = fmt.Errorf("vm: jump target %d exceeds operand range", target)
		}
		return
	}
	binary.BigEndian.PutUint16(b.bytes[at+1:], uint16(target))
}

// Err reports the first operand-range violation hit while building, or nil.
func (b *CodeBuilder) Err() error {
	return b.err
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders rule code as one instruction per line. The program is
// consulted to annotate constant-table operands; it may be nil.
func Disassemble(code []byte, p *Program) string {
	var sb strings.Builder
	for ip := 0; ip+InstrSize <= len(code); ip += InstrSize {
		op := Opcode(code[ip])
		a := binary.BigEndian.Uint16(code[ip+1:])
		operandB := binary.BigEndian.Uint16(code[ip+3:])
		fmt.Fprintf(&sb, "%04d  %-16s", ip, op.Name())
		switch op.Info().Operands {
		case 1:
			fmt.Fprintf(&sb, " %d", a)
		case 2:
			fmt.Fprintf(&sb, " %d %d", a, operandB)
		}
		if p != nil {
			if note := operandNote(op, int(a), p); note != "" {
				fmt.Fprintf(&sb, "  ; %s", note)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func operandNote(op Opcode, a int, p *Program) string {
	switch op {
	case OpMatchLiteral:
		if a < len(p.Literals) {
			return fmt.Sprintf("%q", p.Literals[a].Text)
		}
	case OpMatchClass:
		if a < len(p.Classes) {
			return p.Classes[a].String()
		}
	case OpBind:
		if a < len(p.Names) {
			return p.Names[a]
		}
	case OpCallRule:
		if a < len(p.Rules) {
			return p.Rules[a].Name
		}
	case OpCallAction, OpCallPredicate:
		if a < len(p.Code) {
			return shorten(p.Code[a].Src, 40)
		}
	}
	return ""
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
