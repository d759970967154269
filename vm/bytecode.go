package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. The set here covers
// only what the execution core needs: slot moves, literal loads,
// constructor allocation, thunk evaluation and update, calls, returns,
// loops, and word arithmetic. Everything else is the surface language's
// problem, not the core's.
type Opcode byte

// Slot operations
const (
	OpNop      Opcode = 0x00 // no operation
	OpMov      Opcode = 0x01 // r[a] = r[b]
	OpLoadLit  Opcode = 0x02 // r[a] = literal (16-bit index)
	OpLoadSelf Opcode = 0x03 // r[a] = closure currently being evaluated
)

// Heap operations
const (
	OpAllocCon  Opcode = 0x10 // r[a] = new constructor (16-bit info literal, 8-bit argc, args...)
	OpLoadField Opcode = 0x11 // r[a] = payload word idx of closure r[b]
	OpLoadTag   Opcode = 0x12 // r[a] = constructor tag of closure r[b]
	OpUpdate    Opcode = 0x13 // overwrite closure r[a] with indirection to r[b]
)

// Evaluation and control transfer
const (
	OpEval Opcode = 0x20 // force closure r[a] to head normal form
	OpCall Opcode = 0x21 // enter function closure r[a] (8-bit argc, args...)
	OpRet  Opcode = 0x22 // return r[a] to the caller
	OpJmp  Opcode = 0x23 // unconditional jump (16-bit signed offset)
	OpJz   Opcode = 0x24 // jump if r[a] is zero (16-bit signed offset)
	OpLoop Opcode = 0x25 // backward branch to a loop header (16-bit signed offset)
	OpHalt Opcode = 0x26 // stop the current thread
)

// Word arithmetic
const (
	OpAddInt Opcode = 0x30 // r[a] = r[b] + r[c]
	OpSubInt Opcode = 0x31 // r[a] = r[b] - r[c]
	OpMulInt Opcode = 0x32 // r[a] = r[b] * r[c]
	OpCmpLt  Opcode = 0x33 // r[a] = r[b] < r[c] ? 1 : 0
	OpCmpEq  Opcode = 0x34 // r[a] = r[b] == r[c] ? 1 : 0
)

// nOpcodes bounds the dispatch tables. Opcodes at or above this value
// are rejected at link time; the dispatch loop reports any that reach
// it anyway as kInterpUnimplemented rather than indexing past a table.
const nOpcodes = 0x40

// opcodeNames maps opcodes to their disassembly mnemonics.
var opcodeNames = map[Opcode]string{
	OpNop:       "NOP",
	OpMov:       "MOV",
	OpLoadLit:   "LOADLIT",
	OpLoadSelf:  "LOADSELF",
	OpAllocCon:  "ALLOCCON",
	OpLoadField: "LOADFIELD",
	OpLoadTag:   "LOADTAG",
	OpUpdate:    "UPDATE",
	OpEval:      "EVAL",
	OpCall:      "CALL",
	OpRet:       "RET",
	OpJmp:       "JMP",
	OpJz:        "JZ",
	OpLoop:      "LOOP",
	OpHalt:      "HALT",
	OpAddInt:    "ADDINT",
	OpSubInt:    "SUBINT",
	OpMulInt:    "MULINT",
	OpCmpLt:     "CMPLT",
	OpCmpEq:     "CMPEQ",
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", byte(op))
}

// ---------------------------------------------------------------------------
// Pc: a branch-target address
// ---------------------------------------------------------------------------

// Pc identifies an instruction: a code object plus a byte offset into
// its instruction stream. Branch targets, hot-counter keys, and
// fragment roots are all Pcs.
type Pc struct {
	Code *Code
	Off  int
}

// String renders a Pc for diagnostics.
func (pc Pc) String() string {
	return fmt.Sprintf("%p+%d", pc.Code, pc.Off)
}

// BranchType distinguishes the two control-transferring instructions.
// It affects only how the frame base is adjusted, never the hotness or
// recording logic.
type BranchType uint8

const (
	BranchCall BranchType = iota
	BranchReturn
)

// ---------------------------------------------------------------------------
// CodeBuilder: instruction stream assembly
// ---------------------------------------------------------------------------

// CodeBuilder assembles a Code object. Used by the loader after
// decoding a module, and directly by tests.
type CodeBuilder struct {
	framesize int
	arity     int
	lits      []Word
	litTypes  []LitType
	strs      []string
	instrs    []byte
	bitmaps   []uint16
}

// NewCodeBuilder starts a code body with the given frame shape.
func NewCodeBuilder(framesize, arity int) *CodeBuilder {
	return &CodeBuilder{framesize: framesize, arity: arity}
}

// AddLit appends a literal and returns its index.
func (b *CodeBuilder) AddLit(w Word, lt LitType) int {
	b.lits = append(b.lits, w)
	b.litTypes = append(b.litTypes, lt)
	return len(b.lits) - 1
}

// AddStringLit appends a string literal and returns its index.
func (b *CodeBuilder) AddStringLit(s string) int {
	b.strs = append(b.strs, s)
	return b.AddLit(Word(len(b.strs)-1), LitString)
}

// AddBitmap appends a frame pointer bitmap.
func (b *CodeBuilder) AddBitmap(bm uint16) {
	b.bitmaps = append(b.bitmaps, bm)
}

// Emit appends a bare opcode.
func (b *CodeBuilder) Emit(op Opcode) {
	b.instrs = append(b.instrs, byte(op))
}

// EmitByte appends an opcode with one 8-bit operand.
func (b *CodeBuilder) EmitByte(op Opcode, a byte) {
	b.instrs = append(b.instrs, byte(op), a)
}

// EmitBytes appends an opcode with 8-bit operands.
func (b *CodeBuilder) EmitBytes(op Opcode, args ...byte) {
	b.instrs = append(b.instrs, byte(op))
	b.instrs = append(b.instrs, args...)
}

// EmitU16 appends an opcode with an 8-bit operand and a 16-bit operand.
func (b *CodeBuilder) EmitU16(op Opcode, a byte, v uint16) {
	b.instrs = append(b.instrs, byte(op), a)
	b.instrs = binary.LittleEndian.AppendUint16(b.instrs, v)
}

// EmitCall appends a call of the closure in slot a, passing the given
// argument slots.
func (b *CodeBuilder) EmitCall(a byte, args ...byte) {
	b.instrs = append(b.instrs, byte(OpCall), a, byte(len(args)))
	b.instrs = append(b.instrs, args...)
}

// EmitAllocCon appends a constructor allocation into slot a, using the
// info-table literal at infoLit and the given argument slots.
func (b *CodeBuilder) EmitAllocCon(a byte, infoLit int, args ...byte) {
	b.instrs = append(b.instrs, byte(OpAllocCon), a)
	b.instrs = binary.LittleEndian.AppendUint16(b.instrs, uint16(infoLit))
	b.instrs = append(b.instrs, byte(len(args)))
	b.instrs = append(b.instrs, args...)
}

// EmitJump appends a jump opcode with a placeholder offset and returns
// the position to patch.
func (b *CodeBuilder) EmitJump(op Opcode, a byte) int {
	switch op {
	case OpJmp, OpLoop:
		b.instrs = append(b.instrs, byte(op))
	case OpJz:
		b.instrs = append(b.instrs, byte(op), a)
	default:
		panic(fmt.Sprintf("vm: EmitJump with %v", op))
	}
	pos := len(b.instrs)
	b.instrs = append(b.instrs, 0, 0)
	return pos
}

// PatchJump patches a placeholder emitted by EmitJump to land on the
// given instruction offset.
func (b *CodeBuilder) PatchJump(pos int, target int) {
	// Offsets are relative to the first byte after the operand.
	rel := target - (pos + 2)
	binary.LittleEndian.PutUint16(b.instrs[pos:], uint16(int16(rel)))
}

// Here returns the current instruction offset.
func (b *CodeBuilder) Here() int {
	return len(b.instrs)
}

// Build finalizes the code body.
// Panics if the frame shape is invalid; the linker rejects such bodies
// before they can reach a builder.
func (b *CodeBuilder) Build() *Code {
	if b.framesize < b.arity {
		panic(fmt.Sprintf("vm: framesize %d < arity %d", b.framesize, b.arity))
	}
	if len(b.instrs) == 0 {
		panic("vm: empty instruction stream")
	}
	return &Code{
		Framesize: b.framesize,
		Arity:     b.arity,
		Lits:      b.lits,
		LitTypes:  b.litTypes,
		Instrs:    b.instrs,
		Bitmaps:   b.bitmaps,
		strs:      b.strs,
	}
}
