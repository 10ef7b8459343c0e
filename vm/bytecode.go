package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Code units
// ---------------------------------------------------------------------------

// CodeUnit is a single fixed-width instruction word: opcode in the low
// byte, oparg in the high byte. Instruction streams are sequences of
// code units; quickening rewrites units in place but never changes the
// stream length.
type CodeUnit uint16

// MakeCodeUnit packs an opcode and an 8-bit oparg into one word.
func MakeCodeUnit(op Opcode, oparg uint8) CodeUnit {
	return CodeUnit(uint16(op) | uint16(oparg)<<8)
}

// Opcode extracts the instruction's opcode.
func (u CodeUnit) Opcode() Opcode {
	return Opcode(u & 0xFF)
}

// Oparg extracts the instruction's 8-bit operand.
func (u CodeUnit) Oparg() uint8 {
	return uint8(u >> 8)
}

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Loads and Stores
const (
	OpLoadConst  Opcode = 0x10 // push constant (oparg = constant pool index)
	OpLoadLocal  Opcode = 0x11 // push local (oparg = locals-plus slot)
	OpStoreLocal Opcode = 0x12 // pop into local (oparg = locals-plus slot)
)

// Attribute Access
const (
	OpLoadAttr  Opcode = 0x20 // pop owner, push attribute (oparg = name index)
	OpStoreAttr Opcode = 0x21 // pop owner, pop value, assign attribute (oparg = name index)
)

// Specialized Attribute Access (only ever written by quickening or the
// specializer; oparg is the derived cache oparg, not a name index)
const (
	OpLoadAttrAdaptive Opcode = 0x28 // counter-driven specialization attempt
	OpLoadAttrSlot     Opcode = 0x29 // validated fixed field slot
	OpLoadAttrDict     Opcode = 0x2A // validated instance dict entry
)

// Arithmetic and Comparison
const (
	OpAdd       Opcode = 0x30 // pop b, pop a, push a+b
	OpSub       Opcode = 0x31 // pop b, pop a, push a-b
	OpCompareLT Opcode = 0x32 // pop b, pop a, push a<b
)

// Control Flow (jump opargs are code-unit deltas)
const (
	OpJumpForward  Opcode = 0x40 // pc += oparg
	OpJumpBackward Opcode = 0x41 // pc -= oparg
	OpJumpIfFalse  Opcode = 0x42 // pop cond; if falsy, pc += oparg
	OpReturnValue  Opcode = 0x43 // pop and return top of stack
	OpCall         Opcode = 0x44 // pop oparg args then callee, enter its frame
)

// Prefix
const (
	OpExtendedArg Opcode = 0x50 // extend the next instruction's oparg by 8 bits
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name string

	// Adaptive is the cache-driven form the quickening pass rewrites
	// this opcode into, or 0 for opcodes that are never specialized.
	Adaptive Opcode

	// CacheEntries is the number of cache-region entries an occurrence
	// of this opcode consumes once quickened.
	CacheEntries int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:        {Name: "NOP"},
	OpPOP:        {Name: "POP"},
	OpDUP:        {Name: "DUP"},
	OpLoadConst:  {Name: "LOAD_CONST"},
	OpLoadLocal:  {Name: "LOAD_LOCAL"},
	OpStoreLocal: {Name: "STORE_LOCAL"},

	OpLoadAttr:  {Name: "LOAD_ATTR", Adaptive: OpLoadAttrAdaptive, CacheEntries: 2},
	OpStoreAttr: {Name: "STORE_ATTR"},

	OpLoadAttrAdaptive: {Name: "LOAD_ATTR_ADAPTIVE", CacheEntries: 2},
	OpLoadAttrSlot:     {Name: "LOAD_ATTR_SLOT", CacheEntries: 2},
	OpLoadAttrDict:     {Name: "LOAD_ATTR_DICT", CacheEntries: 2},

	OpAdd:       {Name: "ADD"},
	OpSub:       {Name: "SUB"},
	OpCompareLT: {Name: "COMPARE_LT"},

	OpJumpForward:  {Name: "JUMP_FORWARD"},
	OpJumpBackward: {Name: "JUMP_BACKWARD"},
	OpJumpIfFalse:  {Name: "JUMP_IF_FALSE"},
	OpReturnValue:  {Name: "RETURN_VALUE"},
	OpCall:         {Name: "CALL"},

	OpExtendedArg: {Name: "EXTENDED_ARG"},
}

// Info returns metadata for the opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the opcode's mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// IsSpecializable reports whether quickening rewrites this opcode to an
// adaptive form.
func (op Opcode) IsSpecializable() bool {
	return op.Info().Adaptive != 0
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Code builder
// ---------------------------------------------------------------------------

// CodeBuilder assembles an instruction stream code unit by code unit.
// Opargs wider than 8 bits are emitted with EXTENDED_ARG prefixes.
type CodeBuilder struct {
	units []CodeUnit
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{}
}

// Emit appends an instruction with the given oparg, adding
// EXTENDED_ARG prefixes as needed. Returns the instruction's index.
func (b *CodeBuilder) Emit(op Opcode, oparg int) int {
	if oparg > 0xFF {
		if oparg > 0xFFFF {
			b.units = append(b.units, MakeCodeUnit(OpExtendedArg, uint8(oparg>>16)))
		}
		b.units = append(b.units, MakeCodeUnit(OpExtendedArg, uint8(oparg>>8)))
	}
	b.units = append(b.units, MakeCodeUnit(op, uint8(oparg)))
	return len(b.units) - 1
}

// Len returns the number of code units emitted so far.
func (b *CodeBuilder) Len() int {
	return len(b.units)
}

// Units returns the assembled instruction stream.
func (b *CodeBuilder) Units() []CodeUnit {
	return b.units
}

// Bytes returns the stream in its serialized little-endian byte form,
// the shape a construction record carries.
func (b *CodeBuilder) Bytes() []byte {
	return codeUnitsToBytes(b.units)
}

func codeUnitsToBytes(units []CodeUnit) []byte {
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		WriteUint16(buf[i*2:], uint16(u))
	}
	return buf
}

func codeUnitsFromBytes(data []byte) []CodeUnit {
	units := make([]CodeUnit, len(data)/2)
	for i := range units {
		units[i] = CodeUnit(ReadUint16(data[i*2:]))
	}
	return units
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a code object's active instruction stream, one
// line per code unit. Quickened streams annotate cache-driven sites
// with their resolved cache slot.
func Disassemble(co *CodeObject) string {
	var sb strings.Builder
	code := co.ActiveCode()
	for i, u := range code {
		op, arg := u.Opcode(), u.Oparg()
		fmt.Fprintf(&sb, "%4d  %-20s %3d", i, op.Name(), arg)
		switch {
		case co.quick != nil && op.Info().CacheEntries > 0 && op != OpLoadAttr:
			fmt.Fprintf(&sb, "   ; cache slot %d", OffsetFromOparg(int(arg), i+1))
		case op == OpLoadConst && int(arg) < len(co.Consts):
			fmt.Fprintf(&sb, "   ; %s", co.Consts[arg].format(co.interp))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
