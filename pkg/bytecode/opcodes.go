// Package bytecode defines the instruction set of the bbv virtual machine,
// together with a builder, a decoder, a disassembler and a small text
// assembler used by the command line and by tests.
package bytecode

import "fmt"

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push self
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x15 // push 32-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal from literal frame (16-bit index)
	OpPushFloat   Opcode = 0x17 // push inline float64 (8 bytes)
	OpPushContext Opcode = 0x18 // push thisContext (current activation)
)

// Variable Operations
const (
	OpPushTemp    Opcode = 0x20 // push temporary/argument (8-bit index)
	OpPushIvar    Opcode = 0x21 // push instance variable (8-bit index)
	OpPushGlobal  Opcode = 0x22 // push global (16-bit literal index of its name)
	OpStoreTemp   Opcode = 0x23 // store into temporary (8-bit index)
	OpStoreIvar   Opcode = 0x24 // store into instance variable (8-bit index)
	OpStoreGlobal Opcode = 0x25 // store into global (16-bit literal index of its name)
)

// Message Sends
const (
	OpSend      Opcode = 0x30 // send message (16-bit selector literal, 8-bit argc)
	OpSendSuper Opcode = 0x31 // send to super (16-bit selector literal, 8-bit argc)
)

// Optimized Sends (single-byte, no operands)
const (
	OpSendPlus   Opcode = 0x40 // +
	OpSendMinus  Opcode = 0x41 // -
	OpSendTimes  Opcode = 0x42 // *
	OpSendDiv    Opcode = 0x43 // /
	OpSendMod    Opcode = 0x44 // \\
	OpSendLT     Opcode = 0x45 // <
	OpSendGT     Opcode = 0x46 // >
	OpSendLE     Opcode = 0x47 // <=
	OpSendGE     Opcode = 0x48 // >=
	OpSendEQ     Opcode = 0x49 // =
	OpSendNE     Opcode = 0x4A // ~=
	OpSendAt     Opcode = 0x4B // at:
	OpSendAtPut  Opcode = 0x4C // at:put:
	OpSendSize   Opcode = 0x4D // size
	OpSendValue  Opcode = 0x4E // value
	OpSendValue1 Opcode = 0x4F // value:
	OpSendValue2 Opcode = 0x50 // value:value:
	OpSendNew    Opcode = 0x51 // new
	OpSendClass  Opcode = 0x52 // class
)

// Control Flow
const (
	OpJump       Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue   Opcode = 0x61 // pop, jump if true (16-bit offset)
	OpJumpFalse  Opcode = 0x62 // pop, jump if false or nil (16-bit offset)
	OpJumpNil    Opcode = 0x63 // pop, jump if nil (16-bit offset)
	OpJumpNotNil Opcode = 0x64 // pop, jump if not nil (16-bit offset)
)

// Returns
const (
	OpReturnTop  Opcode = 0x70 // return top of stack
	OpReturnSelf Opcode = 0x71 // return self
	OpReturnNil  Opcode = 0x72 // return nil
)

// Object Creation
const (
	OpCreateArray Opcode = 0x90 // create array from stack (8-bit size)
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	Pops         int    // values popped (-1 = depends on operand)
	Pushes       int    // values pushed
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0, 0},
	OpPOP: {"POP", 0, 1, 0},
	OpDUP: {"DUP", 0, 1, 2},

	OpPushNil:     {"PUSH_NIL", 0, 0, 1},
	OpPushTrue:    {"PUSH_TRUE", 0, 0, 1},
	OpPushFalse:   {"PUSH_FALSE", 0, 0, 1},
	OpPushSelf:    {"PUSH_SELF", 0, 0, 1},
	OpPushInt8:    {"PUSH_INT8", 1, 0, 1},
	OpPushInt32:   {"PUSH_INT32", 4, 0, 1},
	OpPushLiteral: {"PUSH_LITERAL", 2, 0, 1},
	OpPushFloat:   {"PUSH_FLOAT", 8, 0, 1},
	OpPushContext: {"PUSH_CONTEXT", 0, 0, 1},

	OpPushTemp:    {"PUSH_TEMP", 1, 0, 1},
	OpPushIvar:    {"PUSH_IVAR", 1, 0, 1},
	OpPushGlobal:  {"PUSH_GLOBAL", 2, 0, 1},
	OpStoreTemp:   {"STORE_TEMP", 1, 1, 1},
	OpStoreIvar:   {"STORE_IVAR", 1, 1, 1},
	OpStoreGlobal: {"STORE_GLOBAL", 2, 1, 1},

	OpSend:      {"SEND", 3, -1, 1},
	OpSendSuper: {"SEND_SUPER", 3, -1, 1},

	OpSendPlus:   {"SEND_PLUS", 0, 2, 1},
	OpSendMinus:  {"SEND_MINUS", 0, 2, 1},
	OpSendTimes:  {"SEND_TIMES", 0, 2, 1},
	OpSendDiv:    {"SEND_DIV", 0, 2, 1},
	OpSendMod:    {"SEND_MOD", 0, 2, 1},
	OpSendLT:     {"SEND_LT", 0, 2, 1},
	OpSendGT:     {"SEND_GT", 0, 2, 1},
	OpSendLE:     {"SEND_LE", 0, 2, 1},
	OpSendGE:     {"SEND_GE", 0, 2, 1},
	OpSendEQ:     {"SEND_EQ", 0, 2, 1},
	OpSendNE:     {"SEND_NE", 0, 2, 1},
	OpSendAt:     {"SEND_AT", 0, 2, 1},
	OpSendAtPut:  {"SEND_AT_PUT", 0, 3, 1},
	OpSendSize:   {"SEND_SIZE", 0, 1, 1},
	OpSendValue:  {"SEND_VALUE", 0, 1, 1},
	OpSendValue1: {"SEND_VALUE1", 0, 2, 1},
	OpSendValue2: {"SEND_VALUE2", 0, 3, 1},
	OpSendNew:    {"SEND_NEW", 0, 1, 1},
	OpSendClass:  {"SEND_CLASS", 0, 1, 1},

	OpJump:       {"JUMP", 2, 0, 0},
	OpJumpTrue:   {"JUMP_TRUE", 2, 1, 0},
	OpJumpFalse:  {"JUMP_FALSE", 2, 1, 0},
	OpJumpNil:    {"JUMP_NIL", 2, 1, 0},
	OpJumpNotNil: {"JUMP_NOT_NIL", 2, 1, 0},

	OpReturnTop:  {"RETURN_TOP", 0, 1, 0},
	OpReturnSelf: {"RETURN_SELF", 0, 0, 0},
	OpReturnNil:  {"RETURN_NIL", 0, 0, 0},

	OpCreateArray: {"CREATE_ARRAY", 1, -1, 1},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsJump reports whether op is a conditional or unconditional jump.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpNotNil
}

// IsReturn reports whether op leaves the current activation.
func (op Opcode) IsReturn() bool {
	return op >= OpReturnTop && op <= OpReturnNil
}

// BinarySelector returns the selector name of an optimized binary send.
func (op Opcode) BinarySelector() (string, bool) {
	switch op {
	case OpSendPlus:
		return "+", true
	case OpSendMinus:
		return "-", true
	case OpSendTimes:
		return "*", true
	case OpSendDiv:
		return "/", true
	case OpSendMod:
		return "\\\\", true
	case OpSendLT:
		return "<", true
	case OpSendGT:
		return ">", true
	case OpSendLE:
		return "<=", true
	case OpSendGE:
		return ">=", true
	case OpSendEQ:
		return "=", true
	case OpSendNE:
		return "~=", true
	case OpSendAt:
		return "at:", true
	}
	return "", false
}

// SpecialSelector returns the selector and argument count that an optimized
// send falls back to when no primitive applies.
func (op Opcode) SpecialSelector() (string, int, bool) {
	if sel, ok := op.BinarySelector(); ok {
		return sel, 1, true
	}
	switch op {
	case OpSendAtPut:
		return "at:put:", 2, true
	case OpSendSize:
		return "size", 0, true
	case OpSendValue:
		return "value", 0, true
	case OpSendValue1:
		return "value:", 1, true
	case OpSendValue2:
		return "value:value:", 2, true
	case OpSendNew:
		return "new", 0, true
	case OpSendClass:
		return "class", 0, true
	}
	return "", 0, false
}
