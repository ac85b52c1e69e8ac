package bytecode

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ErrTruncated is returned when an instruction's operands run past the end
// of the code.
var ErrTruncated = errors.New("bytecode: truncated instruction")

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	Op  Opcode
	PC  int // offset of the opcode byte
	Len int // opcode plus operand bytes

	// A holds the primary operand: an index, an inline integer, an array
	// size, or for jumps the absolute target offset.
	A int
	// B holds the argument count of sends.
	B int
	// F holds the inline float of PUSH_FLOAT.
	F float64
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.PC + in.Len
}

// Target returns the absolute destination of a jump.
func (in Instruction) Target() int {
	return in.A
}

// Pops returns how many operand stack values the instruction consumes.
func (in Instruction) Pops() int {
	switch in.Op {
	case OpSend, OpSendSuper:
		return in.B + 1
	case OpCreateArray:
		return in.A
	}
	return in.Op.Info().Pops
}

// Pushes returns how many operand stack values the instruction produces.
func (in Instruction) Pushes() int {
	return in.Op.Info().Pushes
}

// Decode decodes the instruction starting at pc.
func Decode(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, errors.Newf("bytecode: pc %d out of range [0,%d)", pc, len(code))
	}
	op := Opcode(code[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, errors.Newf("bytecode: unknown opcode 0x%02X at %d", byte(op), pc)
	}
	in := Instruction{Op: op, PC: pc, Len: 1 + info.OperandBytes}
	if pc+in.Len > len(code) {
		return Instruction{}, errors.Wrapf(ErrTruncated, "%s at %d", info.Name, pc)
	}
	operands := code[pc+1 : pc+in.Len]

	switch op {
	case OpPushInt8:
		in.A = int(int8(operands[0]))
	case OpPushTemp, OpPushIvar, OpStoreTemp, OpStoreIvar, OpCreateArray:
		in.A = int(operands[0])
	case OpPushInt32:
		in.A = int(int32(binary.LittleEndian.Uint32(operands)))
	case OpPushLiteral, OpPushGlobal, OpStoreGlobal:
		in.A = int(binary.LittleEndian.Uint16(operands))
	case OpPushFloat:
		in.F = math.Float64frombits(binary.LittleEndian.Uint64(operands))
	case OpSend, OpSendSuper:
		in.A = int(binary.LittleEndian.Uint16(operands))
		in.B = int(operands[2])
	case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNil, OpJumpNotNil:
		offset := int(int16(binary.LittleEndian.Uint16(operands)))
		in.A = in.Next() + offset
	}
	return in, nil
}

// Instructions decodes a whole code sequence.
func Instructions(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		pc = in.Next()
	}
	return out, nil
}
