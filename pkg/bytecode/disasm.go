package bytecode

import (
	"fmt"
	"strings"
)

// FormatInstruction renders one instruction, resolving literal operands
// against the chunk when it is non-nil.
func FormatInstruction(c *Chunk, in Instruction) string {
	name := in.Op.Name()
	lit := func(i int) string {
		if c != nil && i >= 0 && i < len(c.Literals) {
			return c.Literals[i].String()
		}
		return fmt.Sprintf("%d", i)
	}

	switch in.Op {
	case OpPushInt8, OpPushInt32, OpPushTemp, OpPushIvar, OpStoreTemp, OpStoreIvar, OpCreateArray:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpPushLiteral, OpPushGlobal, OpStoreGlobal:
		return fmt.Sprintf("%04d  %s %s", in.PC, name, lit(in.A))
	case OpPushFloat:
		return fmt.Sprintf("%04d  %s %g", in.PC, name, in.F)
	case OpSend, OpSendSuper:
		return fmt.Sprintf("%04d  %s %s argc=%d", in.PC, name, lit(in.A), in.B)
	case OpJump, OpJumpTrue, OpJumpFalse, OpJumpNil, OpJumpNotNil:
		return fmt.Sprintf("%04d  %s -> %04d", in.PC, name, in.A)
	}
	return fmt.Sprintf("%04d  %s", in.PC, name)
}

// Disassemble returns a listing of the chunk. Undecodable trailing bytes are
// reported inline rather than aborting the listing.
func Disassemble(c *Chunk) string {
	var sb strings.Builder
	if c.Name != "" {
		fmt.Fprintf(&sb, "; %s (args=%d temps=%d)\n", c.Name, c.NumArgs, c.NumTemps)
	}
	for pc := 0; pc < len(c.Code); {
		in, err := Decode(c.Code, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  ??? %v\n", pc, err)
			break
		}
		sb.WriteString(FormatInstruction(c, in))
		sb.WriteByte('\n')
		pc = in.Next()
	}
	return sb.String()
}
