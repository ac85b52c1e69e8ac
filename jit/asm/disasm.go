package asm

import (
	"fmt"
	"strings"

	"github.com/chazu/bbv/pkg/value"
)

// FormatWord renders the instruction at addr.
func FormatWord(buf *CodeBuffer, addr Addr) string {
	w := buf.Load(addr)
	op := w.Op()
	switch op {
	case OpPushImm:
		return fmt.Sprintf("%s %v", op, value.Value(buf.Load(addr+1)))
	case OpPushLocal, OpStoreLocal:
		return fmt.Sprintf("%s %d", op, w.A())
	case OpGuard:
		return fmt.Sprintf("%s %s is %s else @%d", op, Loc(w.A()), checkFromWord(buf.Load(addr+1)), w.B())
	case OpArith:
		return fmt.Sprintf("%s %s overflow @%d", op, ArithKind(w.A()), w.B())
	case OpCompare:
		return fmt.Sprintf("%s %s", op, CmpKind(w.A()))
	case OpStep, OpExit:
		return fmt.Sprintf("%s pc=%d", op, w.B())
	case OpInvoke:
		return fmt.Sprintf("%s method=%d argc=%d pc=%d", op, uint32(buf.Load(addr+1)), w.A(), w.B())
	case OpJump:
		return fmt.Sprintf("%s @%d", op, w.B())
	case OpJumpIf:
		return fmt.Sprintf("%s %s @%d", op, Cond(w.A()), w.B())
	case OpStub, OpDispatch:
		return fmt.Sprintf("%s branch=%d", op, w.B())
	}
	return op.String()
}

// Disassemble lists n words starting at start.
func Disassemble(buf *CodeBuffer, start Addr, n int) string {
	var sb strings.Builder
	end := start + Addr(n)
	for at := start; at < end; {
		fmt.Fprintf(&sb, "@%-6d %s\n", at, FormatWord(buf, at))
		at += Addr(buf.Load(at).Op().Size())
	}
	return sb.String()
}
