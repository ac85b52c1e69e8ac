// Package asm is the architecture-independent code substrate of the JIT: an
// abstract micro-instruction list with labels and patch points, an encoder
// that lays those instructions out in a word-addressed executable arena, and
// a machine that executes the arena directly against interpreter frames.
//
// Every instruction occupies one 64-bit word (op:8 | a:24 | b:32), optionally
// followed by one extension word. Jump targets live in the b field, so
// retargeting a branch is a single atomic word store.
package asm

import (
	"fmt"

	"github.com/chazu/bbv/pkg/value"
)

// Addr is a word index into a CodeBuffer. Zero is never a valid code address.
type Addr uint32

// NoAddr is the null code address.
const NoAddr Addr = 0

// Op is a micro-instruction opcode.
type Op uint8

const (
	opInvalid    Op = iota // zeroed memory
	OpNop
	OpPushImm       // push ext
	OpPushLocal     // push local a
	OpStoreLocal    // local a := top (no pop)
	OpPushSelf      // push self
	OpPop           // drop top
	OpDup           // duplicate top
	OpGuard         // if loc a fails check ext, jump b
	OpArith         // fixnum arithmetic a; on overflow jump b without popping
	OpCompare       // fixnum comparison a, push boolean
	OpStep          // host executes the bytecode instruction at pc b
	OpInvoke        // call method ext with argc a; bytecode pc b
	OpJump          // jump b
	OpJumpIf        // pop; if condition a holds jump b
	OpReturn        // pop and return from the activation
	OpExit          // resume the interpreter at pc b
	OpStub          // pending branch b: leave to the driver
	OpDispatch      // polymorphic branch b: consult its target table
)

var opNames = [...]string{
	opInvalid:    "invalid",
	OpNop:        "nop",
	OpPushImm:    "push_imm",
	OpPushLocal:  "push_local",
	OpStoreLocal: "store_local",
	OpPushSelf:   "push_self",
	OpPop:        "pop",
	OpDup:        "dup",
	OpGuard:      "guard",
	OpArith:      "arith",
	OpCompare:    "compare",
	OpStep:       "step",
	OpInvoke:     "invoke",
	OpJump:       "jump",
	OpJumpIf:     "jump_if",
	OpReturn:     "return",
	OpExit:       "exit",
	OpStub:       "stub",
	OpDispatch:   "dispatch",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// HasExt reports whether the instruction is followed by an extension word.
func (op Op) HasExt() bool {
	switch op {
	case OpPushImm, OpGuard, OpInvoke:
		return true
	}
	return false
}

// Size returns the number of words the instruction occupies.
func (op Op) Size() int {
	if op.HasExt() {
		return 2
	}
	return 1
}

// HasTarget reports whether the b field holds a code address.
func (op Op) HasTarget() bool {
	switch op {
	case OpGuard, OpArith, OpJump, OpJumpIf:
		return true
	}
	return false
}

// Word is one encoded micro-instruction.
type Word uint64

const maxA = 1<<24 - 1

// MakeWord encodes op with operands a (24 bits) and b (32 bits).
func MakeWord(op Op, a, b uint32) Word {
	return Word(op)<<56 | Word(a&maxA)<<32 | Word(b)
}

func (w Word) Op() Op { return Op(w >> 56) }
func (w Word) A() uint32 { return uint32(w>>32) & maxA }
func (w Word) B() uint32 { return uint32(w) }

// WithB returns w with its b field replaced.
func (w Word) WithB(b uint32) Word {
	return w&^Word(0xFFFFFFFF) | Word(b)
}

// ---------------------------------------------------------------------------
// Operand locations
// ---------------------------------------------------------------------------

// Loc names a frame slot that a guard inspects.
type Loc uint32

const (
	locStack uint32 = 1 << 20
	locLocal uint32 = 2 << 20
	locSelf  uint32 = 3 << 20
	locIndex uint32 = 1<<20 - 1
)

// StackLoc is the operand stack slot depth values below the top (0 = top).
func StackLoc(depth int) Loc { return Loc(locStack | uint32(depth)&locIndex) }

// LocalLoc is local variable i.
func LocalLoc(i int) Loc { return Loc(locLocal | uint32(i)&locIndex) }

// SelfLoc is the receiver.
const SelfLoc = Loc(locSelf)

func (l Loc) kind() uint32 { return uint32(l) &^ locIndex }
func (l Loc) index() int { return int(uint32(l) & locIndex) }

func (l Loc) read(f Frame) value.Value {
	switch l.kind() {
	case locStack:
		return f.Peek(l.index())
	case locLocal:
		return f.Local(l.index())
	default:
		return f.Self()
	}
}

func (l Loc) String() string {
	switch l.kind() {
	case locStack:
		return fmt.Sprintf("stack[%d]", l.index())
	case locLocal:
		return fmt.Sprintf("local[%d]", l.index())
	case locSelf:
		return "self"
	}
	return fmt.Sprintf("loc(%#x)", uint32(l))
}

// ---------------------------------------------------------------------------
// Guard checks
// ---------------------------------------------------------------------------

// CheckKind selects the test a guard performs.
type CheckKind uint8

const (
	CheckFixnum CheckKind = iota + 1
	CheckFlonum
	CheckSymbol
	CheckNil
	CheckTrue
	CheckFalse
	CheckClass // heap object of exactly Class
)

// Check is a guard predicate, packed into the guard's extension word.
type Check struct {
	Kind  CheckKind
	Class uint32
}

func (c Check) word() Word { return Word(c.Kind)<<32 | Word(c.Class) }

func checkFromWord(w Word) Check {
	return Check{Kind: CheckKind(w >> 32), Class: uint32(w)}
}

// Match reports whether v passes the check. classOf is only consulted for
// heap objects.
func (c Check) Match(v value.Value, classOf func(value.Value) uint32) bool {
	switch c.Kind {
	case CheckFixnum:
		return v.IsSmallInt()
	case CheckFlonum:
		return v.IsFloat()
	case CheckSymbol:
		return v.IsSymbol()
	case CheckNil:
		return v == value.Nil
	case CheckTrue:
		return v == value.True
	case CheckFalse:
		return v == value.False
	case CheckClass:
		return v.IsObject() && classOf(v) == c.Class
	}
	return false
}

func (c Check) String() string {
	switch c.Kind {
	case CheckFixnum:
		return "fixnum"
	case CheckFlonum:
		return "flonum"
	case CheckSymbol:
		return "symbol"
	case CheckNil:
		return "nil"
	case CheckTrue:
		return "true"
	case CheckFalse:
		return "false"
	case CheckClass:
		return fmt.Sprintf("class(%d)", c.Class)
	}
	return "check(?)"
}

// ---------------------------------------------------------------------------
// Conditions, arithmetic, comparisons
// ---------------------------------------------------------------------------

// Cond is the condition of a conditional jump. The interpreter uses the same
// predicates so that compiled and interpreted jumps cannot disagree.
type Cond uint8

const (
	CondTrue   Cond = iota + 1 // value is true
	CondFalsy                  // value is false or nil
	CondNil                    // value is nil
	CondNotNil                 // value is not nil
)

// Holds reports whether v satisfies the condition.
func (c Cond) Holds(v value.Value) bool {
	switch c {
	case CondTrue:
		return v == value.True
	case CondFalsy:
		return v.IsFalsy()
	case CondNil:
		return v == value.Nil
	case CondNotNil:
		return v != value.Nil
	}
	return false
}

func (c Cond) String() string {
	switch c {
	case CondTrue:
		return "true"
	case CondFalsy:
		return "falsy"
	case CondNil:
		return "nil"
	case CondNotNil:
		return "not_nil"
	}
	return "cond(?)"
}

// ArithKind selects a fixnum arithmetic operation.
type ArithKind uint8

const (
	ArithAdd ArithKind = iota + 1
	ArithSub
	ArithMul
)

// Apply computes a op b, reporting false when the result leaves the
// SmallInt range.
func (k ArithKind) Apply(a, b int64) (value.Value, bool) {
	switch k {
	case ArithAdd:
		return value.TryFromSmallInt(a + b)
	case ArithSub:
		return value.TryFromSmallInt(a - b)
	case ArithMul:
		if a != 0 && b != 0 {
			p := a * b
			if p/b != a {
				return value.Nil, false
			}
			return value.TryFromSmallInt(p)
		}
		return value.FromSmallInt(0), true
	}
	return value.Nil, false
}

func (k ArithKind) String() string {
	switch k {
	case ArithAdd:
		return "add"
	case ArithSub:
		return "sub"
	case ArithMul:
		return "mul"
	}
	return "arith(?)"
}

// CmpKind selects a fixnum comparison.
type CmpKind uint8

const (
	CmpLT CmpKind = iota + 1
	CmpGT
	CmpLE
	CmpGE
	CmpEQ
	CmpNE
)

// Apply compares a and b.
func (k CmpKind) Apply(a, b int64) bool {
	switch k {
	case CmpLT:
		return a < b
	case CmpGT:
		return a > b
	case CmpLE:
		return a <= b
	case CmpGE:
		return a >= b
	case CmpEQ:
		return a == b
	case CmpNE:
		return a != b
	}
	return false
}

func (k CmpKind) String() string {
	return [...]string{"?", "lt", "gt", "le", "ge", "eq", "ne"}[min(int(k), 6)]
}
