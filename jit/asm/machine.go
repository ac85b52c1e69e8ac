package asm

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/pkg/value"
)

// ErrBadCode is reported when the machine reaches a word it cannot execute.
var ErrBadCode = errors.New("asm: invalid instruction")

// Frame is the interpreter activation that compiled code runs against. The
// operand stack and locals are the interpreter's own, so leaving compiled
// code only requires setting the program counter.
type Frame interface {
	PC() int
	SetPC(pc int)
	Depth() int
	Push(v value.Value)
	Pop() value.Value
	Peek(n int) value.Value
	Local(i int) value.Value
	SetLocal(i int, v value.Value)
	Self() value.Value
}

// Env supplies the host services compiled code calls out to.
type Env interface {
	ClassOf(v value.Value) uint32
	// Step executes the bytecode instruction at pc against f.
	Step(f Frame, pc int) error
	// Invoke calls method with argc arguments and the receiver on f's stack,
	// replacing them with the result.
	Invoke(f Frame, method uint32, argc int, pc int) error
	// Dispatch looks up the target of a polymorphic branch for f's state.
	Dispatch(f Frame, branch uint32) (Addr, bool)
}

// ExitReason says why the machine stopped.
type ExitReason uint8

const (
	ExitReturn ExitReason = iota // the activation returned Value
	ExitSide                     // resume interpreting at PC
	ExitStub                     // Branch needs compiling
	ExitError                    // a host call failed with Err
)

func (r ExitReason) String() string {
	switch r {
	case ExitReturn:
		return "return"
	case ExitSide:
		return "side-exit"
	case ExitStub:
		return "stub"
	case ExitError:
		return "error"
	}
	return fmt.Sprintf("exit(%d)", uint8(r))
}

// Exit describes how a run ended.
type Exit struct {
	Reason ExitReason
	PC     int
	Branch uint32
	Value  value.Value
	Err    error
	At     Addr // address of the instruction that exited
}

// Machine executes code from a CodeBuffer.
type Machine struct {
	code *CodeBuffer
	env  Env
}

// NewMachine creates a machine over code.
func NewMachine(code *CodeBuffer, env Env) *Machine {
	return &Machine{code: code, env: env}
}

// Run executes from start until the code leaves the activation.
func (m *Machine) Run(f Frame, start Addr) Exit {
	ip := start
	for {
		w := m.code.Load(ip)
		switch w.Op() {
		case OpNop:
			ip++

		case OpPushImm:
			f.Push(value.Value(m.code.Load(ip + 1)))
			ip += 2

		case OpPushLocal:
			f.Push(f.Local(int(w.A())))
			ip++

		case OpStoreLocal:
			f.SetLocal(int(w.A()), f.Peek(0))
			ip++

		case OpPushSelf:
			f.Push(f.Self())
			ip++

		case OpPop:
			f.Pop()
			ip++

		case OpDup:
			f.Push(f.Peek(0))
			ip++

		case OpGuard:
			c := checkFromWord(m.code.Load(ip + 1))
			if c.Match(Loc(w.A()).read(f), m.env.ClassOf) {
				ip += 2
			} else {
				ip = Addr(w.B())
			}

		case OpArith:
			b, a := f.Peek(0), f.Peek(1)
			r, ok := ArithKind(w.A()).Apply(a.SmallInt(), b.SmallInt())
			if !ok {
				ip = Addr(w.B())
				continue
			}
			f.Pop()
			f.Pop()
			f.Push(r)
			ip++

		case OpCompare:
			b := f.Pop()
			a := f.Pop()
			f.Push(value.FromBool(CmpKind(w.A()).Apply(a.SmallInt(), b.SmallInt())))
			ip++

		case OpStep:
			if err := m.env.Step(f, int(w.B())); err != nil {
				return Exit{Reason: ExitError, PC: int(w.B()), Err: err, At: ip}
			}
			ip++

		case OpInvoke:
			method := uint32(m.code.Load(ip + 1))
			if err := m.env.Invoke(f, method, int(w.A()), int(w.B())); err != nil {
				return Exit{Reason: ExitError, PC: int(w.B()), Err: err, At: ip}
			}
			ip += 2

		case OpJump:
			ip = Addr(w.B())

		case OpJumpIf:
			if Cond(w.A()).Holds(f.Pop()) {
				ip = Addr(w.B())
			} else {
				ip++
			}

		case OpReturn:
			return Exit{Reason: ExitReturn, Value: f.Pop(), At: ip}

		case OpExit:
			return Exit{Reason: ExitSide, PC: int(w.B()), At: ip}

		case OpStub:
			return Exit{Reason: ExitStub, Branch: w.B(), At: ip}

		case OpDispatch:
			target, ok := m.env.Dispatch(f, w.B())
			if !ok {
				return Exit{Reason: ExitStub, Branch: w.B(), At: ip}
			}
			ip = target

		default:
			return Exit{Reason: ExitError, Err: errors.Wrapf(ErrBadCode, "%s at %d", w.Op(), ip), At: ip}
		}
	}
}
