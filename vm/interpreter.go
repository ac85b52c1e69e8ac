package vm

import (
	"math"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

// ---------------------------------------------------------------------------
// Frame: Execution state for a method invocation
// ---------------------------------------------------------------------------

// Frame is the activation of a compiled method. Compiled code runs against
// the same frame, so control can move between the interpreter and the JIT
// at any instruction boundary.
type Frame struct {
	method *CompiledMethod
	pc     int
	stack  []value.Value
	locals []value.Value // arguments, then temporaries
	self   value.Value
	interp *Interpreter
}

func (f *Frame) Method() jit.MethodID           { return f.method.id }
func (f *Frame) PC() int                        { return f.pc }
func (f *Frame) SetPC(pc int)                   { f.pc = pc }
func (f *Frame) Depth() int                     { return len(f.stack) }
func (f *Frame) Push(v value.Value)             { f.stack = append(f.stack, v) }
func (f *Frame) Peek(n int) value.Value         { return f.stack[len(f.stack)-1-n] }
func (f *Frame) Local(i int) value.Value        { return f.locals[i] }
func (f *Frame) SetLocal(i int, v value.Value)  { f.locals[i] = v }
func (f *Frame) Self() value.Value              { return f.self }
func (f *Frame) CompiledMethod() *CompiledMethod { return f.method }

func (f *Frame) Pop() value.Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *Frame) popN(n int) []value.Value {
	args := make([]value.Value, n)
	copy(args, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return args
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode for one thread of control. Interpreters of
// the same VM may run concurrently.
type Interpreter struct {
	vm    *VM
	depth int
}

// NewInterpreter creates an interpreter for vm.
func (vm *VM) NewInterpreter() *Interpreter {
	return &Interpreter{vm: vm}
}

// Send performs a full message send.
func (in *Interpreter) Send(recv value.Value, selector uint32, args []value.Value) (value.Value, error) {
	c := in.vm.ClassOfValue(recv)
	m, ok := in.vm.Classes.LookupMethod(c, selector)
	if !ok {
		return value.Nil, in.notUnderstood(recv, selector)
	}
	return in.Invoke(m, recv, args)
}

func (in *Interpreter) notUnderstood(recv value.Value, selector uint32) error {
	return errors.Wrapf(ErrDoesNotUnderstand, "%s does not understand #%s",
		in.vm.PrintString(recv), in.vm.Symbols.Name(selector))
}

// Invoke runs m with recv and args.
func (in *Interpreter) Invoke(m Method, recv value.Value, args []value.Value) (value.Value, error) {
	if in.depth >= in.vm.maxDepth {
		return value.Nil, errors.Wrapf(ErrStackOverflow, "%d nested activations", in.depth)
	}
	in.depth++
	defer func() { in.depth-- }()

	switch m := m.(type) {
	case *Primitive:
		if len(args) != m.Arity {
			return value.Nil, errors.Wrapf(ErrBadArgument, "%s expects %d arguments, got %d", m, m.Arity, len(args))
		}
		return m.Fn(in, recv, args)
	case *CompiledMethod:
		if len(args) != m.NumArgs() {
			return value.Nil, errors.Wrapf(ErrBadArgument, "%s expects %d arguments, got %d", m, m.NumArgs(), len(args))
		}
		return in.execute(m, recv, args)
	}
	return value.Nil, errors.Newf("unknown method kind %T", m)
}

func (in *Interpreter) execute(m *CompiledMethod, recv value.Value, args []value.Value) (value.Value, error) {
	f := &Frame{
		method: m,
		stack:  make([]value.Value, 0, 16),
		locals: make([]value.Value, m.Chunk.NumLocals()),
		self:   recv,
		interp: in,
	}
	copy(f.locals, args)
	for i := len(args); i < len(f.locals); i++ {
		f.locals[i] = value.Nil
	}

	if d := in.vm.driver; d != nil && in.vm.Profiler.RecordCall(m.id) {
		res, err := d.Enter(f)
		if err != nil {
			return value.Nil, err
		}
		if res.Outcome == jit.Returned {
			return res.Value, nil
		}
	}
	return in.run(f)
}

// run interprets f until it returns. Backward jumps to hot loop headers hand
// the frame to compiled code.
func (in *Interpreter) run(f *Frame) (value.Value, error) {
	for {
		pc := f.pc
		ret, v, err := in.exec(f)
		if err != nil {
			return value.Nil, err
		}
		if ret {
			return v, nil
		}
		// Only a taken jump moves the pc backwards.
		d := in.vm.driver
		if d == nil || f.pc > pc {
			continue
		}
		if !in.vm.Profiler.RecordLoop(jit.Position{Method: f.method.id, PC: f.pc}) {
			continue
		}
		res, err := d.Enter(f)
		if err != nil {
			return value.Nil, err
		}
		if res.Outcome == jit.Returned {
			return res.Value, nil
		}
	}
}

// exec executes exactly one instruction. It reports whether the activation
// returned, and with what.
func (in *Interpreter) exec(f *Frame) (bool, value.Value, error) {
	inst, err := bytecode.Decode(f.method.Chunk.Code, f.pc)
	if err != nil {
		return false, value.Nil, located(f.method, f.pc, err)
	}
	f.pc = inst.Next()
	ret, v, err := in.instruction(f, inst)
	if err != nil {
		return false, value.Nil, located(f.method, inst.PC, err)
	}
	return ret, v, nil
}

func (in *Interpreter) instruction(f *Frame, inst bytecode.Instruction) (bool, value.Value, error) {
	vm := in.vm
	switch op := inst.Op; op {
	case bytecode.OpNOP:
	case bytecode.OpPOP:
		f.Pop()
	case bytecode.OpDUP:
		f.Push(f.Peek(0))

	case bytecode.OpPushNil:
		f.Push(value.Nil)
	case bytecode.OpPushTrue:
		f.Push(value.True)
	case bytecode.OpPushFalse:
		f.Push(value.False)
	case bytecode.OpPushSelf:
		f.Push(f.self)
	case bytecode.OpPushInt8, bytecode.OpPushInt32:
		f.Push(value.FromSmallInt(int64(inst.A)))
	case bytecode.OpPushFloat:
		f.Push(value.FromFloat64(inst.F))
	case bytecode.OpPushLiteral:
		f.Push(f.method.Literals[inst.A])
	case bytecode.OpPushContext:
		f.Push(vm.Heap.Alloc(&Object{Class: vm.ContextClass, Kind: KindContext, Method: f.method, PC: inst.PC}))

	case bytecode.OpPushTemp:
		f.Push(f.locals[inst.A])
	case bytecode.OpStoreTemp:
		f.locals[inst.A] = f.Peek(0)

	case bytecode.OpPushIvar, bytecode.OpStoreIvar:
		o, ok := vm.Heap.Get(f.self)
		if !ok || o.Kind != KindInstance || inst.A >= len(o.Slots) {
			return false, value.Nil, errors.Wrapf(ErrBadIndex, "instance variable %d of %s", inst.A, vm.PrintString(f.self))
		}
		if op == bytecode.OpPushIvar {
			f.Push(o.Slots[inst.A])
		} else {
			o.Slots[inst.A] = f.Peek(0)
		}

	case bytecode.OpPushGlobal:
		sym := f.method.Literals[inst.A].SymbolID()
		v, ok := vm.Global(sym)
		if !ok {
			return false, value.Nil, errors.Wrapf(ErrUndefinedGlobal, "%s", vm.Symbols.Name(sym))
		}
		f.Push(v)
	case bytecode.OpStoreGlobal:
		vm.setGlobal(f.method.Literals[inst.A].SymbolID(), f.Peek(0))

	case bytecode.OpSend, bytecode.OpSendSuper:
		sel := f.method.Literals[inst.A].SymbolID()
		args := f.popN(inst.B)
		recv := f.Pop()
		var r value.Value
		var err error
		if op == bytecode.OpSend {
			r, err = in.send(f, inst.PC, recv, sel, args)
		} else {
			r, err = in.superSend(f, recv, sel, args)
		}
		if err != nil {
			return false, value.Nil, err
		}
		f.Push(r)

	case bytecode.OpJump:
		f.pc = inst.Target()
	case bytecode.OpJumpTrue, bytecode.OpJumpFalse, bytecode.OpJumpNil, bytecode.OpJumpNotNil:
		if conditionOf(op).Holds(f.Pop()) {
			f.pc = inst.Target()
		}

	case bytecode.OpReturnTop:
		return true, f.Pop(), nil
	case bytecode.OpReturnSelf:
		return true, f.self, nil
	case bytecode.OpReturnNil:
		return true, value.Nil, nil

	case bytecode.OpCreateArray:
		f.Push(vm.NewArray(f.popN(inst.A)))

	default:
		name, argc, ok := op.SpecialSelector()
		if !ok {
			return false, value.Nil, errors.Newf("unimplemented instruction %s", op)
		}
		if isNumericOp(op) {
			b, a := f.Peek(0), f.Peek(1)
			if r, ok, err := in.numeric(op, a, b); ok || err != nil {
				if err != nil {
					return false, value.Nil, err
				}
				f.Pop()
				f.Pop()
				f.Push(r)
				return false, value.Nil, nil
			}
		}
		args := f.popN(argc)
		recv := f.Pop()
		r, err := in.send(f, inst.PC, recv, vm.Symbols.Intern(name), args)
		if err != nil {
			return false, value.Nil, err
		}
		f.Push(r)
	}
	return false, value.Nil, nil
}

func conditionOf(op bytecode.Opcode) asm.Cond {
	switch op {
	case bytecode.OpJumpTrue:
		return asm.CondTrue
	case bytecode.OpJumpFalse:
		return asm.CondFalsy
	case bytecode.OpJumpNil:
		return asm.CondNil
	}
	return asm.CondNotNil
}

// send performs the send at pc of f through the site's cache.
func (in *Interpreter) send(f *Frame, pc int, recv value.Value, sel uint32, args []value.Value) (value.Value, error) {
	c := in.vm.ClassOfValue(recv)
	m, ok := f.method.caches.Resolve(pc, c.ID, in.vm.epoch.load(), func() (Method, bool) {
		return in.vm.Classes.LookupMethod(c, sel)
	})
	if !ok {
		return value.Nil, in.notUnderstood(recv, sel)
	}
	return in.Invoke(m, recv, args)
}

func (in *Interpreter) superSend(f *Frame, recv value.Value, sel uint32, args []value.Value) (value.Value, error) {
	super := f.method.class.Superclass
	if super == nil {
		return value.Nil, in.notUnderstood(recv, sel)
	}
	m, ok := in.vm.Classes.LookupMethod(super, sel)
	if !ok {
		return value.Nil, in.notUnderstood(recv, sel)
	}
	return in.Invoke(m, recv, args)
}

// ---------------------------------------------------------------------------
// Numeric primitives of the optimized sends
// ---------------------------------------------------------------------------

// numeric applies the built-in meaning of a binary optimized send when both
// operands are numbers and the receiver's class does not define the selector
// itself. ok is false when a full send is needed.
func (in *Interpreter) numeric(op bytecode.Opcode, a, b value.Value) (r value.Value, ok bool, err error) {
	if !isNumber(a) || !isNumber(b) {
		return value.Nil, false, nil
	}
	name, _ := op.BinarySelector()
	if sel, known := in.vm.Symbols.Lookup(name); known {
		if _, overridden := in.vm.Classes.Own(in.vm.ClassOfValue(a), sel); overridden {
			return value.Nil, false, nil
		}
	}
	r, err = numberOp(op, a, b)
	return r, true, err
}

func isNumericOp(op bytecode.Opcode) bool {
	_, arith := arithOf[op]
	_, cmp := compareOf[op]
	return arith || cmp || op == bytecode.OpSendDiv || op == bytecode.OpSendMod
}

func isNumber(v value.Value) bool { return v.IsSmallInt() || v.IsFloat() }

func toFloat(v value.Value) float64 {
	if v.IsSmallInt() {
		return float64(v.SmallInt())
	}
	return v.Float64()
}

var arithOf = map[bytecode.Opcode]asm.ArithKind{
	bytecode.OpSendPlus:  asm.ArithAdd,
	bytecode.OpSendMinus: asm.ArithSub,
	bytecode.OpSendTimes: asm.ArithMul,
}

var compareOf = map[bytecode.Opcode]asm.CmpKind{
	bytecode.OpSendLT: asm.CmpLT,
	bytecode.OpSendGT: asm.CmpGT,
	bytecode.OpSendLE: asm.CmpLE,
	bytecode.OpSendGE: asm.CmpGE,
	bytecode.OpSendEQ: asm.CmpEQ,
	bytecode.OpSendNE: asm.CmpNE,
}

// intOp is SmallInteger arithmetic; results that do not fit become Floats.
func intOp(op bytecode.Opcode, x, y int64) (value.Value, error) {
	if k, ok := arithOf[op]; ok {
		if r, ok := k.Apply(x, y); ok {
			return r, nil
		}
		return floatOp(op, float64(x), float64(y))
	}
	if k, ok := compareOf[op]; ok {
		return value.FromBool(k.Apply(x, y)), nil
	}
	if y == 0 {
		return value.Nil, ErrZeroDivide
	}
	switch op {
	case bytecode.OpSendDiv:
		if x%y == 0 {
			if r, ok := value.TryFromSmallInt(x / y); ok {
				return r, nil
			}
		}
		return value.FromFloat64(float64(x) / float64(y)), nil
	case bytecode.OpSendMod:
		m := x % y
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return value.FromSmallInt(m), nil
	}
	return value.Nil, errors.Newf("no integer primitive for %s", op)
}

func floatOp(op bytecode.Opcode, x, y float64) (value.Value, error) {
	switch op {
	case bytecode.OpSendPlus:
		return value.FromFloat64(x + y), nil
	case bytecode.OpSendMinus:
		return value.FromFloat64(x - y), nil
	case bytecode.OpSendTimes:
		return value.FromFloat64(x * y), nil
	case bytecode.OpSendDiv:
		if y == 0 {
			return value.Nil, ErrZeroDivide
		}
		return value.FromFloat64(x / y), nil
	case bytecode.OpSendMod:
		if y == 0 {
			return value.Nil, ErrZeroDivide
		}
		return value.FromFloat64(x - y*math.Floor(x/y)), nil
	case bytecode.OpSendLT:
		return value.FromBool(x < y), nil
	case bytecode.OpSendGT:
		return value.FromBool(x > y), nil
	case bytecode.OpSendLE:
		return value.FromBool(x <= y), nil
	case bytecode.OpSendGE:
		return value.FromBool(x >= y), nil
	case bytecode.OpSendEQ:
		return value.FromBool(x == y), nil
	case bytecode.OpSendNE:
		return value.FromBool(x != y), nil
	}
	return value.Nil, errors.Newf("no float primitive for %s", op)
}
