package jit

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

const (
	clsObject ClassID = iota + 1
	clsSmallInteger
	clsFloat
	clsSymbol
	clsUndefined
	clsTrue
	clsFalse
	clsPoint
	clsPoint3D
)

type native func(recv value.Value, args []value.Value) (value.Value, error)

// fakeRuntime is a minimal host: a few fixed classes, Go-implemented or
// bytecode methods, globals, and an interpreter for the instruction set.
type fakeRuntime struct {
	mu       sync.RWMutex
	methods  map[MethodID]*MethodInfo
	natives  map[MethodID]native
	dict     map[ClassID]map[uint32]MethodID
	super    map[ClassID]ClassID
	globals  map[uint32]value.Value
	symbols  map[string]uint32
	objClass map[uint64]ClassID
	nextID   MethodID

	driver *Driver

	steps   atomic.Int64
	invokes atomic.Int64
}

func newFakeRuntime() *fakeRuntime {
	rt := &fakeRuntime{
		methods:  make(map[MethodID]*MethodInfo),
		natives:  make(map[MethodID]native),
		dict:     make(map[ClassID]map[uint32]MethodID),
		super:    make(map[ClassID]ClassID),
		globals:  make(map[uint32]value.Value),
		symbols:  make(map[string]uint32),
		objClass: make(map[uint64]ClassID),
	}
	for c := clsSmallInteger; c <= clsPoint; c++ {
		rt.super[c] = clsObject
	}
	rt.super[clsPoint3D] = clsPoint
	return rt
}

func (rt *fakeRuntime) Intern(name string) uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id, ok := rt.symbols[name]; ok {
		return id
	}
	id := uint32(len(rt.symbols) + 1)
	rt.symbols[name] = id
	return id
}

func (rt *fakeRuntime) sym(name string) value.Value {
	return value.FromSymbolID(rt.Intern(name))
}

// addMethod registers bytecode code as a method and returns its ID.
func (rt *fakeRuntime) addMethod(name string, code []byte, lits []value.Value, args, locals int) MethodID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	id := rt.nextID
	rt.methods[id] = &MethodInfo{ID: id, Name: name, Code: code, Literals: lits, NumArgs: args, NumLocals: locals}
	return id
}

// define installs m under selector in class c and invalidates dependents.
func (rt *fakeRuntime) define(c ClassID, selector string, m MethodID) {
	sel := rt.Intern(selector)
	rt.mu.Lock()
	if rt.dict[c] == nil {
		rt.dict[c] = make(map[uint32]MethodID)
	}
	rt.dict[c][sel] = m
	rt.mu.Unlock()
	if rt.driver != nil {
		rt.driver.InvalidateAll(ClassMethodsKey(c))
	}
}

func (rt *fakeRuntime) defineNative(c ClassID, selector string, fn native) MethodID {
	m := rt.addMethod(selector, nil, nil, 0, 0)
	rt.mu.Lock()
	rt.natives[m] = fn
	rt.mu.Unlock()
	rt.define(c, selector, m)
	return m
}

func (rt *fakeRuntime) setGlobal(name string, v value.Value) {
	sym := rt.Intern(name)
	rt.mu.Lock()
	rt.globals[sym] = v
	rt.mu.Unlock()
	if rt.driver != nil {
		rt.driver.InvalidateAll(GlobalKey(sym))
	}
}

func (rt *fakeRuntime) newObject(c ClassID) value.Value {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := uint64(len(rt.objClass) + 1)
	rt.objClass[id] = c
	return value.FromObjectID(id)
}

func (rt *fakeRuntime) Method(id MethodID) (*MethodInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.methods[id]
	return m, ok && m.Code != nil
}

func (rt *fakeRuntime) TypeOf(v value.Value) Type {
	if t, ok := ImmediateType(v); ok {
		return t
	}
	return ObjectType(rt.ClassOf(v))
}

func (rt *fakeRuntime) ClassOf(v value.Value) ClassID {
	switch v.Tag() {
	case value.TagSmallInt:
		return clsSmallInteger
	case value.TagFloat:
		return clsFloat
	case value.TagSymbol:
		return clsSymbol
	case value.TagNil:
		return clsUndefined
	case value.TagTrue:
		return clsTrue
	case value.TagFalse:
		return clsFalse
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.objClass[v.ObjectID()]
}

func (rt *fakeRuntime) ClassOfType(t Type) (ClassID, bool) {
	switch t.Kind {
	case KindFixnum:
		return clsSmallInteger, true
	case KindFlonum:
		return clsFloat, true
	case KindSymbol:
		return clsSymbol, true
	case KindNil:
		return clsUndefined, true
	case KindTrue:
		return clsTrue, true
	case KindFalse:
		return clsFalse, true
	case KindObject:
		return t.Class, true
	}
	return 0, false
}

func (rt *fakeRuntime) Ancestry(c ClassID) []ClassID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []ClassID
	for c != 0 {
		out = append(out, c)
		c = rt.super[c]
	}
	return out
}

func (rt *fakeRuntime) Lookup(c ClassID, selector uint32) (MethodID, bool) {
	for _, k := range rt.Ancestry(c) {
		rt.mu.RLock()
		m, ok := rt.dict[k][selector]
		rt.mu.RUnlock()
		if ok {
			return m, true
		}
	}
	return 0, false
}

func (rt *fakeRuntime) PrimitiveIntact(c ClassID, selector uint32) bool {
	_, overridden := rt.Lookup(c, selector)
	return !overridden
}

func (rt *fakeRuntime) Global(sym uint32) (value.Value, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	v, ok := rt.globals[sym]
	return v, ok
}

func (rt *fakeRuntime) Step(f Frame, pc int) error {
	rt.steps.Add(1)
	ff := f.(*fakeFrame)
	ff.pc = pc
	ret, _, err := rt.exec(ff)
	if err != nil {
		return err
	}
	if ret {
		return errors.New("fake: step of a return")
	}
	return nil
}

func (rt *fakeRuntime) Invoke(f Frame, m MethodID, argc int, pc int) error {
	rt.invokes.Add(1)
	ff := f.(*fakeFrame)
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = ff.Pop()
	}
	recv := ff.Pop()
	r, err := rt.call(m, recv, args)
	if err != nil {
		return err
	}
	ff.Push(r)
	return nil
}

func (rt *fakeRuntime) call(m MethodID, recv value.Value, args []value.Value) (value.Value, error) {
	rt.mu.RLock()
	fn := rt.natives[m]
	rt.mu.RUnlock()
	if fn != nil {
		return fn(recv, args)
	}
	return rt.run(m, recv, args...)
}

// run executes a bytecode method, entering compiled code first when a driver
// is attached.
func (rt *fakeRuntime) run(m MethodID, recv value.Value, args ...value.Value) (value.Value, error) {
	info, ok := rt.Method(m)
	if !ok {
		return value.Nil, errors.Newf("fake: no method %d", m)
	}
	f := &fakeFrame{method: m, self: recv, locals: make([]value.Value, info.NumLocals)}
	for i := range f.locals {
		f.locals[i] = value.Nil
	}
	copy(f.locals, args)
	if rt.driver != nil {
		res, err := rt.driver.Enter(f)
		if err != nil {
			return value.Nil, err
		}
		if res.Outcome == Returned {
			return res.Value, nil
		}
	}
	for {
		ret, v, err := rt.exec(f)
		if err != nil {
			return value.Nil, err
		}
		if ret {
			return v, nil
		}
	}
}

func condOf(op bytecode.Opcode) asm.Cond {
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

// exec interprets one instruction.
func (rt *fakeRuntime) exec(f *fakeFrame) (bool, value.Value, error) {
	info, _ := rt.Method(f.method)
	in, err := bytecode.Decode(info.Code, f.pc)
	if err != nil {
		return false, value.Nil, err
	}
	next := in.Next()
	switch in.Op {
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
		f.Push(value.FromSmallInt(int64(in.A)))
	case bytecode.OpPushFloat:
		f.Push(value.FromFloat64(in.F))
	case bytecode.OpPushLiteral:
		f.Push(info.Literals[in.A])
	case bytecode.OpPushContext:
		f.Push(value.Nil)
	case bytecode.OpPushTemp:
		f.Push(f.locals[in.A])
	case bytecode.OpStoreTemp:
		f.locals[in.A] = f.Peek(0)
	case bytecode.OpPushGlobal:
		v, ok := rt.Global(info.Literals[in.A].SymbolID())
		if !ok {
			return false, value.Nil, errors.New("fake: undefined global")
		}
		f.Push(v)
	case bytecode.OpSend:
		sel := info.Literals[in.A].SymbolID()
		args := make([]value.Value, in.B)
		for i := in.B - 1; i >= 0; i-- {
			args[i] = f.Pop()
		}
		recv := f.Pop()
		m, ok := rt.Lookup(rt.ClassOf(recv), sel)
		if !ok {
			return false, value.Nil, errors.Newf("fake: %v does not understand %d", recv, sel)
		}
		r, err := rt.call(m, recv, args)
		if err != nil {
			return false, value.Nil, err
		}
		f.Push(r)
	case bytecode.OpJump:
		next = in.Target()
	case bytecode.OpJumpTrue, bytecode.OpJumpFalse, bytecode.OpJumpNil, bytecode.OpJumpNotNil:
		if condOf(in.Op).Holds(f.Pop()) {
			next = in.Target()
		}
	case bytecode.OpReturnTop:
		return true, f.Pop(), nil
	case bytecode.OpReturnSelf:
		return true, f.self, nil
	case bytecode.OpReturnNil:
		return true, value.Nil, nil
	default:
		name, _, ok := in.Op.SpecialSelector()
		if !ok {
			return false, value.Nil, errors.Newf("fake: cannot execute %s", in.Op)
		}
		b := f.Pop()
		a := f.Pop()
		if m, ok := rt.Lookup(rt.ClassOf(a), rt.Intern(name)); ok {
			r, err := rt.call(m, a, []value.Value{b})
			if err != nil {
				return false, value.Nil, err
			}
			f.Push(r)
			break
		}
		r, err := binary(in.Op, a, b)
		if err != nil {
			return false, value.Nil, err
		}
		f.Push(r)
	}
	f.pc = next
	return false, value.Nil, nil
}

func number(v value.Value) (float64, bool) {
	switch {
	case v.IsSmallInt():
		return float64(v.SmallInt()), true
	case v.IsFloat():
		return v.Float64(), true
	}
	return 0, false
}

// binary is the primitive meaning of the optimized arithmetic sends.
func binary(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		x, y := a.SmallInt(), b.SmallInt()
		switch op {
		case bytecode.OpSendPlus, bytecode.OpSendMinus, bytecode.OpSendTimes:
			k := map[bytecode.Opcode]asm.ArithKind{
				bytecode.OpSendPlus: asm.ArithAdd, bytecode.OpSendMinus: asm.ArithSub, bytecode.OpSendTimes: asm.ArithMul,
			}[op]
			if r, ok := k.Apply(x, y); ok {
				return r, nil
			}
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
	}
	x, ok1 := number(a)
	y, ok2 := number(b)
	if !ok1 || !ok2 {
		return value.Nil, errors.Newf("fake: %s on %v and %v", op, a, b)
	}
	switch op {
	case bytecode.OpSendPlus:
		return value.FromFloat64(x + y), nil
	case bytecode.OpSendMinus:
		return value.FromFloat64(x - y), nil
	case bytecode.OpSendTimes:
		return value.FromFloat64(x * y), nil
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
	return value.Nil, errors.Newf("fake: unsupported %s", op)
}

type fakeFrame struct {
	method MethodID
	pc     int
	stack  []value.Value
	locals []value.Value
	self   value.Value
}

func (f *fakeFrame) Method() MethodID { return f.method }
func (f *fakeFrame) PC() int { return f.pc }
func (f *fakeFrame) SetPC(pc int) { f.pc = pc }
func (f *fakeFrame) Depth() int { return len(f.stack) }
func (f *fakeFrame) Push(v value.Value) { f.stack = append(f.stack, v) }
func (f *fakeFrame) Peek(n int) value.Value { return f.stack[len(f.stack)-1-n] }
func (f *fakeFrame) Local(i int) value.Value { return f.locals[i] }
func (f *fakeFrame) SetLocal(i int, v value.Value) { f.locals[i] = v }
func (f *fakeFrame) Self() value.Value { return f.self }

func (f *fakeFrame) Pop() value.Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}
