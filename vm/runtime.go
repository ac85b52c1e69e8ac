package vm

import (
	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/value"
)

// The methods below make *VM the jit.Runtime its driver specializes against.

var _ jit.Runtime = (*VM)(nil)

// Method returns the bytecode of a compiled method. Primitives have none.
func (vm *VM) Method(id jit.MethodID) (*jit.MethodInfo, bool) {
	m, ok := vm.MethodByID(id)
	if !ok {
		return nil, false
	}
	cm, ok := m.(*CompiledMethod)
	if !ok {
		return nil, false
	}
	return cm.info, true
}

func (vm *VM) TypeOf(v value.Value) jit.Type {
	if t, ok := jit.ImmediateType(v); ok {
		return t
	}
	return jit.ObjectType(vm.ClassOfValue(v).ID)
}

func (vm *VM) ClassOf(v value.Value) jit.ClassID {
	return vm.ClassOfValue(v).ID
}

func (vm *VM) ClassOfType(t jit.Type) (jit.ClassID, bool) {
	var c *Class
	switch t.Kind {
	case jit.KindFixnum:
		c = vm.SmallIntegerClass
	case jit.KindFlonum:
		c = vm.FloatClass
	case jit.KindSymbol:
		c = vm.SymbolClass
	case jit.KindNil:
		c = vm.UndefinedObjectClass
	case jit.KindTrue:
		c = vm.TrueClass
	case jit.KindFalse:
		c = vm.FalseClass
	case jit.KindObject:
		return t.Class, t.Class != 0
	default:
		return 0, false
	}
	return c.ID, true
}

func (vm *VM) Ancestry(id jit.ClassID) []jit.ClassID {
	c := vm.Classes.ByID(id)
	if c == nil {
		return nil
	}
	var out []jit.ClassID
	for _, a := range c.Ancestry() {
		out = append(out, a.ID)
	}
	return out
}

func (vm *VM) Lookup(id jit.ClassID, selector uint32) (jit.MethodID, bool) {
	c := vm.Classes.ByID(id)
	if c == nil {
		return 0, false
	}
	m, ok := vm.Classes.LookupMethod(c, selector)
	if !ok {
		return 0, false
	}
	return m.ID(), true
}

// PrimitiveIntact reports whether c leaves selector to the built-in
// numeric primitive, which holds as long as c itself does not define it.
func (vm *VM) PrimitiveIntact(id jit.ClassID, selector uint32) bool {
	c := vm.Classes.ByID(id)
	if c == nil {
		return false
	}
	_, overridden := vm.Classes.Own(c, selector)
	return !overridden
}

func (vm *VM) Intern(name string) uint32 { return vm.Symbols.Intern(name) }

func (vm *VM) Global(sym uint32) (value.Value, bool) {
	vm.globalsMu.RLock()
	defer vm.globalsMu.RUnlock()
	v, ok := vm.globals[sym]
	return v, ok
}

// Step interprets the single instruction at pc on behalf of compiled code.
func (vm *VM) Step(jf jit.Frame, pc int) error {
	f := jf.(*Frame)
	f.pc = pc
	ret, _, err := f.interp.exec(f)
	if err != nil {
		return err
	}
	if ret {
		return errors.AssertionFailedf("%s @%04d: compiled code stepped a return", f.method, pc)
	}
	return nil
}

// Invoke runs a send compiled code resolved ahead of time.
func (vm *VM) Invoke(jf jit.Frame, id jit.MethodID, argc int, pc int) error {
	f := jf.(*Frame)
	m, ok := vm.MethodByID(id)
	if !ok {
		return errors.AssertionFailedf("compiled code invoked unknown method %d", id)
	}
	args := f.popN(argc)
	recv := f.Pop()
	r, err := f.interp.Invoke(m, recv, args)
	if err != nil {
		return located(f.method, pc, err)
	}
	f.Push(r)
	return nil
}
