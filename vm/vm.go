package vm

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

var log = commonlog.GetLogger("bbv.vm")

// DefaultMaxDepth is the default limit on nested activations.
const DefaultMaxDepth = 10000

// Options configures a VM.
type Options struct {
	JIT      jit.Options
	MaxDepth int
	Out      io.Writer // defaults to os.Stdout
}

// DefaultOptions returns a VM configuration with the JIT enabled.
func DefaultOptions() Options {
	return Options{JIT: jit.DefaultOptions(), MaxDepth: DefaultMaxDepth}
}

// ---------------------------------------------------------------------------
// VM: The bbv virtual machine
// ---------------------------------------------------------------------------

// VM is a host runtime: classes, methods, globals, a heap and, when enabled,
// a JIT driver the interpreter hands hot code to. It implements jit.Runtime.
type VM struct {
	Symbols  *SymbolTable
	Classes  *ClassTable
	Heap     *Heap
	Profiler *Profiler

	// Well-known classes
	ObjectClass          *Class
	UndefinedObjectClass *Class
	BooleanClass         *Class
	TrueClass            *Class
	FalseClass           *Class
	NumberClass          *Class
	SmallIntegerClass    *Class
	FloatClass           *Class
	SymbolClass          *Class
	StringClass          *Class
	ArrayClass           *Class
	ClassClass           *Class
	ContextClass         *Class

	globalsMu sync.RWMutex
	globals   map[uint32]value.Value

	methodsMu sync.RWMutex
	methods   []Method // ID-1 -> method

	epoch    methodEpoch
	driver   *jit.Driver
	maxDepth int

	outMu sync.Mutex
	out   io.Writer
}

// New creates a VM with the core classes and primitives installed.
func New(opts Options) (*VM, error) {
	vm := &VM{
		Symbols:  NewSymbolTable(),
		Classes:  NewClassTable(),
		Heap:     NewHeap(),
		Profiler: NewProfiler(uint64(opts.JIT.CallThreshold), uint64(opts.JIT.LoopThreshold)),
		globals:  make(map[uint32]value.Value),
		maxDepth: opts.MaxDepth,
		out:      opts.Out,
	}
	if vm.maxDepth <= 0 {
		vm.maxDepth = DefaultMaxDepth
	}
	if vm.out == nil {
		vm.out = os.Stdout
	}
	if err := vm.bootstrap(); err != nil {
		return nil, err
	}
	if opts.JIT.Enabled {
		d, err := jit.NewDriver(vm, opts.JIT)
		if err != nil {
			return nil, errors.Wrap(err, "starting JIT")
		}
		vm.driver = d
	}
	return vm, nil
}

func (vm *VM) bootstrap() error {
	type spec struct {
		dst   **Class
		name  string
		super **Class
	}
	specs := []spec{
		{&vm.ObjectClass, "Object", nil},
		{&vm.UndefinedObjectClass, "UndefinedObject", &vm.ObjectClass},
		{&vm.BooleanClass, "Boolean", &vm.ObjectClass},
		{&vm.TrueClass, "True", &vm.BooleanClass},
		{&vm.FalseClass, "False", &vm.BooleanClass},
		{&vm.NumberClass, "Number", &vm.ObjectClass},
		{&vm.SmallIntegerClass, "SmallInteger", &vm.NumberClass},
		{&vm.FloatClass, "Float", &vm.NumberClass},
		{&vm.SymbolClass, "Symbol", &vm.ObjectClass},
		{&vm.StringClass, "String", &vm.ObjectClass},
		{&vm.ArrayClass, "Array", &vm.ObjectClass},
		{&vm.ClassClass, "Class", &vm.ObjectClass},
		{&vm.ContextClass, "Context", &vm.ObjectClass},
	}
	for _, s := range specs {
		var super *Class
		if s.super != nil {
			super = *s.super
		}
		c, err := vm.Classes.Define(s.name, super, nil)
		if err != nil {
			return err
		}
		*s.dst = c
	}
	for _, c := range vm.Classes.All() {
		vm.publishClass(c)
	}
	vm.installPrimitives()
	return nil
}

// publishClass creates the class object of c and binds it to c's name.
func (vm *VM) publishClass(c *Class) {
	c.Object = vm.Heap.Alloc(&Object{Class: vm.ClassClass, Kind: KindClass, Represents: c})
	vm.SetGlobal(c.Name, c.Object)
}

// Driver returns the JIT driver, or nil when the JIT is off.
func (vm *VM) Driver() *jit.Driver { return vm.driver }

// JITStats returns the driver's counters; the zero value when the JIT is off.
func (vm *VM) JITStats() jit.Stats {
	if vm.driver == nil {
		return jit.Stats{}
	}
	return vm.driver.Stats()
}

func (vm *VM) invalidate(k jit.AssumptionKey) {
	if vm.driver != nil {
		vm.driver.InvalidateAll(k)
	}
}

// ---------------------------------------------------------------------------
// Classes and methods
// ---------------------------------------------------------------------------

// DefineClass creates a class and binds it as a global.
func (vm *VM) DefineClass(name string, superclass *Class, instVars []string) (*Class, error) {
	c, err := vm.Classes.Define(name, superclass, instVars)
	if err != nil {
		return nil, err
	}
	vm.publishClass(c)
	log.Debugf("defined class %s", name)
	return c, nil
}

func (vm *VM) registerMethod(m interface{ setID(jit.MethodID) }) {
	vm.methodsMu.Lock()
	defer vm.methodsMu.Unlock()
	vm.methods = append(vm.methods, m.(Method))
	m.setID(jit.MethodID(len(vm.methods)))
}

func (m *CompiledMethod) setID(id jit.MethodID) { m.id = id; m.info.ID = id }
func (p *Primitive) setID(id jit.MethodID)      { p.id = id }

// MethodByID returns a method by ID.
func (vm *VM) MethodByID(id jit.MethodID) (Method, bool) {
	vm.methodsMu.RLock()
	defer vm.methodsMu.RUnlock()
	if id == 0 || int(id) > len(vm.methods) {
		return nil, false
	}
	return vm.methods[id-1], true
}

// Compile turns a chunk into a method of c without installing it.
func (vm *VM) Compile(c *Class, selector string, chunk *bytecode.Chunk) (*CompiledMethod, error) {
	if _, err := bytecode.Instructions(chunk.Code); err != nil {
		return nil, errors.Wrapf(err, "%s>>%s", c.Name, selector)
	}
	lits := make([]value.Value, len(chunk.Literals))
	for i, lit := range chunk.Literals {
		lits[i] = vm.literal(lit)
	}
	m := &CompiledMethod{
		class:    c,
		selector: selector,
		Chunk:    chunk,
		Literals: lits,
		caches:   NewSendCacheTable(),
	}
	m.info = &jit.MethodInfo{
		Name:      c.Name + ">>" + selector,
		Code:      chunk.Code,
		Literals:  lits,
		NumArgs:   chunk.NumArgs,
		NumLocals: chunk.NumLocals(),
	}
	vm.registerMethod(m)
	return m, nil
}

func (vm *VM) literal(lit bytecode.Literal) value.Value {
	switch lit.Kind {
	case bytecode.LitInt:
		if v, ok := value.TryFromSmallInt(lit.Int); ok {
			return v
		}
		return value.FromFloat64(float64(lit.Int))
	case bytecode.LitFloat:
		return value.FromFloat64(lit.Float)
	case bytecode.LitString:
		return vm.NewString(lit.Str)
	}
	return value.FromSymbolID(vm.Symbols.Intern(lit.Str))
}

// DefineMethod installs m under selector in c, replacing any previous
// definition. Compiled code that depended on c's dictionary is discarded
// before the new method can be observed.
func (vm *VM) DefineMethod(c *Class, selector string, m Method) {
	sel := vm.Symbols.Intern(selector)
	vm.Classes.install(c, sel, m)
	vm.epoch.bump()
	vm.invalidate(jit.ClassMethodsKey(c.ID))
	log.Debugf("defined %s>>%s", c.Name, selector)
}

// DefineBytecode compiles and installs a bytecode method.
func (vm *VM) DefineBytecode(c *Class, selector string, chunk *bytecode.Chunk) (*CompiledMethod, error) {
	m, err := vm.Compile(c, selector, chunk)
	if err != nil {
		return nil, err
	}
	vm.DefineMethod(c, selector, m)
	return m, nil
}

// DefinePrimitive installs a Go method.
func (vm *VM) DefinePrimitive(c *Class, selector string, fn PrimitiveFunc) *Primitive {
	arity := vm.Symbols.Arity(vm.Symbols.Intern(selector))
	p := &Primitive{class: c, selector: selector, Arity: arity, Fn: fn}
	vm.registerMethod(p)
	vm.DefineMethod(c, selector, p)
	return p
}

// RemoveMethod removes selector from c's own dictionary.
func (vm *VM) RemoveMethod(c *Class, selector string) bool {
	sel, ok := vm.Symbols.Lookup(selector)
	if !ok || !vm.Classes.remove(c, sel) {
		return false
	}
	vm.epoch.bump()
	vm.invalidate(jit.ClassMethodsKey(c.ID))
	log.Debugf("removed %s>>%s", c.Name, selector)
	return true
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// SetGlobal binds name. Compiled code that folded the old binding is
// discarded first.
func (vm *VM) SetGlobal(name string, v value.Value) {
	vm.setGlobal(vm.Symbols.Intern(name), v)
}

func (vm *VM) setGlobal(sym uint32, v value.Value) {
	vm.globalsMu.Lock()
	vm.globals[sym] = v
	vm.globalsMu.Unlock()
	vm.invalidate(jit.GlobalKey(sym))
}

// GlobalValue returns the binding of name.
func (vm *VM) GlobalValue(name string) (value.Value, bool) {
	sym, ok := vm.Symbols.Lookup(name)
	if !ok {
		return value.Nil, false
	}
	return vm.Global(sym)
}

// ---------------------------------------------------------------------------
// Object creation and inspection
// ---------------------------------------------------------------------------

// NewString allocates a string.
func (vm *VM) NewString(s string) value.Value {
	return vm.Heap.Alloc(&Object{Class: vm.StringClass, Kind: KindString, Str: s})
}

// NewArray allocates an array holding elems.
func (vm *VM) NewArray(elems []value.Value) value.Value {
	return vm.Heap.Alloc(&Object{Class: vm.ArrayClass, Kind: KindArray, Slots: elems})
}

// NewInstance allocates an instance of c with every slot nil.
func (vm *VM) NewInstance(c *Class) value.Value {
	slots := make([]value.Value, c.NumSlots)
	for i := range slots {
		slots[i] = value.Nil
	}
	return vm.Heap.Alloc(&Object{Class: c, Kind: KindInstance, Slots: slots})
}

// ClassOfValue returns the class of v.
func (vm *VM) ClassOfValue(v value.Value) *Class {
	switch v.Tag() {
	case value.TagSmallInt:
		return vm.SmallIntegerClass
	case value.TagFloat:
		return vm.FloatClass
	case value.TagSymbol:
		return vm.SymbolClass
	case value.TagNil:
		return vm.UndefinedObjectClass
	case value.TagTrue:
		return vm.TrueClass
	case value.TagFalse:
		return vm.FalseClass
	}
	if o, ok := vm.Heap.Get(v); ok {
		return o.Class
	}
	return vm.ObjectClass
}

// StringValue returns the contents of a string object.
func (vm *VM) StringValue(v value.Value) (string, bool) {
	o, ok := vm.Heap.Get(v)
	if !ok || o.Kind != KindString {
		return "", false
	}
	return o.Str, true
}

func (vm *VM) write(s string) error {
	vm.outMu.Lock()
	defer vm.outMu.Unlock()
	_, err := io.WriteString(vm.out, s)
	return err
}

// ---------------------------------------------------------------------------
// Loading and running programs
// ---------------------------------------------------------------------------

// Load defines the classes and methods of an assembled program. Methods of
// classes that already exist are added to them, replacing earlier
// definitions.
func (vm *VM) Load(prog *bytecode.Program) error {
	for _, cd := range prog.Classes {
		super := vm.Classes.Lookup(cd.Super)
		if super == nil {
			return errors.Newf("line %d: class %s: unknown superclass %s", cd.Line, cd.Name, cd.Super)
		}
		if _, err := vm.DefineClass(cd.Name, super, cd.InstVars); err != nil {
			return errors.Wrapf(err, "line %d", cd.Line)
		}
	}
	for _, md := range prog.Methods {
		c := vm.Classes.Lookup(md.Class)
		if c == nil {
			return errors.Newf("line %d: method %s: unknown class %s", md.Line, md.Selector, md.Class)
		}
		if want := vm.Symbols.Arity(vm.Symbols.Intern(md.Selector)); want != md.Chunk.NumArgs {
			return errors.Newf("line %d: %s>>%s takes %d arguments, declared %d",
				md.Line, md.Class, md.Selector, want, md.Chunk.NumArgs)
		}
		if _, err := vm.DefineBytecode(c, md.Selector, md.Chunk); err != nil {
			return errors.Wrapf(err, "line %d", md.Line)
		}
	}
	return nil
}

// LoadSource assembles and loads a program text.
func (vm *VM) LoadSource(src string) error {
	prog, err := bytecode.Parse(src)
	if err != nil {
		return err
	}
	return vm.Load(prog)
}

// Send sends selector to recv on a fresh interpreter.
func (vm *VM) Send(recv value.Value, selector string, args ...value.Value) (value.Value, error) {
	return vm.NewInterpreter().Send(recv, vm.Symbols.Intern(selector), args)
}

// Run executes an entry point written Class>>selector with nil as the
// receiver. A bare selector is sent to nil.
func (vm *VM) Run(entry string) (value.Value, error) {
	class, selector, found := strings.Cut(entry, ">>")
	if !found {
		return vm.Send(value.Nil, entry)
	}
	c := vm.Classes.Lookup(class)
	if c == nil {
		return value.Nil, errors.Newf("unknown class %s", class)
	}
	m, ok := vm.Classes.LookupMethod(c, vm.Symbols.Intern(selector))
	if !ok {
		return value.Nil, errors.Wrapf(ErrDoesNotUnderstand, "%s does not define %s", class, selector)
	}
	return vm.NewInterpreter().Invoke(m, value.Nil, nil)
}
