package vm

import (
	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

// Method is anything a send can run: bytecode or a Go primitive.
type Method interface {
	ID() jit.MethodID
	Selector() string
	// Class is the class whose dictionary holds the method.
	Class() *Class
}

// CompiledMethod is a method defined in bytecode.
type CompiledMethod struct {
	id       jit.MethodID
	class    *Class
	selector string

	Chunk    *bytecode.Chunk
	Literals []value.Value // materialized literal frame

	info   *jit.MethodInfo
	caches *SendCacheTable
}

func (m *CompiledMethod) ID() jit.MethodID { return m.id }
func (m *CompiledMethod) Selector() string { return m.selector }
func (m *CompiledMethod) Class() *Class    { return m.class }

// NumArgs returns the number of arguments the method takes.
func (m *CompiledMethod) NumArgs() int { return m.Chunk.NumArgs }

// String returns Class>>selector.
func (m *CompiledMethod) String() string {
	return m.class.Name + ">>" + m.selector
}

// PrimitiveFunc implements a primitive. args has exactly the primitive's
// arity.
type PrimitiveFunc func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error)

// Primitive is a method implemented in Go.
type Primitive struct {
	id       jit.MethodID
	class    *Class
	selector string
	Arity    int
	Fn       PrimitiveFunc
}

func (p *Primitive) ID() jit.MethodID { return p.id }
func (p *Primitive) Selector() string { return p.selector }
func (p *Primitive) Class() *Class    { return p.class }

func (p *Primitive) String() string {
	return p.class.Name + ">>" + p.selector + " <primitive>"
}
