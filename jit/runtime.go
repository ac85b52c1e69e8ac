package jit

import (
	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/value"
)

// Frame is an interpreter activation the JIT can enter.
type Frame interface {
	asm.Frame
	Method() MethodID
}

// MethodInfo is what the compiler needs to know about a bytecode method.
type MethodInfo struct {
	ID        MethodID
	Name      string
	Code      []byte
	Literals  []value.Value
	NumArgs   int
	NumLocals int
}

// Runtime is the host the compiler specializes against and that compiled
// code calls back into. Implementations must be safe for concurrent use.
//
// Host state that compiled code may bake in (method dictionaries, globals)
// must be changed through Driver.InvalidateAll so dependents are discarded.
type Runtime interface {
	Method(id MethodID) (*MethodInfo, bool)

	// TypeOf returns the exact type of a live value.
	TypeOf(v value.Value) Type
	ClassOf(v value.Value) ClassID
	// ClassOfType maps a known type to the class whose methods apply to it.
	ClassOfType(t Type) (ClassID, bool)
	// Ancestry lists c and its superclasses, nearest first.
	Ancestry(c ClassID) []ClassID
	// Lookup finds the method a send of selector to an instance of c runs.
	Lookup(c ClassID, selector uint32) (MethodID, bool)
	// PrimitiveIntact reports whether an optimized send of selector to
	// instances of c still has its built-in meaning.
	PrimitiveIntact(c ClassID, selector uint32) bool
	// Intern returns the symbol of a selector name.
	Intern(name string) uint32
	Global(sym uint32) (value.Value, bool)

	// Step executes the instruction at pc against f exactly as the
	// interpreter would, leaving f's pc unspecified.
	Step(f Frame, pc int) error
	// Invoke sends to the receiver below argc arguments on f's stack,
	// running method m, and replaces them with the result.
	Invoke(f Frame, m MethodID, argc int, pc int) error
}
