package jit

import (
	"fmt"

	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/value"
)

// MethodID identifies a compiled bytecode method in the host.
type MethodID uint32

// ClassID identifies a host class.
type ClassID uint32

// Position is a bytecode location: a method and a program counter in it.
type Position struct {
	Method MethodID
	PC     int
}

func (p Position) String() string {
	return fmt.Sprintf("m%d@%04d", p.Method, p.PC)
}

// TypeKind is the coarse category of a type estimate.
type TypeKind uint8

const (
	KindUnknown TypeKind = iota
	KindNil
	KindTrue
	KindFalse
	KindFixnum
	KindFlonum
	KindSymbol
	KindObject // heap object of exactly Class
	KindSelf   // the receiver, whatever its type is
)

// Type is a type estimate for one frame slot.
type Type struct {
	Kind  TypeKind
	Class ClassID
}

var (
	Unknown    = Type{}
	NilType    = Type{Kind: KindNil}
	TrueType   = Type{Kind: KindTrue}
	FalseType  = Type{Kind: KindFalse}
	FixnumType = Type{Kind: KindFixnum}
	FlonumType = Type{Kind: KindFlonum}
	SymbolType = Type{Kind: KindSymbol}
	SelfType   = Type{Kind: KindSelf}
)

// ObjectType is the type of heap instances of c.
func ObjectType(c ClassID) Type {
	return Type{Kind: KindObject, Class: c}
}

// ImmediateType returns the type of a non-object value. Heap objects need
// a class lookup and report false.
func ImmediateType(v value.Value) (Type, bool) {
	switch v.Tag() {
	case value.TagSmallInt:
		return FixnumType, true
	case value.TagFloat:
		return FlonumType, true
	case value.TagSymbol:
		return SymbolType, true
	case value.TagNil:
		return NilType, true
	case value.TagTrue:
		return TrueType, true
	case value.TagFalse:
		return FalseType, true
	}
	return Unknown, false
}

// Known reports whether t pins down a concrete category.
func (t Type) Known() bool {
	return t.Kind != KindUnknown && t.Kind != KindSelf
}

// Check returns the guard predicate that establishes t.
func (t Type) Check() (asm.Check, bool) {
	switch t.Kind {
	case KindFixnum:
		return asm.Check{Kind: asm.CheckFixnum}, true
	case KindFlonum:
		return asm.Check{Kind: asm.CheckFlonum}, true
	case KindSymbol:
		return asm.Check{Kind: asm.CheckSymbol}, true
	case KindNil:
		return asm.Check{Kind: asm.CheckNil}, true
	case KindTrue:
		return asm.Check{Kind: asm.CheckTrue}, true
	case KindFalse:
		return asm.Check{Kind: asm.CheckFalse}, true
	case KindObject:
		return asm.Check{Kind: asm.CheckClass, Class: uint32(t.Class)}, true
	}
	return asm.Check{}, false
}

// Decides reports whether a value of type t statically settles cond, and if
// so whether the condition holds.
func (t Type) Decides(cond asm.Cond) (holds, decided bool) {
	switch t.Kind {
	case KindUnknown, KindSelf:
		return false, false
	case KindNil:
		return cond.Holds(value.Nil), true
	case KindTrue:
		return cond.Holds(value.True), true
	case KindFalse:
		return cond.Holds(value.False), true
	}
	// Any other known type is a non-nil, non-boolean value.
	return cond.Holds(value.FromSmallInt(0)), true
}

func (t Type) String() string {
	switch t.Kind {
	case KindUnknown:
		return "?"
	case KindNil:
		return "nil"
	case KindTrue:
		return "true"
	case KindFalse:
		return "false"
	case KindFixnum:
		return "fixnum"
	case KindFlonum:
		return "flonum"
	case KindSymbol:
		return "symbol"
	case KindObject:
		return fmt.Sprintf("obj(%d)", t.Class)
	case KindSelf:
		return "self"
	}
	return fmt.Sprintf("type(%d)", t.Kind)
}
