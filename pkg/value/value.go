// Package value defines the NaN-boxed value representation shared by the
// interpreter and compiled code.
package value

import (
	"fmt"
	"math"
)

// Value is a 64-bit word. Doubles are stored as themselves. Every other
// value lives in the quiet-NaN space with the sign bit clear, a 3-bit kind in
// bits 48-50 and a 48-bit payload:
//
//	kind 1  heap object ID
//	kind 2  SmallInteger, two's complement
//	kind 3  nil, true, false (payload 0, 1, 2)
//	kind 4  interned symbol ID
//
// Kind 0 is the canonical NaN, so arithmetic never manufactures a boxed
// value. Objects are referenced by ID so that values can sit in the code
// arena as plain words.
type Value uint64

const (
	signBit     = 1 << 63
	quietNaN    = 0x7FF8_0000_0000_0000
	kindShift   = 48
	kindBits    = 0x7 << kindShift
	payloadBits = 1<<kindShift - 1
)

const (
	kindFloat = iota
	kindObject
	kindInt
	kindSpecial
	kindSymbol
)

func box(kind, payload uint64) Value {
	return Value(quietNaN | kind<<kindShift | payload&payloadBits)
}

func (v Value) kind() uint64 {
	if uint64(v)&(signBit|quietNaN) != quietNaN {
		return kindFloat
	}
	return uint64(v) & kindBits >> kindShift
}

func (v Value) payload() uint64 { return uint64(v) & payloadBits }

// The special values.
const (
	Nil   = Value(quietNaN | kindSpecial<<kindShift)
	True  = Nil + 1
	False = Nil + 2
)

// SmallIntegers are 48-bit signed.
const (
	MaxSmallInt int64 = 1<<47 - 1
	MinSmallInt int64 = -1 << 47
)

// Tag identifies the representation of a value without inspecting the heap.
type Tag uint8

const (
	TagFloat Tag = iota
	TagSmallInt
	TagObject
	TagSymbol
	TagNil
	TagTrue
	TagFalse
)

var tagNames = [...]string{
	TagFloat:    "Float",
	TagSmallInt: "SmallInt",
	TagObject:   "Object",
	TagSymbol:   "Symbol",
	TagNil:      "Nil",
	TagTrue:     "True",
	TagFalse:    "False",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Tag returns the representation tag of v.
func (v Value) Tag() Tag {
	switch v.kind() {
	case kindInt:
		return TagSmallInt
	case kindObject:
		return TagObject
	case kindSymbol:
		return TagSymbol
	case kindSpecial:
		switch v {
		case True:
			return TagTrue
		case False:
			return TagFalse
		}
		return TagNil
	}
	return TagFloat
}

func (v Value) IsFloat() bool    { return v.kind() == kindFloat }
func (v Value) IsSmallInt() bool { return v.kind() == kindInt }
func (v Value) IsObject() bool   { return v.kind() == kindObject }
func (v Value) IsSymbol() bool   { return v.kind() == kindSymbol }
func (v Value) IsSpecial() bool  { return v.kind() == kindSpecial }
func (v Value) IsNil() bool      { return v == Nil }
func (v Value) IsBool() bool     { return v == True || v == False }

// IsTruthy reports whether a conditional jump treats v as true: anything
// but false and nil.
func (v Value) IsTruthy() bool { return !v.IsFalsy() }

func (v Value) IsFalsy() bool { return v == False || v == Nil }

// FromFloat64 boxes f. NaNs keep their bits, which always decode as floats.
func FromFloat64(f float64) Value { return Value(math.Float64bits(f)) }

// Float64 unboxes a float and panics on anything else.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic(fmt.Sprintf("value: %s is not a float", v.Tag()))
	}
	return math.Float64frombits(uint64(v))
}

// FromSmallInt boxes n, which must lie in [MinSmallInt, MaxSmallInt].
func FromSmallInt(n int64) Value {
	v, ok := TryFromSmallInt(n)
	if !ok {
		panic(fmt.Sprintf("value: %d does not fit a SmallInteger", n))
	}
	return v
}

// TryFromSmallInt boxes n, or reports that it overflows the 48-bit range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n < MinSmallInt || n > MaxSmallInt {
		return Nil, false
	}
	return box(kindInt, uint64(n)), true
}

// SmallInt unboxes a SmallInteger and panics on anything else.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic(fmt.Sprintf("value: %s is not a SmallInteger", v.Tag()))
	}
	return int64(v.payload()<<(64-kindShift)) >> (64 - kindShift)
}

func FromObjectID(id uint64) Value { return box(kindObject, id) }

// ObjectID returns the heap ID v refers to and panics if v is not an object.
func (v Value) ObjectID() uint64 {
	if !v.IsObject() {
		panic(fmt.Sprintf("value: %s is not an object", v.Tag()))
	}
	return v.payload()
}

func FromSymbolID(id uint32) Value { return box(kindSymbol, uint64(id)) }

// SymbolID returns the interned symbol v holds and panics if v is not a
// symbol.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic(fmt.Sprintf("value: %s is not a symbol", v.Tag()))
	}
	return uint32(v.payload())
}

func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool unboxes true or false and panics on anything else.
func (v Value) Bool() bool {
	if !v.IsBool() {
		panic(fmt.Sprintf("value: %s is not a boolean", v.Tag()))
	}
	return v == True
}

// String renders v for debugging. Heap objects print as their ID.
func (v Value) String() string {
	switch v.Tag() {
	case TagFloat:
		return fmt.Sprintf("%g", v.Float64())
	case TagSmallInt:
		return fmt.Sprintf("%d", v.SmallInt())
	case TagObject:
		return fmt.Sprintf("<obj %d>", v.ObjectID())
	case TagSymbol:
		return fmt.Sprintf("<sym %d>", v.SymbolID())
	case TagTrue:
		return "true"
	case TagFalse:
		return "false"
	}
	return "nil"
}
