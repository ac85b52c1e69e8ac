package vm

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

// installPrimitives defines the Go methods of the core classes.
func (vm *VM) installPrimitives() {
	vm.installObjectPrimitives()
	vm.installNumberPrimitives()
	vm.installBooleanPrimitives()
	vm.installStringPrimitives()
	vm.installArrayPrimitives()
	vm.installClassPrimitives()
}

// ---------------------------------------------------------------------------
// Object
// ---------------------------------------------------------------------------

func (vm *VM) installObjectPrimitives() {
	c := vm.ObjectClass

	vm.DefinePrimitive(c, "printNl", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return recv, in.vm.write(in.vm.PrintString(recv) + "\n")
	})
	vm.DefinePrimitive(c, "displayNl", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return recv, in.vm.write(in.vm.DisplayString(recv) + "\n")
	})
	vm.DefinePrimitive(c, "printString", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return in.vm.NewString(in.vm.PrintString(recv)), nil
	})
	vm.DefinePrimitive(c, "displayString", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return in.vm.NewString(in.vm.DisplayString(recv)), nil
	})
	vm.DefinePrimitive(c, "==", func(_ *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(recv == args[0]), nil
	})
	vm.DefinePrimitive(c, "~~", func(_ *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(recv != args[0]), nil
	})
	vm.DefinePrimitive(c, "=", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(in.vm.Equal(recv, args[0])), nil
	})
	vm.DefinePrimitive(c, "~=", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(!in.vm.Equal(recv, args[0])), nil
	})
	vm.DefinePrimitive(c, "class", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return in.vm.ClassOfValue(recv).Object, nil
	})
	vm.DefinePrimitive(c, "yourself", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return recv, nil
	})
	vm.DefinePrimitive(c, "value", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return recv, nil
	})
	vm.DefinePrimitive(c, "isNil", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromBool(recv.IsNil()), nil
	})
	vm.DefinePrimitive(c, "notNil", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromBool(!recv.IsNil()), nil
	})
	vm.DefinePrimitive(c, "respondsTo:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		if !args[0].IsSymbol() {
			return value.False, nil
		}
		_, ok := in.vm.Classes.LookupMethod(in.vm.ClassOfValue(recv), args[0].SymbolID())
		return value.FromBool(ok), nil
	})
	vm.DefinePrimitive(c, "error:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.Nil, errors.Newf("%s: %s", in.vm.PrintString(recv), in.vm.DisplayString(args[0]))
	})

	vm.DefinePrimitive(vm.ContextClass, "pc", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		return value.FromSmallInt(int64(o.PC)), nil
	})
	vm.DefinePrimitive(vm.ContextClass, "selector", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		return value.FromSymbolID(in.vm.Symbols.Intern(o.Method.selector)), nil
	})
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

// Numeric selectors live on Number so that a SmallInteger or Float
// override replaces the built-in meaning for exactly that class.
func (vm *VM) installNumberPrimitives() {
	c := vm.NumberClass

	binary := []bytecode.Opcode{
		bytecode.OpSendPlus, bytecode.OpSendMinus, bytecode.OpSendTimes,
		bytecode.OpSendDiv, bytecode.OpSendMod,
		bytecode.OpSendLT, bytecode.OpSendGT, bytecode.OpSendLE, bytecode.OpSendGE,
	}
	for _, op := range binary {
		op := op
		name, _ := op.BinarySelector()
		vm.DefinePrimitive(c, name, func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
			if !isNumber(args[0]) {
				return value.Nil, errors.Wrapf(ErrBadArgument, "%s %s %s", in.vm.PrintString(recv), name, in.vm.PrintString(args[0]))
			}
			return numberOp(op, recv, args[0])
		})
	}
	for _, op := range []bytecode.Opcode{bytecode.OpSendEQ, bytecode.OpSendNE} {
		op := op
		name, _ := op.BinarySelector()
		vm.DefinePrimitive(c, name, func(_ *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
			if !isNumber(args[0]) {
				return value.FromBool(op == bytecode.OpSendNE), nil
			}
			return numberOp(op, recv, args[0])
		})
	}

	vm.DefinePrimitive(c, "negated", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return numberOp(bytecode.OpSendMinus, value.FromSmallInt(0), recv)
	})
	vm.DefinePrimitive(c, "abs", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		if toFloat(recv) < 0 {
			return numberOp(bytecode.OpSendMinus, value.FromSmallInt(0), recv)
		}
		return recv, nil
	})
	vm.DefinePrimitive(c, "asFloat", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromFloat64(toFloat(recv)), nil
	})
	vm.DefinePrimitive(c, "truncated", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		if recv.IsSmallInt() {
			return recv, nil
		}
		f := math.Trunc(recv.Float64())
		if f < float64(value.MinSmallInt) || f > float64(value.MaxSmallInt) || math.IsNaN(f) {
			return value.Nil, errors.Wrapf(ErrBadArgument, "%g does not fit a SmallInteger", recv.Float64())
		}
		return value.FromSmallInt(int64(f)), nil
	})
	vm.DefinePrimitive(c, "sqrt", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromFloat64(math.Sqrt(toFloat(recv))), nil
	})
	vm.DefinePrimitive(c, "max:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		if !isNumber(args[0]) {
			return value.Nil, errors.Wrapf(ErrBadArgument, "max: %s", in.vm.PrintString(args[0]))
		}
		if toFloat(args[0]) > toFloat(recv) {
			return args[0], nil
		}
		return recv, nil
	})
	vm.DefinePrimitive(c, "min:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		if !isNumber(args[0]) {
			return value.Nil, errors.Wrapf(ErrBadArgument, "min: %s", in.vm.PrintString(args[0]))
		}
		if toFloat(args[0]) < toFloat(recv) {
			return args[0], nil
		}
		return recv, nil
	})
}

// numberOp applies a numeric selector to two numbers.
func numberOp(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		return intOp(op, a.SmallInt(), b.SmallInt())
	}
	return floatOp(op, toFloat(a), toFloat(b))
}

// ---------------------------------------------------------------------------
// Booleans
// ---------------------------------------------------------------------------

func (vm *VM) installBooleanPrimitives() {
	c := vm.BooleanClass
	vm.DefinePrimitive(c, "not", func(_ *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromBool(recv != value.True), nil
	})
	vm.DefinePrimitive(c, "&", func(_ *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(recv == value.True && args[0] == value.True), nil
	})
	vm.DefinePrimitive(c, "|", func(_ *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		return value.FromBool(recv == value.True || args[0] == value.True), nil
	})
}

// ---------------------------------------------------------------------------
// Strings and symbols
// ---------------------------------------------------------------------------

func (vm *VM) installStringPrimitives() {
	c := vm.StringClass

	concat := func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		t, ok := in.vm.StringValue(args[0])
		if !ok {
			t = in.vm.DisplayString(args[0])
		}
		return in.vm.NewString(s + t), nil
	}
	vm.DefinePrimitive(c, "+", concat)
	vm.DefinePrimitive(c, ",", concat)

	vm.DefinePrimitive(c, "size", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		return value.FromSmallInt(int64(len(s))), nil
	})
	vm.DefinePrimitive(c, "at:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		i, err := index(args[0], len(s))
		if err != nil {
			return value.Nil, err
		}
		return in.vm.NewString(s[i : i+1]), nil
	})
	vm.DefinePrimitive(c, "isEmpty", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		return value.FromBool(s == ""), nil
	})
	vm.DefinePrimitive(c, "asSymbol", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		return value.FromSymbolID(in.vm.Symbols.Intern(s)), nil
	})
	vm.DefinePrimitive(c, "asUppercase", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		s, _ := in.vm.StringValue(recv)
		return in.vm.NewString(strings.ToUpper(s)), nil
	})

	vm.DefinePrimitive(vm.SymbolClass, "asString", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return in.vm.NewString(in.vm.Symbols.Name(recv.SymbolID())), nil
	})
	vm.DefinePrimitive(vm.SymbolClass, "size", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return value.FromSmallInt(int64(len(in.vm.Symbols.Name(recv.SymbolID())))), nil
	})
}

// index converts a 1-based Smalltalk index into a 0-based one.
func index(v value.Value, size int) (int, error) {
	if !v.IsSmallInt() {
		return 0, errors.Wrapf(ErrBadIndex, "index %v is not an integer", v)
	}
	i := v.SmallInt()
	if i < 1 || i > int64(size) {
		return 0, errors.Wrapf(ErrBadIndex, "index %d outside 1..%d", i, size)
	}
	return int(i - 1), nil
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func (vm *VM) installArrayPrimitives() {
	c := vm.ArrayClass

	vm.DefinePrimitive(c, "size", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		return value.FromSmallInt(int64(len(o.Slots))), nil
	})
	vm.DefinePrimitive(c, "at:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		i, err := index(args[0], len(o.Slots))
		if err != nil {
			return value.Nil, err
		}
		return o.Slots[i], nil
	})
	vm.DefinePrimitive(c, "at:put:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		i, err := index(args[0], len(o.Slots))
		if err != nil {
			return value.Nil, err
		}
		o.Slots[i] = args[1]
		return args[1], nil
	})
	vm.DefinePrimitive(c, "isEmpty", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		o, _ := in.vm.Heap.Get(recv)
		return value.FromBool(len(o.Slots) == 0), nil
	})
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

func (vm *VM) installClassPrimitives() {
	c := vm.ClassClass

	vm.DefinePrimitive(c, "new", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		cls := in.vm.represented(recv)
		switch cls {
		case in.vm.StringClass:
			return in.vm.NewString(""), nil
		case in.vm.ArrayClass:
			return in.vm.NewArray(nil), nil
		}
		if in.vm.immediate(cls) {
			return value.Nil, errors.Wrapf(ErrBadArgument, "%s cannot be instantiated", cls.Name)
		}
		return in.vm.NewInstance(cls), nil
	})
	vm.DefinePrimitive(c, "new:", func(in *Interpreter, recv value.Value, args []value.Value) (value.Value, error) {
		cls := in.vm.represented(recv)
		if !args[0].IsSmallInt() || args[0].SmallInt() < 0 {
			return value.Nil, errors.Wrapf(ErrBadArgument, "new: %s", in.vm.PrintString(args[0]))
		}
		n := int(args[0].SmallInt())
		switch cls {
		case in.vm.ArrayClass:
			elems := make([]value.Value, n)
			for i := range elems {
				elems[i] = value.Nil
			}
			return in.vm.NewArray(elems), nil
		case in.vm.StringClass:
			return in.vm.NewString(strings.Repeat(" ", n)), nil
		}
		return value.Nil, errors.Wrapf(ErrBadArgument, "%s is not indexable", cls.Name)
	})
	vm.DefinePrimitive(c, "name", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		return in.vm.NewString(in.vm.represented(recv).Name), nil
	})
	vm.DefinePrimitive(c, "superclass", func(in *Interpreter, recv value.Value, _ []value.Value) (value.Value, error) {
		if super := in.vm.represented(recv).Superclass; super != nil {
			return super.Object, nil
		}
		return value.Nil, nil
	})
}

func (vm *VM) represented(classObject value.Value) *Class {
	o, _ := vm.Heap.Get(classObject)
	return o.Represents
}

// immediate reports whether instances of c are tagged values rather than
// heap objects.
func (vm *VM) immediate(c *Class) bool {
	for _, k := range []*Class{
		vm.UndefinedObjectClass, vm.BooleanClass, vm.NumberClass, vm.SymbolClass, vm.ClassClass, vm.ContextClass,
	} {
		if c.IsSubclassOf(k) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Equality and printing
// ---------------------------------------------------------------------------

// Equal compares values the way = does: numbers by value, strings and
// arrays by contents, everything else by identity.
func (vm *VM) Equal(a, b value.Value) bool {
	if isNumber(a) && isNumber(b) {
		if a.IsSmallInt() && b.IsSmallInt() {
			return a == b
		}
		return toFloat(a) == toFloat(b)
	}
	if a == b {
		return true
	}
	oa, ok := vm.Heap.Get(a)
	if !ok {
		return false
	}
	ob, ok := vm.Heap.Get(b)
	if !ok || oa.Kind != ob.Kind {
		return false
	}
	switch oa.Kind {
	case KindString:
		return oa.Str == ob.Str
	case KindArray:
		if len(oa.Slots) != len(ob.Slots) {
			return false
		}
		for i := range oa.Slots {
			if !vm.Equal(oa.Slots[i], ob.Slots[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// PrintString renders v the way printString does.
func (vm *VM) PrintString(v value.Value) string {
	var sb strings.Builder
	vm.print(&sb, v, true)
	return sb.String()
}

// DisplayString is PrintString without quotes around strings and without
// the # of symbols.
func (vm *VM) DisplayString(v value.Value) string {
	var sb strings.Builder
	vm.print(&sb, v, false)
	return sb.String()
}

func (vm *VM) print(sb *strings.Builder, v value.Value, quoted bool) {
	switch v.Tag() {
	case value.TagSmallInt:
		sb.WriteString(strconv.FormatInt(v.SmallInt(), 10))
		return
	case value.TagFloat:
		sb.WriteString(formatFloat(v.Float64()))
		return
	case value.TagNil:
		sb.WriteString("nil")
		return
	case value.TagTrue:
		sb.WriteString("true")
		return
	case value.TagFalse:
		sb.WriteString("false")
		return
	case value.TagSymbol:
		if quoted {
			sb.WriteByte('#')
		}
		sb.WriteString(vm.Symbols.Name(v.SymbolID()))
		return
	}

	o, ok := vm.Heap.Get(v)
	if !ok {
		sb.WriteString(v.String())
		return
	}
	switch o.Kind {
	case KindString:
		if quoted {
			sb.WriteByte('\'')
			sb.WriteString(strings.ReplaceAll(o.Str, "'", "''"))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(o.Str)
		}
	case KindArray:
		sb.WriteByte('(')
		for i, e := range o.Slots {
			if i > 0 {
				sb.WriteByte(' ')
			}
			vm.print(sb, e, true)
		}
		sb.WriteByte(')')
	case KindClass:
		sb.WriteString(o.Represents.Name)
	case KindContext:
		sb.WriteString("a Context(" + o.Method.String() + " @" + strconv.Itoa(o.PC) + ")")
	default:
		sb.WriteString(article(o.Class.Name))
		sb.WriteByte(' ')
		sb.WriteString(o.Class.Name)
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eIN") {
		return s
	}
	return s + ".0"
}

func article(name string) string {
	if name != "" && strings.ContainsRune("AEIOU", rune(name[0])) {
		return "an"
	}
	return "a"
}
