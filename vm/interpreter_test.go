package vm

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

const programSource = `
class Main Object
class Point Object x y

; sumTo: n = 1 + 2 + ... + n
method Main sumTo: 1 2
    push_int 0
    store_temp 2
    pop
    push_int 1
    store_temp 1
    pop
loop:
    push_temp 1
    push_temp 0
    send_le
    jump_false done
    push_temp 2
    push_temp 1
    send_plus
    store_temp 2
    pop
    push_temp 1
    push_int 1
    send_plus
    store_temp 1
    pop
    jump loop
done:
    push_temp 2
    return_top
end

method Main double: 1 0
    push_temp 0
    push_temp 0
    send_plus
    return_top
end

method Main square: 1 0
    push_temp 0
    push_temp 0
    send_times
    return_top
end

method Main divide:by: 2 0
    push_temp 0
    push_temp 1
    send_div
    return_top
end

method Main max:with: 2 0
    push_temp 0
    push_temp 1
    send_gt
    jump_false second
    push_temp 0
    return_top
second:
    push_temp 1
    return_top
end

method Main isNothing: 1 0
    push_temp 0
    jump_nil yes
    push_false
    return_top
yes:
    push_true
    return_top
end

method Main pointSum:y: 2 1
    push_global Point
    send_new
    store_temp 2
    push_temp 0
    push_temp 1
    send x:y: 2
    pop
    push_temp 2
    send sum
    return_top
end

method Main tripleOf: 1 0
    push_temp 0
    push_int 1
    push_int 2
    create_array 3
    return_top
end

method Point x:y: 2 0
    push_temp 0
    store_ivar 0
    pop
    push_temp 1
    store_ivar 1
    pop
    return_self
end

method Point sum 0 0
    push_ivar 0
    push_ivar 1
    send_plus
    return_top
end
`

// ---------------------------------------------------------------------------
// Interpreter and compiled code agree
// ---------------------------------------------------------------------------

type call struct {
	selector string
	args     func(vm *VM) []value.Value
}

func ints(ns ...int64) func(*VM) []value.Value {
	return func(*VM) []value.Value {
		out := make([]value.Value, len(ns))
		for i, n := range ns {
			out[i] = value.FromSmallInt(n)
		}
		return out
	}
}

func args(vs ...value.Value) func(*VM) []value.Value {
	return func(*VM) []value.Value { return vs }
}

func TestInterpretedAndCompiledAgree(t *testing.T) {
	tests := []struct {
		name  string
		calls []call
		want  string
	}{
		{"loop", []call{{"sumTo:", ints(100)}}, "5050"},
		{"empty loop", []call{{"sumTo:", ints(0)}}, "0"},
		{"float bound", []call{{"sumTo:", args(value.FromFloat64(3.5))}}, "6"},
		{"int then string", []call{
			{"double:", ints(21)},
			{"double:", func(vm *VM) []value.Value { return []value.Value{vm.NewString("ab")} }},
		}, "'abab'"},
		{"int then float", []call{{"double:", ints(2)}, {"double:", args(value.FromFloat64(0.25))}}, "0.5"},
		{"overflow promotes", []call{{"square:", ints(1 << 30)}}, "1.152921504606847e+18"},
		{"exact division", []call{{"divide:by:", ints(12, 4)}}, "3"},
		{"inexact division", []call{{"divide:by:", ints(7, 2)}}, "3.5"},
		{"branch", []call{{"max:with:", ints(3, 9)}, {"max:with:", ints(9, 3)}}, "9"},
		{"mixed compare", []call{{"max:with:", args(value.FromFloat64(2.5), value.FromSmallInt(2))}}, "2.5"},
		{"jump nil", []call{{"isNothing:", args(value.Nil)}}, "true"},
		{"jump nil not taken", []call{{"isNothing:", ints(0)}}, "false"},
		{"instances", []call{{"pointSum:y:", ints(3, 4)}, {"pointSum:y:", ints(5, 6)}}, "11"},
		{"array", []call{{"tripleOf:", ints(0)}}, "(0 1 2)"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var results [2]string
			for i, jitOn := range []bool{false, true} {
				vm, _ := newTestVM(t, jitOn, programSource)
				main := instance(t, vm, "Main")
				var last value.Value
				for _, c := range tt.calls {
					// Each call runs twice so the second meets compiled code.
					for n := 0; n < 2; n++ {
						r, err := vm.Send(main, c.selector, c.args(vm)...)
						require.NoError(t, err)
						last = r
					}
				}
				results[i] = vm.PrintString(last)
			}
			assert.Equal(t, tt.want, results[0], "interpreted")
			assert.Equal(t, results[0], results[1], "compiled")
		})
	}
}

func TestLoopEntersCompiledCode(t *testing.T) {
	vm, _ := newTestVM(t, true, programSource)
	got, err := vm.Send(instance(t, vm, "Main"), "sumTo:", value.FromSmallInt(1000))
	require.NoError(t, err)
	assert.Equal(t, value.FromSmallInt(500500), got)

	s := vm.JITStats()
	assert.NotZero(t, s.BlocksCompiled)
	assert.NotZero(t, s.Entries)
	assert.False(t, s.Disabled)
	require.NoError(t, vm.Driver().Graph().Verify())
}

// The first call specializes double: for a SmallInteger argument; the
// second arrives with a String and gets its own version of the entry block.
func TestIntThenStringVersionsTheEntry(t *testing.T) {
	vm, _ := newTestVM(t, true, programSource)
	main := instance(t, vm, "Main")

	got, err := vm.Send(main, "double:", value.FromSmallInt(21))
	require.NoError(t, err)
	assert.Equal(t, value.FromSmallInt(42), got)

	got, err = vm.Send(main, "double:", vm.NewString("ab"))
	require.NoError(t, err)
	s, ok := vm.StringValue(got)
	require.True(t, ok)
	assert.Equal(t, "abab", s)

	m, ok := vm.Classes.LookupMethod(vm.Classes.Lookup("Main"), vm.Symbols.Intern("double:"))
	require.True(t, ok)
	versions := vm.Driver().Graph().Versions(jit.Position{Method: m.ID(), PC: 0})
	require.Len(t, versions, 2)

	var argTypes []jit.Type
	for _, b := range versions {
		argTypes = append(argTypes, b.Ctx.Local(0))
	}
	assert.ElementsMatch(t, []jit.Type{jit.FixnumType, jit.ObjectType(vm.StringClass.ID)}, argTypes)

	// Both shapes have code now.
	before := vm.JITStats().BlocksCompiled
	_, err = vm.Send(main, "double:", value.FromSmallInt(5))
	require.NoError(t, err)
	_, err = vm.Send(main, "double:", vm.NewString("xy"))
	require.NoError(t, err)
	assert.Equal(t, before, vm.JITStats().BlocksCompiled)
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

func TestReopeningClassInvalidatesCompiledCallers(t *testing.T) {
	src := `
class Main Object
class Point Object

method Point foo 0 0
    push_int 1
    return_top
end

method Main callFoo: 1 0
    push_temp 0
    send foo
    return_top
end
`
	vm, _ := newTestVM(t, true, src)
	main := instance(t, vm, "Main")
	p := instance(t, vm, "Point")

	for i := 0; i < 3; i++ {
		got, err := vm.Send(main, "callFoo:", p)
		require.NoError(t, err)
		assert.Equal(t, value.FromSmallInt(1), got)
	}
	require.NotZero(t, vm.JITStats().BlocksCompiled)

	require.NoError(t, vm.LoadSource(`
method Point foo 0 0
    push_int 2
    return_top
end
`))
	assert.NotZero(t, vm.JITStats().Invalidations)

	got, err := vm.Send(main, "callFoo:", p)
	require.NoError(t, err)
	assert.Equal(t, value.FromSmallInt(2), got)
	require.NoError(t, vm.Driver().Graph().Verify())
}

func TestOverridingArithmeticIsObserved(t *testing.T) {
	vm, _ := newTestVM(t, true, programSource)
	main := instance(t, vm, "Main")

	got, err := vm.Send(main, "double:", value.FromSmallInt(4))
	require.NoError(t, err)
	assert.Equal(t, value.FromSmallInt(8), got)

	require.NoError(t, vm.LoadSource(`
method SmallInteger + 1 0
    push_int 99
    return_top
end
`))
	got, err = vm.Send(main, "double:", value.FromSmallInt(4))
	require.NoError(t, err)
	assert.Equal(t, value.FromSmallInt(99), got)

	// Float keeps the built-in meaning.
	got, err = vm.Send(main, "double:", value.FromFloat64(1.5))
	require.NoError(t, err)
	assert.Equal(t, value.FromFloat64(3), got)
}

func TestGlobalRebindingIsObserved(t *testing.T) {
	src := `
class Main Object
method Main answer 0 0
    push_global Answer
    return_top
end
method Main answer: 1 0
    push_temp 0
    store_global Answer
    return_top
end
`
	for _, jitOn := range []bool{false, true} {
		jitOn := jitOn
		t.Run(fmt.Sprintf("jit=%v", jitOn), func(t *testing.T) {
			vm, _ := newTestVM(t, jitOn, src)
			main := instance(t, vm, "Main")

			_, err := vm.Send(main, "answer")
			require.True(t, errors.Is(err, ErrUndefinedGlobal))

			vm.SetGlobal("Answer", value.FromSmallInt(1))
			for i := 0; i < 2; i++ {
				got, err := vm.Send(main, "answer")
				require.NoError(t, err)
				assert.Equal(t, value.FromSmallInt(1), got)
			}

			_, err = vm.Send(main, "answer:", value.FromSmallInt(2))
			require.NoError(t, err)
			got, err := vm.Send(main, "answer")
			require.NoError(t, err)
			assert.Equal(t, value.FromSmallInt(2), got)
		})
	}
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

func TestRuntimeErrors(t *testing.T) {
	src := `
class Main Object
method Main divide 0 0
    push_int 1
    push_int 0
    send_div
    return_top
end
method Main unknown 0 0
    push_int 3
    send frobnicate
    return_top
end
method Main outOfBounds 0 0
    push_int 1
    create_array 1
    push_int 5
    send_at
    return_top
end
method Main badAdd 0 0
    push_int 1
    push_literal "x"
    send_plus
    return_top
end
method Main recurse 0 0
    push_self
    send recurse
    return_top
end
method Main nested 0 0
    push_self
    send divide
    return_top
end
`
	tests := []struct {
		selector string
		want     error
		method   string
		pc       int
	}{
		{"divide", ErrZeroDivide, "Main>>divide", 4},
		{"unknown", ErrDoesNotUnderstand, "Main>>unknown", 2},
		{"outOfBounds", ErrBadIndex, "Main>>outOfBounds", 6},
		{"badAdd", ErrBadArgument, "Main>>badAdd", 5},
		{"nested", ErrZeroDivide, "Main>>divide", 4},
	}
	for _, jitOn := range []bool{false, true} {
		vm, _ := newTestVM(t, jitOn, src)
		vm.maxDepth = 64
		main := instance(t, vm, "Main")
		for _, tt := range tests {
			tt := tt
			t.Run(fmt.Sprintf("%s/jit=%v", tt.selector, jitOn), func(t *testing.T) {
				// Twice, so the second run meets compiled code.
				for i := 0; i < 2; i++ {
					_, err := vm.Send(main, tt.selector)
					require.Error(t, err)
					assert.True(t, errors.Is(err, tt.want), "%v", err)
					var re *RuntimeError
					require.True(t, errors.As(err, &re))
					assert.Equal(t, tt.method, re.Method)
					assert.Equal(t, tt.pc, re.PC)
				}
			})
		}
		_, err := vm.Send(main, "recurse")
		assert.True(t, errors.Is(err, ErrStackOverflow), "%v", err)
	}
}

func TestDoesNotUnderstandMessage(t *testing.T) {
	vm, _ := newTestVM(t, false, "")
	_, err := vm.Send(value.FromSmallInt(3), "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 does not understand #frobnicate")
}

// ---------------------------------------------------------------------------
// Numeric primitives
// ---------------------------------------------------------------------------

func TestIntegerArithmetic(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		a, b int64
		want value.Value
	}{
		{bytecode.OpSendPlus, 3, 4, value.FromSmallInt(7)},
		{bytecode.OpSendMinus, 3, 4, value.FromSmallInt(-1)},
		{bytecode.OpSendPlus, value.MaxSmallInt, 1, value.FromFloat64(float64(value.MaxSmallInt) + 1)},
		{bytecode.OpSendDiv, 6, 3, value.FromSmallInt(2)},
		{bytecode.OpSendDiv, 7, 2, value.FromFloat64(3.5)},
		{bytecode.OpSendMod, 7, 2, value.FromSmallInt(1)},
		{bytecode.OpSendMod, -7, 2, value.FromSmallInt(1)},
		{bytecode.OpSendMod, 7, -2, value.FromSmallInt(-1)},
		{bytecode.OpSendLT, 1, 2, value.True},
		{bytecode.OpSendGE, 1, 2, value.False},
		{bytecode.OpSendNE, 1, 1, value.False},
	}
	for _, tt := range tests {
		got, err := intOp(tt.op, tt.a, tt.b)
		require.NoError(t, err, "%s %d %d", tt.op, tt.a, tt.b)
		assert.Equal(t, tt.want, got, "%s %d %d", tt.op, tt.a, tt.b)
	}

	_, err := intOp(bytecode.OpSendDiv, 1, 0)
	assert.True(t, errors.Is(err, ErrZeroDivide))
	_, err = intOp(bytecode.OpSendMod, 1, 0)
	assert.True(t, errors.Is(err, ErrZeroDivide))
	_, err = floatOp(bytecode.OpSendDiv, 1, 0)
	assert.True(t, errors.Is(err, ErrZeroDivide))
}

func TestFloatModIsFloored(t *testing.T) {
	got, err := floatOp(bytecode.OpSendMod, -7.5, 2)
	require.NoError(t, err)
	assert.Equal(t, value.FromFloat64(0.5), got)
}

// ---------------------------------------------------------------------------
// Primitives through sends
// ---------------------------------------------------------------------------

func TestCorePrimitives(t *testing.T) {
	vm, out := newTestVM(t, false, "class Point Object x y")
	str := vm.NewString("abc")
	arr := vm.NewArray([]value.Value{value.Nil, value.Nil})
	point := vm.Classes.Lookup("Point").Object

	send := func(recv value.Value, sel string, args ...value.Value) value.Value {
		t.Helper()
		r, err := vm.Send(recv, sel, args...)
		require.NoError(t, err, sel)
		return r
	}

	assert.Equal(t, value.FromSmallInt(3), send(str, "size"))
	assert.Equal(t, "'b'", vm.PrintString(send(str, "at:", value.FromSmallInt(2))))
	assert.Equal(t, "'abcde'", vm.PrintString(send(str, "+", vm.NewString("de"))))
	assert.Equal(t, value.True, send(str, "=", vm.NewString("abc")))
	assert.Equal(t, value.False, send(str, "==", vm.NewString("abc")))

	send(arr, "at:put:", value.FromSmallInt(2), value.FromSmallInt(9))
	assert.Equal(t, value.FromSmallInt(9), send(arr, "at:", value.FromSmallInt(2)))
	assert.Equal(t, value.FromSmallInt(2), send(arr, "size"))
	_, err := vm.Send(arr, "at:", value.FromSmallInt(0))
	assert.True(t, errors.Is(err, ErrBadIndex))

	p := send(point, "new")
	assert.Equal(t, "a Point", vm.PrintString(p))
	assert.Equal(t, point, send(p, "class"))
	assert.Equal(t, p, send(p, "yourself"))
	assert.Equal(t, vm.ClassClass.Object, send(point, "class"))
	assert.Equal(t, "'Point'", vm.PrintString(send(point, "name")))
	assert.Equal(t, "(nil nil nil)", vm.PrintString(send(vm.ArrayClass.Object, "new:", value.FromSmallInt(3))))
	_, err = vm.Send(vm.SmallIntegerClass.Object, "new")
	assert.True(t, errors.Is(err, ErrBadArgument))

	send(value.FromSmallInt(42), "printNl")
	send(str, "printNl")
	send(str, "displayNl")
	assert.Equal(t, "42\n'abc'\nabc\n", out.String())

	assert.Equal(t, value.True, send(value.Nil, "isNil"))
	assert.Equal(t, value.False, send(value.True, "not"))
	assert.Equal(t, value.FromSmallInt(5), send(value.FromSmallInt(-5), "abs"))
	assert.Equal(t, value.False, send(value.FromSmallInt(3), "=", str))
}

func TestThisContext(t *testing.T) {
	for _, jitOn := range []bool{false, true} {
		vm, _ := newTestVM(t, jitOn, `
class Main Object
method Main where 0 0
    nop
    push_context
    send pc
    return_top
end
`)
		main := instance(t, vm, "Main")
		for i := 0; i < 2; i++ {
			got, err := vm.Send(main, "where")
			require.NoError(t, err)
			assert.Equal(t, value.FromSmallInt(1), got, "jit=%v", jitOn)
		}
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentSends(t *testing.T) {
	vm, _ := newTestVM(t, true, programSource)
	main := instance(t, vm, "Main")

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		n := int64(50 + w)
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				got, err := vm.Send(main, "sumTo:", value.FromSmallInt(n))
				if err != nil {
					return err
				}
				if want := value.FromSmallInt(n * (n + 1) / 2); got != want {
					return errors.Newf("sumTo: %d = %v, want %v", n, got, want)
				}
				if _, err := vm.Send(main, "double:", vm.NewString("x")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, vm.Driver().Graph().Verify())
	assert.False(t, vm.JITStats().Disabled)
}
