package jit

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

func testOptions() Options {
	o := DefaultOptions()
	o.VerifyGraph = true
	o.CodeSize = 1 << 14
	return o
}

func newTestDriver(t *testing.T, rt *fakeRuntime, opts Options) *Driver {
	t.Helper()
	d, err := NewDriver(rt, opts)
	require.NoError(t, err)
	rt.driver = d
	return d
}

func fix(n int64) value.Value { return value.FromSmallInt(n) }

// sumMethod: sumTo: n  | i acc | i := 0. acc := 0. [i < n] whileTrue: [acc := acc + i. i := i + 1]. ^acc
func sumMethod(rt *fakeRuntime) MethodID {
	b := bytecode.NewBuilder()
	b.EmitPushInt(0)
	b.EmitByte(bytecode.OpStoreTemp, 1)
	b.Emit(bytecode.OpPOP)
	b.EmitPushInt(0)
	b.EmitByte(bytecode.OpStoreTemp, 2)
	b.Emit(bytecode.OpPOP)
	loop, done := b.NewLabel(), b.NewLabel()
	b.Mark(loop)
	b.EmitByte(bytecode.OpPushTemp, 1)
	b.EmitByte(bytecode.OpPushTemp, 0)
	b.Emit(bytecode.OpSendLT)
	b.EmitJump(bytecode.OpJumpFalse, done)
	b.EmitByte(bytecode.OpPushTemp, 2)
	b.EmitByte(bytecode.OpPushTemp, 1)
	b.Emit(bytecode.OpSendPlus)
	b.EmitByte(bytecode.OpStoreTemp, 2)
	b.Emit(bytecode.OpPOP)
	b.EmitByte(bytecode.OpPushTemp, 1)
	b.EmitPushInt(1)
	b.Emit(bytecode.OpSendPlus)
	b.EmitByte(bytecode.OpStoreTemp, 1)
	b.Emit(bytecode.OpPOP)
	b.EmitJump(bytecode.OpJump, loop)
	b.Mark(done)
	b.EmitByte(bytecode.OpPushTemp, 2)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("sumTo:", b.Bytes(), nil, 1, 3)
}

// squareMethod: square: x  ^x * x
func squareMethod(rt *fakeRuntime) MethodID {
	b := bytecode.NewBuilder()
	b.EmitByte(bytecode.OpPushTemp, 0)
	b.EmitByte(bytecode.OpPushTemp, 0)
	b.Emit(bytecode.OpSendTimes)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("square:", b.Bytes(), nil, 1, 1)
}

// incMethod: inc: x  ^x + 1
func incMethod(rt *fakeRuntime) MethodID {
	b := bytecode.NewBuilder()
	b.EmitByte(bytecode.OpPushTemp, 0)
	b.EmitPushInt(1)
	b.Emit(bytecode.OpSendPlus)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("inc:", b.Bytes(), nil, 1, 1)
}

// sendMethod: ^self <selector>
func sendMethod(rt *fakeRuntime, selector string) MethodID {
	b := bytecode.NewBuilder()
	b.Emit(bytecode.OpPushSelf)
	b.EmitSend(bytecode.OpSend, 0, 0)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("call-"+selector, b.Bytes(), []value.Value{rt.sym(selector)}, 0, 0)
}

// fooPlusOneMethod: ^self foo + 1
func fooPlusOneMethod(rt *fakeRuntime) MethodID {
	b := bytecode.NewBuilder()
	b.Emit(bytecode.OpPushSelf)
	b.EmitSend(bytecode.OpSend, 0, 0)
	b.EmitPushInt(1)
	b.Emit(bytecode.OpSendPlus)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("fooPlusOne", b.Bytes(), []value.Value{rt.sym("foo")}, 0, 0)
}

// globalMethod: ^<name>
func globalMethod(rt *fakeRuntime, name string) MethodID {
	b := bytecode.NewBuilder()
	b.EmitUint16(bytecode.OpPushGlobal, 0)
	b.Emit(bytecode.OpReturnTop)
	return rt.addMethod("global-"+name, b.Bytes(), []value.Value{rt.sym(name)}, 0, 0)
}

func TestNarrowChainDepthIsBounded(t *testing.T) {
	const maxChain = 2
	c := Initial(2)
	c = c.Narrow(StackSlot(0), FixnumType, maxChain)
	assert.Equal(t, uint8(1), c.ChainDepth)
	assert.Equal(t, FixnumType, c.StackType(0))

	c = c.Narrow(StackSlot(1), FlonumType, maxChain)
	assert.Equal(t, uint8(2), c.ChainDepth)
	assert.Equal(t, FlonumType, c.StackType(1))

	// At the limit the slot is forgotten and the depth stays put.
	at := c.Narrow(LocalSlot(0), SymbolType, maxChain)
	assert.Equal(t, uint8(2), at.ChainDepth)
	assert.Equal(t, Unknown, at.Local(0))

	// Contradicting a known estimate forgets it too.
	c2 := Initial(1).Narrow(StackSlot(0), FixnumType, 5)
	c3 := c2.Narrow(StackSlot(0), FlonumType, 5)
	assert.Equal(t, c2.ChainDepth, c3.ChainDepth)
	assert.Equal(t, Unknown, c3.StackType(0))
}

func TestContextStackTracking(t *testing.T) {
	c := Initial(0).Push(FixnumType).Push(SelfType)
	assert.Equal(t, uint16(2), c.StackSize)
	assert.Equal(t, SelfType, c.StackType(0))

	c.Self = ObjectType(clsPoint)
	assert.Equal(t, ObjectType(clsPoint), c.StackType(0))

	popped := c.Pop(2)
	assert.Equal(t, uint16(0), popped.StackSize)
	assert.Equal(t, Unknown, popped.Stack[0], "popped slots must be cleared")

	deep := Initial(MaxTempTypes).Push(FixnumType)
	assert.Equal(t, Unknown, deep.StackType(0), "slots beyond the tracked range stay unknown")
	assert.Equal(t, Initial(MaxTempTypes), deep.Pop(1))
}

func TestDiff(t *testing.T) {
	exact := Initial(1).SetStack(0, FixnumType).SetLocal(0, FlonumType)
	cases := []struct {
		name     string
		src, dst Context
		want     int
	}{
		{"equal", exact, exact, 0},
		{"dst forgets one", exact, exact.SetLocal(0, Unknown), 1},
		{"dst generic", exact, exact.Generic(), 2},
		{"dst knows more", exact.Generic(), exact, Incompatible},
		{"conflict", exact, exact.SetStack(0, SymbolType), Incompatible},
		{"stack size", exact, Initial(2), Incompatible},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Diff(tc.src, tc.dst))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	k := ClassMethodsKey(clsPoint)
	g := GlobalKey(7)

	require.NoError(t, r.Assume(1, []Assumption{{k, 0}, {g, 0}}))
	require.NoError(t, r.Assume(2, []Assumption{{k, 0}}))
	assert.Equal(t, []BlockID{1, 2}, r.Dependents(k))

	assert.Equal(t, []BlockID{1, 2}, r.Bump(k))
	assert.Equal(t, uint64(1), r.Version(k))
	assert.Empty(t, r.Dependents(k))

	err := r.Assume(3, []Assumption{{k, 0}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssumptionViolated)
	assert.Empty(t, r.Subscriptions(3))

	r.Forget(1)
	assert.Empty(t, r.Dependents(g))
	assert.Equal(t, 0, r.Keys())
}

func TestTargetTableStates(t *testing.T) {
	const limit = 2
	var tbl *targetTable
	key := func(n int) Context { return Initial(n) }

	tbl = tbl.with(tableEntry{Key: key(1), Block: 1, Addr: 10}, limit)
	assert.Equal(t, TableMono, tbl.State)
	tbl = tbl.with(tableEntry{Key: key(2), Block: 2, Addr: 20}, limit)
	assert.Equal(t, TableMega, tbl.State, "a full table is megamorphic")
	assert.True(t, tbl.full(limit))

	_, ok := tbl.lookup(key(3))
	assert.False(t, ok, "no generic target yet")

	tbl = tbl.withGeneric(tableEntry{Key: Initial(0), Block: 3, Addr: 30}, limit)
	e, ok := tbl.lookup(key(3))
	require.True(t, ok)
	assert.Equal(t, BlockID(3), e.Block)

	e, ok = tbl.lookup(key(2))
	require.True(t, ok)
	assert.Equal(t, asm.Addr(20), e.Addr)

	smaller := tbl.without(1, limit)
	assert.Equal(t, 1, smaller.Count)
	assert.Equal(t, 2, tbl.Count, "tables are copy-on-write")
	assert.ElementsMatch(t, []BlockID{2, 3}, smaller.blocks())

	poly := (*targetTable)(nil).with(tableEntry{Key: key(1), Block: 1}, 4).with(tableEntry{Key: key(2), Block: 2}, 4)
	assert.Equal(t, TablePoly, poly.State)
}

func TestFindOrStubIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	g := d.Graph()

	pos := Position{Method: m, PC: 0}
	ctx := Initial(0)
	assert.Nil(t, g.FindOrStub(pos, ctx))
	assert.Nil(t, g.FindOrStub(pos, ctx))
	assert.Empty(t, g.Blocks(), "lookups never compile")

	b, err := g.CompileBlock(pos, ctx, nil)
	require.NoError(t, err)
	assert.Same(t, b, g.FindOrStub(pos, ctx))
	assert.Same(t, b, g.FindOrStub(pos, ctx))

	again, err := g.CompileBlock(pos, ctx, nil)
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, uint64(1), d.Stats().BlocksCompiled)
	require.NoError(t, g.Verify())
}

func TestInterpretedAndCompiledAgree(t *testing.T) {
	cases := []struct {
		name string
		make func(*fakeRuntime) MethodID
		args []value.Value
	}{
		{"sum ints", sumMethod, []value.Value{fix(100)}},
		{"sum empty", sumMethod, []value.Value{fix(0)}},
		{"sum float bound", sumMethod, []value.Value{value.FromFloat64(4.5)}},
		{"square", squareMethod, []value.Value{fix(12)}},
		{"square overflow", squareMethod, []value.Value{fix(value.MaxSmallInt)}},
		{"inc float", incMethod, []value.Value{value.FromFloat64(1.25)}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime()
			m := tc.make(rt)
			want, err := rt.run(m, value.Nil, tc.args...)
			require.NoError(t, err)

			d := newTestDriver(t, rt, testOptions())
			for i := 0; i < 3; i++ {
				got, err := rt.run(m, value.Nil, tc.args...)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			assert.NotZero(t, d.Stats().BlocksCompiled)
			require.NoError(t, d.Graph().Verify())
		})
	}
}

func TestLoopRunsInCompiledCode(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())

	got, err := rt.run(m, value.Nil, fix(1000))
	require.NoError(t, err)
	assert.Equal(t, fix(499500), got)

	s := d.Stats()
	assert.Zero(t, rt.steps.Load(), "fixnum loop needs no generic steps")
	assert.Zero(t, s.SideExits)
	assert.Less(t, s.BlocksCompiled, uint64(10), "loop iterations reuse linked blocks")
}

func TestOverflowSideExitsBeforeEffect(t *testing.T) {
	rt := newFakeRuntime()
	m := squareMethod(rt)
	d := newTestDriver(t, rt, testOptions())

	got, err := rt.run(m, value.Nil, fix(value.MaxSmallInt))
	require.NoError(t, err)
	require.True(t, got.IsFloat())
	assert.Equal(t, float64(value.MaxSmallInt)*float64(value.MaxSmallInt), got.Float64())
	assert.Equal(t, uint64(1), d.Stats().SideExits)
}

func TestIntThenFloatNarrowsAtGuard(t *testing.T) {
	rt := newFakeRuntime()
	var result value.Value = fix(41)
	rt.defineNative(clsPoint, "foo", func(value.Value, []value.Value) (value.Value, error) {
		return result, nil
	})
	m := fooPlusOneMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	p := rt.newObject(clsPoint)

	got, err := rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(42), got)
	guards := d.Stats().Guards
	assert.NotZero(t, guards, "the send result is only known by peeking")

	result = value.FromFloat64(1.5)
	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, value.FromFloat64(2.5), got)

	var narrow *Branch
	for _, b := range d.Graph().Blocks() {
		for _, id := range b.Outgoing {
			if br := d.Graph().Branch(id); br.Kind == BranchNarrow {
				narrow = br
			}
		}
	}
	require.NotNil(t, narrow)
	assert.Equal(t, TableMono, narrow.TableState())

	// Both shapes now have code; neither run compiles anything new.
	before := d.Stats().BlocksCompiled
	result = fix(1)
	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(2), got)
	result = value.FromFloat64(0.5)
	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, value.FromFloat64(1.5), got)
	assert.Equal(t, before, d.Stats().BlocksCompiled)
	require.NoError(t, d.Graph().Verify())
}

func TestGuardFailureOnObjectCompilesNewVersion(t *testing.T) {
	rt := newFakeRuntime()
	var result value.Value = fix(1)
	rt.defineNative(clsPoint, "foo", func(value.Value, []value.Value) (value.Value, error) {
		return result, nil
	})
	rt.defineNative(clsPoint, "+", func(_ value.Value, args []value.Value) (value.Value, error) {
		return fix(100 + args[0].SmallInt()), nil
	})
	m := fooPlusOneMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	p := rt.newObject(clsPoint)

	got, err := rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(2), got)

	var narrow *Branch
	for _, b := range d.Graph().Blocks() {
		for _, id := range b.Outgoing {
			if br := d.Graph().Branch(id); br.Kind == BranchNarrow {
				narrow = br
			}
		}
	}
	require.NotNil(t, narrow, "the send result is narrowed to an integer")
	assert.Equal(t, TableEmpty, narrow.TableState())
	before := d.Stats()
	versions := len(d.Graph().Versions(narrow.Target))

	// The integer guard fails on an object halfway through the method.
	result = rt.newObject(clsPoint)
	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(101), got)

	after := d.Stats()
	assert.Equal(t, before.DispatchMisses+1, after.DispatchMisses, "the failed guard found no target")
	assert.Equal(t, before.StubHits+1, after.StubHits)
	assert.Greater(t, after.BlocksCompiled, before.BlocksCompiled)
	assert.Len(t, d.Graph().Versions(narrow.Target), versions+1)
	assert.Equal(t, TableMono, narrow.TableState())

	// The object version is linked now.
	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(101), got)
	again := d.Stats()
	assert.Equal(t, after.DispatchHits+2, again.DispatchHits, "method entry and the narrow branch both hit")
	assert.Equal(t, after.DispatchMisses, again.DispatchMisses)
	assert.Equal(t, after.BlocksCompiled, again.BlocksCompiled)
	require.NoError(t, d.Graph().Verify())
}

func TestRedefiningMethodInvalidatesCallers(t *testing.T) {
	rt := newFakeRuntime()
	rt.defineNative(clsPoint, "foo", func(value.Value, []value.Value) (value.Value, error) {
		return fix(1), nil
	})
	m := sendMethod(rt, "foo")
	d := newTestDriver(t, rt, testOptions())
	p := rt.newObject(clsPoint3D)

	got, err := rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(1), got)
	assert.Equal(t, int64(1), rt.invokes.Load(), "the send was bound at compile time")
	deps := d.Graph().Registry().Dependents(ClassMethodsKey(clsPoint3D))
	require.NotEmpty(t, deps, "lookup through the subclass is assumed")

	// Reopen the subclass: the inherited binding no longer holds.
	rt.defineNative(clsPoint3D, "foo", func(value.Value, []value.Value) (value.Value, error) {
		return fix(2), nil
	})
	for _, id := range deps {
		b := d.Graph().Block(id)
		assert.True(t, b.Invalid())
		assert.Equal(t, asm.OpExit, d.Graph().Code().Load(b.Start).Op())
		assert.Nil(t, d.Graph().FindOrStub(b.Pos, b.Ctx))
	}
	assert.Empty(t, d.Graph().Registry().Dependents(ClassMethodsKey(clsPoint3D)))

	got, err = rt.run(m, p)
	require.NoError(t, err)
	assert.Equal(t, fix(2), got)
	require.NoError(t, d.Graph().Verify())
}

func TestGlobalChangeInvalidates(t *testing.T) {
	rt := newFakeRuntime()
	rt.setGlobal("Limit", fix(5))
	m := globalMethod(rt, "Limit")
	d := newTestDriver(t, rt, testOptions())

	got, err := rt.run(m, value.Nil)
	require.NoError(t, err)
	assert.Equal(t, fix(5), got)
	require.Len(t, d.Graph().Blocks(), 1)
	b := d.Graph().Blocks()[0]

	rt.setGlobal("Limit", fix(7))
	assert.True(t, b.Invalid())
	assert.Empty(t, d.Graph().Blocks())
	assert.Empty(t, d.Graph().Incoming(b))
	assert.Equal(t, uint64(1), d.Stats().Invalidations)

	got, err = rt.run(m, value.Nil)
	require.NoError(t, err)
	assert.Equal(t, fix(7), got)
	require.NoError(t, d.Graph().Verify())
}

func TestStaleDraftIsRejected(t *testing.T) {
	rt := newFakeRuntime()
	rt.setGlobal("G", fix(1))
	m := globalMethod(rt, "G")
	d := newTestDriver(t, rt, testOptions())
	g := d.Graph()

	dr, err := g.gen.generate(Position{Method: m}, Initial(0), nil)
	require.NoError(t, err)
	require.Len(t, dr.Assumes, 1)

	rt.setGlobal("G", fix(2))
	g.mu.Lock()
	_, err = g.publishLocked(dr)
	g.mu.Unlock()
	assert.ErrorIs(t, err, ErrAssumptionViolated)
	assert.Empty(t, g.Blocks())
	assert.Equal(t, uint64(1), d.Stats().AssumptionRejects)
}

func TestConcurrentCompileFirstPublishWins(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	pos := Position{Method: m, PC: 0}

	const workers = 16
	ids := make([]BlockID, workers)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		eg.Go(func() error {
			b, err := d.Graph().CompileBlock(pos, Initial(0), nil)
			if err != nil {
				return err
			}
			ids[i] = b.ID
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, uint64(1), d.Stats().BlocksCompiled)
	require.NoError(t, d.Graph().Verify())
}

func TestConcurrentExecution(t *testing.T) {
	rt := newFakeRuntime()
	sum := sumMethod(rt)
	square := squareMethod(rt)
	d := newTestDriver(t, rt, testOptions())

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < 50; i++ {
				n := int64(w*10 + i)
				got, err := rt.run(sum, value.Nil, fix(n))
				if err != nil {
					return err
				}
				if want := fix(n * (n - 1) / 2); got != want {
					return fmt.Errorf("sumTo: %d = %v, want %v", n, got, want)
				}
				got, err = rt.run(square, value.Nil, value.FromFloat64(float64(n)))
				if err != nil {
					return err
				}
				if got.Float64() != float64(n*n) {
					return fmt.Errorf("square: %d = %v", n, got)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.NoError(t, d.Graph().Verify())
	assert.False(t, d.Disabled())
}

func TestVersionLimitFallsBackToGeneric(t *testing.T) {
	rt := newFakeRuntime()
	m := incMethod(rt)
	opts := testOptions()
	opts.MaxVersions = 1
	d := newTestDriver(t, rt, opts)

	got, err := rt.run(m, value.Nil, fix(1))
	require.NoError(t, err)
	assert.Equal(t, fix(2), got)

	got, err = rt.run(m, value.Nil, value.FromFloat64(1.5))
	require.NoError(t, err)
	assert.Equal(t, value.FromFloat64(2.5), got)

	assert.Equal(t, uint64(1), d.Stats().VersionLimitHits)
	versions := d.Graph().Versions(Position{Method: m, PC: 0})
	require.Len(t, versions, 2)
	assert.Equal(t, Initial(0), versions[1].Ctx, "the fallback is the generic context")
}

func TestResourceExhaustionStaysInterpreted(t *testing.T) {
	rt := newFakeRuntime()
	b := bytecode.NewBuilder()
	for i := 0; i < 40; i++ {
		b.EmitPushInt(int32(i))
		b.Emit(bytecode.OpPOP)
	}
	b.EmitPushInt(9)
	b.Emit(bytecode.OpReturnTop)
	m := rt.addMethod("long", b.Bytes(), nil, 0, 0)

	opts := testOptions()
	opts.CodeSize = 64
	d := newTestDriver(t, rt, opts)

	got, err := rt.run(m, value.Nil)
	require.NoError(t, err)
	assert.Equal(t, fix(9), got)
	assert.Equal(t, uint64(1), d.Stats().CompileFailures)
	entry := Initial(0)
	entry.Self = NilType
	assert.True(t, d.Graph().Failed(Position{Method: m}, entry))

	// The full arena is discarded at the next entry.
	got, err = rt.run(m, value.Nil)
	require.NoError(t, err)
	assert.Equal(t, fix(9), got)
	assert.Equal(t, uint64(1), d.Stats().Resets)
}

func TestThisContextIsLeftToTheInterpreter(t *testing.T) {
	rt := newFakeRuntime()
	b := bytecode.NewBuilder()
	b.Emit(bytecode.OpPushContext)
	b.Emit(bytecode.OpPOP)
	b.EmitPushInt(3)
	b.Emit(bytecode.OpReturnTop)
	m := rt.addMethod("ctx", b.Bytes(), nil, 0, 0)
	d := newTestDriver(t, rt, testOptions())

	got, err := rt.run(m, value.Nil)
	require.NoError(t, err)
	assert.Equal(t, fix(3), got)

	blocks := d.Graph().Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, EndUnsupported, blocks[0].Kind)
	assert.Equal(t, uint64(1), d.Stats().SideExits)
}

func TestInconsistencyDisablesJIT(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())

	_, err := rt.run(m, value.Nil, fix(10))
	require.NoError(t, err)
	require.NotEmpty(t, d.Graph().Blocks())

	d.fail(inconsistent("test"))
	assert.True(t, d.Disabled())

	got, err := rt.run(m, value.Nil, fix(10))
	require.NoError(t, err)
	assert.Equal(t, fix(45), got)
	assert.Empty(t, d.Graph().Blocks())
	assert.Equal(t, uint64(1), d.Stats().Resets)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	o := DefaultOptions()
	o.MaxBranchTargets = MaxBranchTargetsLimit + 1
	assert.Error(t, o.Validate())

	o = DefaultOptions()
	o.CodeSize = 1
	_, err := NewDriver(newFakeRuntime(), o)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	_, err := rt.run(m, value.Nil, fix(5))
	require.NoError(t, err)

	snap := d.Snapshot(true)
	require.NotEmpty(t, snap.Blocks)
	assert.Contains(t, snap.Blocks[0].Code, "compare")

	data, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	back, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Blocks, back.Blocks)
	assert.Equal(t, snap.Stats.BlocksCompiled, back.Stats.BlocksCompiled)
}

func TestCollector(t *testing.T) {
	rt := newFakeRuntime()
	m := sumMethod(rt)
	d := newTestDriver(t, rt, testOptions())
	_, err := rt.run(m, value.Nil, fix(5))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(d)))
	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]float64{}
	for _, f := range families {
		m := f.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			found[f.GetName()] = c.GetValue()
		} else if g := m.GetGauge(); g != nil {
			found[f.GetName()] = g.GetValue()
		}
	}
	assert.Equal(t, float64(d.Stats().BlocksCompiled), found["bbv_jit_blocks_compiled_total"])
	assert.NotZero(t, found["bbv_jit_code_used_words"])
	assert.Equal(t, float64(d.Stats().Deferrals), found["bbv_jit_deferrals_total"])
	assert.Contains(t, found, "bbv_jit_deferrals_total")
	for name := range found {
		assert.True(t, strings.HasPrefix(name, "bbv_jit_"), name)
	}

	// Every counter in Stats is exported.
	var counters int
	st := reflect.TypeOf(Stats{})
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).Type.Kind() == reflect.Uint64 {
			counters++
		}
	}
	assert.Len(t, NewCollector(d).counters, counters)
}
