package vm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/value"
)

func TestProfilerCallThreshold(t *testing.T) {
	p := NewProfiler(3, 10)
	m := jit.MethodID(7)

	assert.False(t, p.RecordCall(m))
	assert.False(t, p.RecordCall(m))
	assert.True(t, p.RecordCall(m), "hot at the threshold")
	assert.True(t, p.RecordCall(m), "and stays hot")

	prof := p.CallProfile(m)
	if assert.NotNil(t, prof) {
		assert.Equal(t, uint64(4), prof.Count)
		assert.True(t, prof.IsHot())
	}
	assert.Nil(t, p.CallProfile(8))

	s := p.Stats()
	assert.Equal(t, 1, s.Methods)
	assert.Equal(t, uint64(1), s.HotMethods)
	assert.Equal(t, uint64(4), s.Calls)
}

func TestProfilerLoopsAreKeyedByPosition(t *testing.T) {
	p := NewProfiler(10, 2)
	a := jit.Position{Method: 1, PC: 4}
	b := jit.Position{Method: 1, PC: 12}

	assert.False(t, p.RecordLoop(a))
	assert.False(t, p.RecordLoop(b))
	assert.True(t, p.RecordLoop(a))

	s := p.Stats()
	assert.Equal(t, 2, s.LoopHeaders)
	assert.Equal(t, uint64(1), s.HotLoops)
	assert.Equal(t, uint64(3), s.BackEdges)
}

func TestProfilerConcurrentHotCountsOnce(t *testing.T) {
	p := NewProfiler(100, 100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.RecordCall(1)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, uint64(800), s.Calls)
	assert.Equal(t, uint64(1), s.HotMethods)
}

func TestProfilerTopMethods(t *testing.T) {
	p := NewProfiler(1000, 1000)
	for i := 0; i < 5; i++ {
		p.RecordCall(2)
	}
	for i := 0; i < 3; i++ {
		p.RecordCall(1)
	}
	p.RecordCall(3)

	assert.Equal(t, []jit.MethodID{2, 1}, p.TopMethods(2))
	assert.Len(t, p.TopMethods(10), 3)
}

func TestInterpreterFeedsProfiler(t *testing.T) {
	vm, _ := newTestVM(t, false, programSource)
	_, err := vm.Send(instance(t, vm, "Main"), "sumTo:", value.FromSmallInt(10))
	require.NoError(t, err)
	assert.Zero(t, vm.Profiler.Stats().Calls, "nothing is profiled without a driver")

	vm, _ = newTestVM(t, true, programSource)
	main := instance(t, vm, "Main")
	for i := 0; i < 3; i++ {
		_, err = vm.Send(main, "sumTo:", value.FromSmallInt(10))
		require.NoError(t, err)
	}
	m, ok := vm.Classes.LookupMethod(vm.Classes.Lookup("Main"), vm.Symbols.Intern("sumTo:"))
	require.True(t, ok)
	prof := vm.Profiler.CallProfile(m.ID())
	require.NotNil(t, prof)
	assert.Equal(t, uint64(3), prof.Count)
	assert.True(t, prof.IsHot())
}
