package jit

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/value"
)

// Outcome says how the interpreter should continue after Enter.
type Outcome uint8

const (
	// Interpret means the frame's pc is where interpretation resumes.
	Interpret Outcome = iota
	// Returned means the activation finished with Result.Value.
	Returned
)

// Result is the outcome of running compiled code for a frame.
type Result struct {
	Outcome Outcome
	Value   value.Value
}

// Driver connects the host interpreter to compiled code. It decides when a
// block is compiled, resolves branches on demand and runs the machine.
type Driver struct {
	rt       Runtime
	opts     Options
	registry *Registry
	graph    *Graph
	machine  *asm.Machine
	stats    counters

	// quiesce is held shared while compiled code runs; Reset takes it
	// exclusively with TryLock so nested entries never wait on a writer.
	quiesce      sync.RWMutex
	resetPending atomic.Bool
	disabled     atomic.Bool
}

// NewDriver creates a driver for rt. Options are read once.
func NewDriver(rt Runtime, opts Options) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	d := &Driver{rt: rt, opts: opts, registry: NewRegistry()}
	g, err := NewGraph(rt, opts, d.registry, &d.stats)
	if err != nil {
		return nil, err
	}
	d.graph = g
	d.machine = asm.NewMachine(g.Code(), machineEnv{d})
	return d, nil
}

func (d *Driver) Options() Options { return d.opts }
func (d *Driver) Graph() *Graph { return d.graph }

// Disabled reports whether an internal inconsistency switched the JIT off.
func (d *Driver) Disabled() bool { return d.disabled.Load() }

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	s := d.stats.snapshot()
	d.graph.fillStats(&s)
	s.Disabled = d.disabled.Load()
	return s
}

// RequestReset discards all compiled code at the next point where none is
// running.
func (d *Driver) RequestReset() {
	d.resetPending.Store(true)
	d.maybeReset()
}

func (d *Driver) maybeReset() {
	if !d.resetPending.Load() && !d.graph.full.Load() {
		return
	}
	if !d.quiesce.TryLock() {
		return
	}
	defer d.quiesce.Unlock()
	if d.resetPending.Swap(false) || d.graph.full.Load() {
		d.graph.Reset()
	}
}

// InvalidateAll must be called after host state covered by k changes and
// before compiled code can observe the change.
func (d *Driver) InvalidateAll(k AssumptionKey) int {
	return d.graph.InvalidateAll(k)
}

// fail handles an internal inconsistency: compiled code is dropped and the
// JIT stays off for the rest of the process.
func (d *Driver) fail(err error) {
	if d.disabled.Swap(true) {
		return
	}
	log.Errorf("disabling the JIT: %+v", err)
	d.resetPending.Store(true)
}

// Enter runs compiled code for f from its current pc. When the result is
// Interpret, f's pc says where to continue; errors are host errors raised
// by instructions the compiled code handed back to the host.
func (d *Driver) Enter(f Frame) (Result, error) {
	d.maybeReset()
	if !d.opts.Enabled || d.disabled.Load() {
		return Result{Outcome: Interpret}, nil
	}
	d.quiesce.RLock()
	defer d.quiesce.RUnlock()

	br := d.graph.EntryBranch(Position{Method: f.Method(), PC: f.PC()})
	addr, ok := d.dispatch(f, br)
	if !ok {
		if addr, ok = d.resolve(br, f); !ok {
			return Result{Outcome: Interpret}, nil
		}
	}
	bump(&d.stats.entries)
	return d.run(f, addr)
}

func (d *Driver) run(f Frame, addr asm.Addr) (Result, error) {
	for {
		exit := d.machine.Run(f, addr)
		switch exit.Reason {
		case asm.ExitReturn:
			return Result{Outcome: Returned, Value: exit.Value}, nil

		case asm.ExitSide:
			bump(&d.stats.sideExits)
			f.SetPC(exit.PC)
			return Result{Outcome: Interpret}, nil

		case asm.ExitStub:
			bump(&d.stats.stubHits)
			br := d.graph.Branch(BranchID(exit.Branch))
			if br == nil {
				err := inconsistent("stub @%d names unknown branch %d", exit.At, exit.Branch)
				d.fail(err)
				return Result{}, err
			}
			next, ok := d.resolve(br, f)
			if !ok {
				f.SetPC(br.Target.PC)
				return Result{Outcome: Interpret}, nil
			}
			addr = next

		default:
			if errors.Is(exit.Err, asm.ErrBadCode) {
				err := inconsistent("executing @%d: %v", exit.At, exit.Err)
				d.fail(err)
				return Result{}, err
			}
			return Result{}, exit.Err
		}
	}
}

// slotValue reads the live value a narrow branch keys on.
func slotValue(f Frame, s Slot) value.Value {
	switch s.Kind {
	case SlotStack:
		return f.Peek(s.Index)
	case SlotLocal:
		return f.Local(s.Index)
	}
	return f.Self()
}

// key computes the table key a polymorphic branch uses for f.
func (d *Driver) key(br *Branch, f Frame) (Context, bool) {
	switch br.Kind {
	case BranchNarrow:
		return br.Ctx.Narrow(br.Slot, d.rt.TypeOf(slotValue(f, br.Slot)), d.opts.MaxChainDepth), true
	case BranchEntry:
		info, ok := d.rt.Method(br.Target.Method)
		if !ok {
			return Context{}, false
		}
		return Derive(f, info.NumLocals, d.rt), true
	}
	return Context{}, false
}

// dispatch finds compiled code for f at a polymorphic branch without
// compiling or locking.
func (d *Driver) dispatch(f Frame, br *Branch) (asm.Addr, bool) {
	if br.Dead() {
		return asm.NoAddr, false
	}
	key, ok := d.key(br, f)
	if !ok {
		return asm.NoAddr, false
	}
	if e, ok := br.lookup(key); ok {
		bump(&d.stats.dispatchHits)
		return e.Addr, true
	}
	bump(&d.stats.dispatchMisses)
	return asm.NoAddr, false
}

// resolve compiles what br leads to for f and links it, retrying once if
// host state changed underneath the compile.
func (d *Driver) resolve(br *Branch, f Frame) (asm.Addr, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := d.tryResolve(br, f)
		switch {
		case err == nil:
			return addr, true
		case errors.Is(err, ErrAssumptionViolated), errors.Is(err, errStaleTarget):
			log.Debugf("retrying %s: %v", br, err)
			continue
		case errors.Is(err, ErrResourceExhausted), errors.Is(err, errDeadBranch):
			log.Debugf("interpreting %s: %v", br, err)
			return asm.NoAddr, false
		case errors.Is(err, ErrInternalInconsistency):
			d.fail(err)
			return asm.NoAddr, false
		default:
			log.Warningf("interpreting %s: %v", br, err)
			return asm.NoAddr, false
		}
	}
	return asm.NoAddr, false
}

func (d *Driver) tryResolve(br *Branch, f Frame) (asm.Addr, error) {
	if br.Dead() {
		return asm.NoAddr, errDeadBranch
	}
	pos := br.Target
	switch br.Kind {
	case BranchDirect:
		if f.Depth() != int(br.Ctx.StackSize) {
			return asm.NoAddr, inconsistent("%s expects %d stack values, frame has %d", br, br.Ctx.StackSize, f.Depth())
		}
		b, err := d.graph.Obtain(pos, br.Ctx, f, nil)
		if err != nil {
			return asm.NoAddr, err
		}
		return d.graph.Resolve(br, b, br.Ctx, false)

	case BranchNarrow:
		key, _ := d.key(br, f)
		exhausted := br.Ctx.Exhausted(br.Slot, d.opts.MaxChainDepth)
		if br.table.Load().full(d.opts.MaxBranchTargets) {
			b, err := d.graph.Obtain(pos, exhausted, f, &exhausted)
			if err != nil {
				return asm.NoAddr, err
			}
			return d.graph.Resolve(br, b, key, true)
		}
		b, err := d.graph.Obtain(pos, key, f, &exhausted)
		if err != nil {
			return asm.NoAddr, err
		}
		return d.graph.Resolve(br, b, key, false)

	case BranchEntry:
		key, ok := d.key(br, f)
		if !ok {
			return asm.NoAddr, inconsistent("entry into unknown method %d", pos.Method)
		}
		if br.table.Load().full(d.opts.MaxBranchTargets) {
			b, err := d.graph.Obtain(pos, key.Generic(), f, nil)
			if err != nil {
				return asm.NoAddr, err
			}
			return d.graph.Resolve(br, b, key, true)
		}
		b, err := d.graph.Obtain(pos, key, f, nil)
		if err != nil {
			return asm.NoAddr, err
		}
		return d.graph.Resolve(br, b, key, false)
	}
	return asm.NoAddr, inconsistent("branch %s has unknown kind", br)
}

// machineEnv adapts the runtime to the machine's callbacks.
type machineEnv struct{ d *Driver }

func (e machineEnv) ClassOf(v value.Value) uint32 {
	return uint32(e.d.rt.ClassOf(v))
}

func (e machineEnv) Step(f asm.Frame, pc int) error {
	return e.d.rt.Step(f.(Frame), pc)
}

func (e machineEnv) Invoke(f asm.Frame, method uint32, argc int, pc int) error {
	return e.d.rt.Invoke(f.(Frame), MethodID(method), argc, pc)
}

func (e machineEnv) Dispatch(f asm.Frame, branch uint32) (asm.Addr, bool) {
	br := e.d.graph.Branch(BranchID(branch))
	if br == nil {
		return asm.NoAddr, false
	}
	return e.d.dispatch(f.(Frame), br)
}
