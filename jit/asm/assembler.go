package asm

import (
	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/pkg/value"
)

// Label names a position inside an Assembler's instruction list.
type Label int

// TargetKind distinguishes how the b field of a jump-like instruction is
// resolved at encode time.
type TargetKind uint8

const (
	TargetNone  TargetKind = iota
	TargetLabel            // a label in the same instruction list
	TargetExit             // the shared side exit for a bytecode pc
)

// Target is an unresolved jump destination.
type Target struct {
	Kind  TargetKind
	Label Label
	PC    int
}

// To targets a label.
func To(l Label) Target { return Target{Kind: TargetLabel, Label: l} }

// ExitAt targets the interpreter re-entry for pc.
func ExitAt(pc int) Target { return Target{Kind: TargetExit, PC: pc} }

// Insn is one abstract micro-instruction.
type Insn struct {
	Op     Op
	A      uint32
	B      uint32 // literal b field (pc) when Target is unset
	Ext    Word
	Target Target
	// Branch is the draft-local index of the branch a STUB or DISPATCH
	// belongs to; it is translated to a graph-wide ID at encode time.
	Branch int
}

// Assembler collects micro-instructions and labels for one block.
type Assembler struct {
	insns  []Insn
	labels []int // label -> instruction index, -1 until marked
}

// NewAssembler creates an empty instruction list.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// ReserveLabel allocates a label for later placement with Mark.
func (a *Assembler) ReserveLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Mark places l at the next emitted instruction.
func (a *Assembler) Mark(l Label) {
	if a.labels[l] >= 0 {
		panic("asm: label marked twice")
	}
	a.labels[l] = len(a.insns)
}

// Here reserves a label and marks it at the current position.
func (a *Assembler) Here() Label {
	l := a.ReserveLabel()
	a.Mark(l)
	return l
}

// Len returns the number of instructions emitted so far.
func (a *Assembler) Len() int {
	return len(a.insns)
}

// Insns returns the emitted instructions.
func (a *Assembler) Insns() []Insn {
	return a.insns
}

func (a *Assembler) emit(in Insn) {
	a.insns = append(a.insns, in)
}

func (a *Assembler) PushImm(v value.Value) { a.emit(Insn{Op: OpPushImm, Ext: Word(v)}) }
func (a *Assembler) PushLocal(i int) { a.emit(Insn{Op: OpPushLocal, A: uint32(i)}) }
func (a *Assembler) StoreLocal(i int) { a.emit(Insn{Op: OpStoreLocal, A: uint32(i)}) }
func (a *Assembler) PushSelf() { a.emit(Insn{Op: OpPushSelf}) }
func (a *Assembler) Pop() { a.emit(Insn{Op: OpPop}) }
func (a *Assembler) Dup() { a.emit(Insn{Op: OpDup}) }
func (a *Assembler) Return() { a.emit(Insn{Op: OpReturn}) }

// Guard jumps to fail unless the value at loc passes c.
func (a *Assembler) Guard(loc Loc, c Check, fail Target) {
	a.emit(Insn{Op: OpGuard, A: uint32(loc), Ext: c.word(), Target: fail})
}

// Arith pops two fixnums and pushes the result; on overflow the operands
// stay on the stack and control goes to overflow.
func (a *Assembler) Arith(k ArithKind, overflow Target) {
	a.emit(Insn{Op: OpArith, A: uint32(k), Target: overflow})
}

// Compare pops two fixnums and pushes true or false.
func (a *Assembler) Compare(k CmpKind) {
	a.emit(Insn{Op: OpCompare, A: uint32(k)})
}

// Step asks the host to execute the bytecode instruction at pc generically.
func (a *Assembler) Step(pc int) {
	a.emit(Insn{Op: OpStep, B: uint32(pc)})
}

// Invoke calls method directly with argc arguments already on the stack.
func (a *Assembler) Invoke(method uint32, argc int, pc int) {
	a.emit(Insn{Op: OpInvoke, A: uint32(argc), B: uint32(pc), Ext: Word(method)})
}

// Jump emits an unconditional jump.
func (a *Assembler) Jump(t Target) {
	a.emit(Insn{Op: OpJump, Target: t})
}

// JumpIf pops the top of stack and jumps when c holds.
func (a *Assembler) JumpIf(c Cond, t Target) {
	a.emit(Insn{Op: OpJumpIf, A: uint32(c), Target: t})
}

// Exit resumes the interpreter at pc.
func (a *Assembler) Exit(pc int) {
	a.emit(Insn{Op: OpExit, B: uint32(pc)})
}

// Stub emits the out-of-line trampoline of a pending direct branch.
func (a *Assembler) Stub(branch int) {
	a.emit(Insn{Op: OpStub, Branch: branch})
}

// Dispatch emits the out-of-line table lookup of a polymorphic branch.
func (a *Assembler) Dispatch(branch int) {
	a.emit(Insn{Op: OpDispatch, Branch: branch})
}

// Resolver supplies addresses and identifiers that only exist at publish
// time.
type Resolver interface {
	// ExitStub returns the address of a word holding EXIT pc.
	ExitStub(pc int) (Addr, error)
	// BranchID maps a draft-local branch index to its graph-wide ID.
	BranchID(index int) uint32
}

// Region is the placement of an encoded instruction list.
type Region struct {
	Start  Addr
	Size   int
	labels []Addr
}

// Addr returns the code address of a label.
func (r Region) Addr(l Label) Addr {
	return r.labels[l]
}

// Contains reports whether a lies inside the region.
func (r Region) Contains(a Addr) bool {
	return a >= r.Start && int(a) < int(r.Start)+r.Size
}

// Encode lays out the assembler's instructions in buf and returns the region.
// Exit stubs are resolved before the region is allocated so the region stays
// contiguous, with the first instruction at Region.Start.
func Encode(a *Assembler, buf *CodeBuffer, res Resolver) (Region, error) {
	if len(a.insns) == 0 {
		return Region{}, errors.New("asm: empty instruction list")
	}

	offsets := make([]int, len(a.insns)+1)
	for i, in := range a.insns {
		offsets[i+1] = offsets[i] + in.Op.Size()
	}
	size := offsets[len(a.insns)]

	for l, idx := range a.labels {
		if idx < 0 {
			return Region{}, errors.Newf("asm: label %d never marked", l)
		}
	}

	exits := make(map[int]Addr)
	for _, in := range a.insns {
		if in.Target.Kind != TargetExit {
			continue
		}
		if _, ok := exits[in.Target.PC]; ok {
			continue
		}
		at, err := res.ExitStub(in.Target.PC)
		if err != nil {
			return Region{}, err
		}
		exits[in.Target.PC] = at
	}

	start, err := buf.Alloc(size)
	if err != nil {
		return Region{}, err
	}
	region := Region{Start: start, Size: size, labels: make([]Addr, len(a.labels))}
	for l, idx := range a.labels {
		region.labels[l] = start + Addr(offsets[idx])
	}

	for i, in := range a.insns {
		at := start + Addr(offsets[i])
		b := in.B
		switch in.Target.Kind {
		case TargetLabel:
			b = uint32(region.labels[in.Target.Label])
		case TargetExit:
			b = uint32(exits[in.Target.PC])
		}
		if in.Op == OpStub || in.Op == OpDispatch {
			b = res.BranchID(in.Branch)
		}
		buf.store(at, MakeWord(in.Op, in.A, b))
		if in.Op.HasExt() {
			buf.store(at+1, in.Ext)
		}
	}
	return region, nil
}

// EncodeExit writes a standalone EXIT pc word and returns its address.
func EncodeExit(buf *CodeBuffer, pc int) (Addr, error) {
	at, err := buf.Alloc(1)
	if err != nil {
		return NoAddr, err
	}
	buf.store(at, MakeWord(OpExit, 0, uint32(pc)))
	return at, nil
}
