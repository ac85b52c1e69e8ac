package jit

import (
	"github.com/chazu/bbv/jit/asm"
	"github.com/chazu/bbv/pkg/bytecode"
	"github.com/chazu/bbv/pkg/value"
)

// genState tracks a block through compilation.
type genState uint8

const (
	genStart genState = iota
	genEmitting
	genEnded
	genPublished
)

// branchSpec is an outgoing branch of a draft, before it has a graph ID.
type branchSpec struct {
	Kind   BranchKind
	Target Position
	Ctx    Context
	Slot   Slot
	Site   asm.Label // direct: the patchable jump
	Stub   asm.Label // direct: STUB word; narrow: DISPATCH word
}

// draft is a compiled block that has not been published.
type draft struct {
	Pos      Position
	Ctx      Context
	End      int
	Kind     EndKind
	Asm      *asm.Assembler
	Branches []branchSpec
	Assumes  []Assumption
	state    genState
}

// codegen compiles one block at a time. It reads host state through the
// runtime without holding the graph lock; anything it bakes in is recorded
// as an assumption together with the version seen before the read.
type codegen struct {
	rt    Runtime
	reg   *Registry
	opts  *Options
	stats *counters
}

// blockGen is the state of one block compilation.
type blockGen struct {
	*codegen
	info *MethodInfo
	live Frame // may be nil; only valid at the block's first instruction
	d    *draft
	ctx  Context
	pc   int
	// first is set while compiling the instruction the block starts at.
	first  bool
	guards int
}

func (cg *codegen) generate(pos Position, ctx Context, live Frame) (*draft, error) {
	info, ok := cg.rt.Method(pos.Method)
	if !ok {
		return nil, inconsistent("unknown method %d", pos.Method)
	}
	if pos.PC < 0 || pos.PC >= len(info.Code) {
		return nil, inconsistent("position %s outside method of %d bytes", pos, len(info.Code))
	}
	g := &blockGen{
		codegen: cg,
		info:    info,
		live:    live,
		d:       &draft{Pos: pos, Ctx: ctx, Asm: asm.NewAssembler()},
		ctx:     ctx,
		pc:      pos.PC,
	}
	if err := g.run(); err != nil {
		return nil, err
	}
	return g.d, nil
}

func (g *blockGen) run() error {
	g.d.state = genEmitting
	for g.d.state == genEmitting {
		g.first = g.pc == g.d.Pos.PC
		in, err := bytecode.Decode(g.info.Code, g.pc)
		if err != nil {
			// Let the interpreter report malformed code.
			log.Debugf("decode failed at %s: %v", g.position(g.pc), err)
			g.unsupported(g.pc)
			break
		}
		if err := g.instruction(in); err != nil {
			return err
		}
		if g.d.state == genEmitting {
			g.pc = in.Next()
		}
	}
	g.emitOutOfLine()
	return nil
}

func (g *blockGen) end(kind EndKind, next int) {
	g.d.End = next
	if kind == EndNormal && g.guards > 0 {
		kind = EndGuardExit
	}
	g.d.Kind = kind
	g.d.state = genEnded
}

func (g *blockGen) position(pc int) Position {
	return Position{Method: g.d.Pos.Method, PC: pc}
}

func (g *blockGen) assume(k AssumptionKey, version uint64) {
	for _, a := range g.d.Assumes {
		if a.Key == k {
			return
		}
	}
	g.d.Assumes = append(g.d.Assumes, Assumption{Key: k, Version: version})
}

func (g *blockGen) instruction(in bytecode.Instruction) error {
	as := g.d.Asm
	switch in.Op {
	case bytecode.OpNOP:

	case bytecode.OpPOP:
		as.Pop()
		g.ctx = g.ctx.Pop(1)

	case bytecode.OpDUP:
		as.Dup()
		g.ctx = g.ctx.Push(g.ctx.StackRaw(0))

	case bytecode.OpPushNil:
		g.pushConst(value.Nil)
	case bytecode.OpPushTrue:
		g.pushConst(value.True)
	case bytecode.OpPushFalse:
		g.pushConst(value.False)
	case bytecode.OpPushInt8, bytecode.OpPushInt32:
		g.pushConst(value.FromSmallInt(int64(in.A)))
	case bytecode.OpPushFloat:
		g.pushConst(value.FromFloat64(in.F))

	case bytecode.OpPushLiteral:
		v, err := g.literal(in.A)
		if err != nil {
			return err
		}
		g.pushConst(v)

	case bytecode.OpPushSelf:
		as.PushSelf()
		g.ctx = g.ctx.Push(SelfType)

	case bytecode.OpPushTemp:
		as.PushLocal(in.A)
		g.ctx = g.ctx.Push(g.ctx.Local(in.A))

	case bytecode.OpStoreTemp:
		as.StoreLocal(in.A)
		g.ctx = g.ctx.SetLocal(in.A, g.ctx.StackRaw(0))

	case bytecode.OpPushGlobal:
		return g.global(in)

	case bytecode.OpSendPlus:
		return g.arith(in, asm.ArithAdd)
	case bytecode.OpSendMinus:
		return g.arith(in, asm.ArithSub)
	case bytecode.OpSendTimes:
		return g.arith(in, asm.ArithMul)

	case bytecode.OpSendLT:
		return g.compare(in, asm.CmpLT)
	case bytecode.OpSendGT:
		return g.compare(in, asm.CmpGT)
	case bytecode.OpSendLE:
		return g.compare(in, asm.CmpLE)
	case bytecode.OpSendGE:
		return g.compare(in, asm.CmpGE)
	case bytecode.OpSendEQ:
		return g.compare(in, asm.CmpEQ)
	case bytecode.OpSendNE:
		return g.compare(in, asm.CmpNE)

	case bytecode.OpSend:
		return g.send(in)

	case bytecode.OpJump:
		g.branchTo(in.Target(), g.ctx.ResetChainDepth(), in.Next())

	case bytecode.OpJumpTrue:
		g.condJump(in, asm.CondTrue)
	case bytecode.OpJumpFalse:
		g.condJump(in, asm.CondFalsy)
	case bytecode.OpJumpNil:
		g.condJump(in, asm.CondNil)
	case bytecode.OpJumpNotNil:
		g.condJump(in, asm.CondNotNil)

	case bytecode.OpReturnTop:
		as.Return()
		g.end(EndNormal, in.Next())
	case bytecode.OpReturnSelf:
		as.PushSelf()
		as.Return()
		g.end(EndNormal, in.Next())
	case bytecode.OpReturnNil:
		as.PushImm(value.Nil)
		as.Return()
		g.end(EndNormal, in.Next())

	case bytecode.OpPushContext:
		g.unsupported(in.PC)

	default:
		g.step(in)
	}
	return nil
}

func (g *blockGen) literal(i int) (value.Value, error) {
	if i < 0 || i >= len(g.info.Literals) {
		return value.Nil, inconsistent("literal %d out of range in method %d", i, g.info.ID)
	}
	return g.info.Literals[i], nil
}

func (g *blockGen) pushConst(v value.Value) {
	g.d.Asm.PushImm(v)
	g.ctx = g.ctx.Push(g.rt.TypeOf(v))
}

// unsupported ends the block with an exit to the interpreter at pc.
func (g *blockGen) unsupported(pc int) {
	g.d.Asm.Exit(pc)
	bump(&g.stats.unsupported)
	log.Debugf("%s: %v", g.position(pc), ErrUnsupportedInstruction)
	g.end(EndUnsupported, pc)
}

// step hands one instruction to the interpreter and continues in a new
// block, since the host may have changed anything compiled code assumed.
func (g *blockGen) step(in bytecode.Instruction) {
	g.d.Asm.Step(in.PC)
	g.ctx = g.ctx.Pop(in.Pops())
	for i := 0; i < in.Pushes(); i++ {
		g.ctx = g.ctx.Push(Unknown)
	}
	g.branchTo(in.Next(), g.ctx.ResetChainDepth(), in.Next())
}

// branchTo ends the block with a direct branch to pc. end is the pc after
// the last instruction the block covers.
func (g *blockGen) branchTo(pc int, ctx Context, end int) {
	site, stub := g.d.Asm.ReserveLabel(), g.d.Asm.ReserveLabel()
	g.d.Asm.Mark(site)
	g.d.Asm.Jump(asm.To(stub))
	g.d.Branches = append(g.d.Branches, branchSpec{
		Kind: BranchDirect, Target: g.position(pc), Ctx: ctx, Site: site, Stub: stub,
	})
	g.end(EndNormal, end)
}

// deferTo ends the block just before the current instruction so that the
// block compiled for it can look at live values. The guard chain goes on.
func (g *blockGen) deferTo() {
	bump(&g.stats.deferrals)
	g.branchTo(g.pc, g.ctx, g.pc)
}

func (g *blockGen) condJump(in bytecode.Instruction, cond asm.Cond) {
	t := g.ctx.StackType(0)
	after := g.ctx.Pop(1).ResetChainDepth()
	if holds, decided := t.Decides(cond); decided {
		g.d.Asm.Pop()
		if holds {
			g.branchTo(in.Target(), after, in.Next())
		} else {
			g.branchTo(in.Next(), after, in.Next())
		}
		return
	}

	as := g.d.Asm
	taken, takenStub := as.ReserveLabel(), as.ReserveLabel()
	as.Mark(taken)
	as.JumpIf(cond, asm.To(takenStub))
	g.d.Branches = append(g.d.Branches, branchSpec{
		Kind: BranchDirect, Target: g.position(in.Target()), Ctx: after, Site: taken, Stub: takenStub,
	})
	g.branchTo(in.Next(), after, in.Next())
}

// guard emits a type test of s. A failure branches to the narrow branch for
// the current instruction; on success ctx records t.
func (g *blockGen) guard(s Slot, t Type) bool {
	check, ok := t.Check()
	if !ok {
		return false
	}
	var loc asm.Loc
	switch s.Kind {
	case SlotStack:
		loc = asm.StackLoc(s.Index)
	case SlotLocal:
		loc = asm.LocalLoc(s.Index)
	default:
		loc = asm.SelfLoc
	}
	as := g.d.Asm
	dispatch := as.ReserveLabel()
	as.Guard(loc, check, asm.To(dispatch))
	g.d.Branches = append(g.d.Branches, branchSpec{
		Kind: BranchNarrow, Target: g.position(g.pc), Ctx: g.ctx, Slot: s, Stub: dispatch,
	})
	g.ctx = g.ctx.Upgrade(s, t)
	g.guards++
	bump(&g.stats.guards)
	return true
}

// canPeek reports whether live values may drive specialization now.
func (g *blockGen) canPeek() bool {
	return g.first && g.live != nil && int(g.ctx.ChainDepth) < g.opts.MaxChainDepth
}

// specializable reports whether unknown operands could still be resolved,
// now or after deferring.
func (g *blockGen) specializable() bool {
	return int(g.ctx.ChainDepth) < g.opts.MaxChainDepth
}

// operandResult is the outcome of establishing operand types.
type operandResult uint8

const (
	operandsReady operandResult = iota
	operandsGeneric
	operandsDeferred
)

// fixnumOperands tries to establish that the top two stack slots hold
// fixnums, guarding live values when allowed.
func (g *blockGen) fixnumOperands() operandResult {
	var unknown []int
	for _, depth := range []int{1, 0} {
		switch t := g.ctx.StackType(depth); {
		case t == FixnumType:
		case t.Known():
			return operandsGeneric
		default:
			unknown = append(unknown, depth)
		}
	}
	if len(unknown) == 0 {
		return operandsReady
	}
	if !g.specializable() {
		return operandsGeneric
	}
	if !g.canPeek() {
		if g.first {
			return operandsGeneric
		}
		g.deferTo()
		return operandsDeferred
	}
	for _, depth := range unknown {
		if !g.live.Peek(depth).IsSmallInt() {
			return operandsGeneric
		}
	}
	for _, depth := range unknown {
		g.guard(StackSlot(depth), FixnumType)
	}
	return operandsReady
}

// fixnumPrimitive checks that the optimized send still means fixnum
// arithmetic and returns the assumption that keeps it so.
func (g *blockGen) fixnumPrimitive(in bytecode.Instruction) (Assumption, bool) {
	name, ok := in.Op.BinarySelector()
	if !ok {
		return Assumption{}, false
	}
	cls, ok := g.rt.ClassOfType(FixnumType)
	if !ok {
		return Assumption{}, false
	}
	key := ClassMethodsKey(cls)
	version := g.reg.Version(key)
	if !g.rt.PrimitiveIntact(cls, g.rt.Intern(name)) {
		return Assumption{}, false
	}
	return Assumption{Key: key, Version: version}, true
}

func (g *blockGen) arith(in bytecode.Instruction, k asm.ArithKind) error {
	a, ok := g.fixnumPrimitive(in)
	if !ok {
		g.step(in)
		return nil
	}
	switch g.fixnumOperands() {
	case operandsDeferred:
		return nil
	case operandsGeneric:
		g.step(in)
		return nil
	}
	g.assume(a.Key, a.Version)
	g.d.Asm.Arith(k, asm.ExitAt(in.PC))
	g.ctx = g.ctx.Pop(2).Push(FixnumType)
	return nil
}

func (g *blockGen) compare(in bytecode.Instruction, k asm.CmpKind) error {
	a, ok := g.fixnumPrimitive(in)
	if !ok {
		g.step(in)
		return nil
	}
	switch g.fixnumOperands() {
	case operandsDeferred:
		return nil
	case operandsGeneric:
		g.step(in)
		return nil
	}
	g.assume(a.Key, a.Version)
	g.d.Asm.Compare(k)
	g.ctx = g.ctx.Pop(2).Push(Unknown)
	return nil
}

// global folds the current binding of a global into the code.
func (g *blockGen) global(in bytecode.Instruction) error {
	name, err := g.literal(in.A)
	if err != nil {
		return err
	}
	if !name.IsSymbol() {
		return inconsistent("global name literal %d is %v", in.A, name)
	}
	key := GlobalKey(name.SymbolID())
	version := g.reg.Version(key)
	v, ok := g.rt.Global(name.SymbolID())
	if !ok {
		g.step(in)
		return nil
	}
	g.assume(key, version)
	g.pushConst(v)
	return nil
}

// send compiles a full message send. With the receiver's class known the
// method is looked up now and called directly.
func (g *blockGen) send(in bytecode.Instruction) error {
	sel, err := g.literal(in.A)
	if err != nil {
		return err
	}
	if !sel.IsSymbol() {
		return inconsistent("selector literal %d is %v", in.A, sel)
	}
	argc := in.B
	recv := StackSlot(argc)
	t := g.ctx.StackType(argc)
	if !t.Known() {
		switch {
		case !g.specializable() || (g.first && !g.canPeek()):
			g.step(in)
			return nil
		case !g.first:
			g.deferTo()
			return nil
		}
		t = g.rt.TypeOf(g.live.Peek(argc))
		if !g.guard(recv, t) {
			g.step(in)
			return nil
		}
	}

	cls, ok := g.rt.ClassOfType(t)
	if !ok {
		g.step(in)
		return nil
	}
	chain := g.rt.Ancestry(cls)
	seen := make([]Assumption, len(chain))
	for i, c := range chain {
		k := ClassMethodsKey(c)
		seen[i] = Assumption{Key: k, Version: g.reg.Version(k)}
	}
	m, ok := g.rt.Lookup(cls, sel.SymbolID())
	if !ok {
		// doesNotUnderstand: is the interpreter's business.
		g.step(in)
		return nil
	}
	for _, a := range seen {
		g.assume(a.Key, a.Version)
	}
	g.d.Asm.Invoke(uint32(m), argc, in.PC)
	g.ctx = g.ctx.Pop(argc + 1).Push(Unknown)
	g.branchTo(in.Next(), g.ctx.ResetChainDepth(), in.Next())
	return nil
}

// emitOutOfLine places stub and dispatch words after the block body.
func (g *blockGen) emitOutOfLine() {
	as := g.d.Asm
	for i, br := range g.d.Branches {
		as.Mark(br.Stub)
		if br.Kind == BranchNarrow {
			as.Dispatch(i)
		} else {
			as.Stub(i)
		}
	}
}
