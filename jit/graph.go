package jit

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chazu/bbv/jit/asm"
)

// Graph owns compiled blocks, the branches between them and the code arena
// they live in. Mutations happen under one lock; dispatch through target
// tables and execution of published code do not take it.
type Graph struct {
	mu       sync.Mutex
	rt       Runtime
	opts     Options
	code     *asm.CodeBuffer
	registry *Registry
	gen      *codegen
	stats    *counters

	blocks   arena[Block]
	branches arena[Branch]
	index    map[blockKey]BlockID
	versions map[Position][]BlockID
	failed   mapset.Set[blockKey]
	entries  sync.Map // Position -> *Branch
	exits    *lru.Cache[int, asm.Addr]
	epoch    atomic.Uint64

	// full is set when the arena ran out; the driver resets at the next
	// quiescent point.
	full atomic.Bool
}

// NewGraph creates an empty graph with its own code arena.
func NewGraph(rt Runtime, opts Options, reg *Registry, stats *counters) (*Graph, error) {
	exits, err := lru.New[int, asm.Addr](opts.SideExitCache)
	if err != nil {
		return nil, errors.Wrap(err, "jit: side-exit cache")
	}
	g := &Graph{
		rt:       rt,
		opts:     opts,
		code:     asm.NewCodeBuffer(opts.CodeSize),
		registry: reg,
		stats:    stats,
		index:    make(map[blockKey]BlockID),
		versions: make(map[Position][]BlockID),
		failed:   mapset.NewThreadUnsafeSet[blockKey](),
		exits:    exits,
	}
	g.gen = &codegen{rt: rt, reg: reg, opts: &g.opts, stats: stats}
	return g, nil
}

// Code returns the code arena.
func (g *Graph) Code() *asm.CodeBuffer { return g.code }

// Registry returns the assumption registry.
func (g *Graph) Registry() *Registry { return g.registry }

// Epoch counts resets.
func (g *Graph) Epoch() uint64 { return g.epoch.Load() }

func (g *Graph) Block(id BlockID) *Block { return g.blocks.get(uint32(id)) }
func (g *Graph) Branch(id BranchID) *Branch { return g.branches.get(uint32(id)) }

// FindOrStub returns the live block with exactly this identity, or nil when
// control for it still has to go through a stub. It never compiles.
func (g *Graph) FindOrStub(pos Position, ctx Context) *Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findLocked(pos, ctx)
}

func (g *Graph) findLocked(pos Position, ctx Context) *Block {
	if id, ok := g.index[blockKey{pos, ctx}]; ok {
		return g.Block(id)
	}
	return nil
}

// Versions returns the live blocks at pos.
func (g *Graph) Versions(pos Position) []*Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Block
	for _, id := range g.versions[pos] {
		out = append(out, g.Block(id))
	}
	return out
}

// Blocks returns every live block in ID order.
func (g *Graph) Blocks() []*Block {
	var out []*Block
	for _, b := range g.blocks.all() {
		if !b.Invalid() {
			out = append(out, b)
		}
	}
	return out
}

// Failed reports whether the identity is pinned to the interpreter.
func (g *Graph) Failed(pos Position, ctx Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed.Contains(blockKey{pos, ctx})
}

// Incoming lists the branches currently leading into b.
func (g *Graph) Incoming(b *Block) []BranchID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := b.incoming.ToSlice()
	slices.Sort(ids)
	return ids
}

// Obtain returns a block to run for a frame arriving at pos with ctx,
// compiling one if the version policy allows. Narrow branches pass exhausted
// so that a full position never hands control back to a block that would
// guard the same slot again.
func (g *Graph) Obtain(pos Position, ctx Context, live Frame, exhausted *Context) (*Block, error) {
	g.mu.Lock()
	if b := g.findLocked(pos, ctx); b != nil {
		g.mu.Unlock()
		return b, nil
	}
	if len(g.versions[pos]) >= g.opts.MaxVersions {
		bump(&g.stats.versionLimitHits)
		switch {
		case exhausted != nil:
			ctx = *exhausted
		default:
			if b := g.bestVersionLocked(pos, ctx); b != nil {
				g.mu.Unlock()
				return b, nil
			}
			ctx = ctx.Generic()
		}
		if b := g.findLocked(pos, ctx); b != nil {
			g.mu.Unlock()
			return b, nil
		}
	}
	g.mu.Unlock()
	return g.CompileBlock(pos, ctx, live)
}

func (g *Graph) bestVersionLocked(pos Position, ctx Context) *Block {
	var best *Block
	bestCost := Incompatible
	for _, id := range g.versions[pos] {
		b := g.Block(id)
		if cost := Diff(ctx, b.Ctx); cost < bestCost {
			best, bestCost = b, cost
		}
	}
	return best
}

// CompileBlock compiles and publishes the block for (pos, ctx). If the
// identity already exists it is returned unchanged.
func (g *Graph) CompileBlock(pos Position, ctx Context, live Frame) (*Block, error) {
	key := blockKey{pos, ctx}
	g.mu.Lock()
	if b := g.findLocked(pos, ctx); b != nil {
		g.mu.Unlock()
		return b, nil
	}
	if g.failed.Contains(key) {
		g.mu.Unlock()
		return nil, errors.Wrapf(ErrResourceExhausted, "%s %s previously failed", pos, ctx)
	}
	epoch := g.epoch.Load()
	g.mu.Unlock()

	d, err := g.gen.generate(pos, ctx, live)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch.Load() != epoch {
		return nil, errors.Wrapf(ErrAssumptionViolated, "graph reset while compiling %s", pos)
	}
	b, err := g.publishLocked(d)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			g.failed.Add(key)
			bump(&g.stats.compileFailures)
		}
		return nil, err
	}
	return b, nil
}

// publishResolver hands out branch IDs and shared exit stubs to the encoder.
type publishResolver struct {
	g       *Graph
	firstID uint32
}

func (r publishResolver) ExitStub(pc int) (asm.Addr, error) {
	if at, ok := r.g.exits.Get(pc); ok {
		return at, nil
	}
	at, err := asm.EncodeExit(r.g.code, pc)
	if err != nil {
		return asm.NoAddr, err
	}
	r.g.exits.Add(pc, at)
	return at, nil
}

func (r publishResolver) BranchID(index int) uint32 {
	return r.firstID + uint32(index)
}

func (g *Graph) publishLocked(d *draft) (*Block, error) {
	key := blockKey{d.Pos, d.Ctx}
	if id, ok := g.index[key]; ok {
		bump(&g.stats.discardedCompiles)
		log.Debugf("discarding duplicate compile of %s", d.Pos)
		return g.Block(id), nil
	}
	if err := g.registry.Current(d.Assumes); err != nil {
		bump(&g.stats.assumptionRejects)
		return nil, err
	}

	firstBranch := g.branches.next()
	region, err := asm.Encode(d.Asm, g.code, publishResolver{g: g, firstID: firstBranch})
	if err != nil {
		if errors.Is(err, asm.ErrCodeFull) {
			g.full.Store(true)
			return nil, errors.Wrapf(ErrResourceExhausted, "publishing %s: %v", d.Pos, err)
		}
		return nil, inconsistent("encoding %s: %v", d.Pos, err)
	}

	b := &Block{
		Pos:      d.Pos,
		Ctx:      d.Ctx,
		End:      d.End,
		Start:    region.Start,
		Size:     region.Size,
		Kind:     d.Kind,
		Assumes:  d.Assumes,
		incoming: mapset.NewThreadUnsafeSet[BranchID](),
	}
	b.ID = BlockID(g.blocks.next())
	g.blocks.add(b)

	for _, spec := range d.Branches {
		br := &Branch{
			Kind:   spec.Kind,
			Src:    b.ID,
			Target: spec.Target,
			Ctx:    spec.Ctx,
			Slot:   spec.Slot,
			Stub:   region.Addr(spec.Stub),
		}
		if spec.Kind == BranchDirect {
			br.Site = region.Addr(spec.Site)
		}
		br.ID = BranchID(g.branches.next())
		g.branches.add(br)
		b.Outgoing = append(b.Outgoing, br.ID)
	}

	if err := g.registry.Assume(b.ID, b.Assumes); err != nil {
		// Checked above under the graph lock; versions only change through
		// InvalidateAll, which takes it too.
		return nil, inconsistent("registry changed during publish of %s: %v", d.Pos, err)
	}
	g.index[key] = b.ID
	g.versions[b.Pos] = append(g.versions[b.Pos], b.ID)
	d.state = genPublished
	bump(&g.stats.blocksCompiled)
	log.Debugf("compiled %s", b)

	// Successors that already exist are linked right away.
	for _, id := range b.Outgoing {
		br := g.Branch(id)
		if br.Kind != BranchDirect {
			continue
		}
		if t := g.findLocked(br.Target, br.Ctx); t != nil {
			if _, err := g.resolveLocked(br, t, br.Ctx, false); err != nil {
				return nil, err
			}
		}
	}
	if g.opts.VerifyGraph {
		if err := g.verifyLocked(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

var (
	errDeadBranch  = errors.New("jit: branch source was invalidated")
	errStaleTarget = errors.New("jit: target block was invalidated")
)

// Resolve points br at b for frames presenting key. For polymorphic branches
// generic installs b as the table's fallback.
func (g *Graph) Resolve(br *Branch, b *Block, key Context, generic bool) (asm.Addr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveLocked(br, b, key, generic)
}

func (g *Graph) resolveLocked(br *Branch, b *Block, key Context, generic bool) (asm.Addr, error) {
	if b.Invalid() {
		return asm.NoAddr, errStaleTarget
	}
	if br.Dead() {
		return asm.NoAddr, errDeadBranch
	}
	if b.Pos != br.Target {
		return asm.NoAddr, inconsistent("branch %s resolved to %s", br, b)
	}
	switch br.Kind {
	case BranchDirect:
		if b.Ctx.StackSize != br.Ctx.StackSize {
			return asm.NoAddr, inconsistent("branch %s resolved to %s with a different stack", br, b)
		}
		if err := g.code.Patch(br.Site, b.Start); err != nil {
			return asm.NoAddr, inconsistent("patching %s: %v", br, err)
		}
		br.target.Store(uint32(b.ID))
	default:
		e := tableEntry{Key: key, Block: b.ID, Addr: b.Start}
		if generic {
			br.table.Store(br.table.Load().withGeneric(e, g.opts.MaxBranchTargets))
		} else {
			br.table.Store(br.table.Load().with(e, g.opts.MaxBranchTargets))
		}
	}
	b.incoming.Add(br.ID)
	bump(&g.stats.branchesResolved)
	return b.Start, nil
}

// EntryBranch returns the driver's branch into compiled code at pos.
func (g *Graph) EntryBranch(pos Position) *Branch {
	if br, ok := g.entries.Load(pos); ok {
		return br.(*Branch)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if br, ok := g.entries.Load(pos); ok {
		return br.(*Branch)
	}
	br := &Branch{ID: BranchID(g.branches.next()), Kind: BranchEntry, Target: pos}
	g.branches.add(br)
	g.entries.Store(pos, br)
	return br
}

// lookup consults a polymorphic branch's table. It takes no lock.
func (br *Branch) lookup(key Context) (tableEntry, bool) {
	return br.table.Load().lookup(key)
}

// Invalidate discards b. Code already running inside b finishes its current
// instruction sequence; every later transfer into b is redirected.
func (g *Graph) Invalidate(b *Block) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(b)
}

func (g *Graph) invalidateLocked(b *Block) {
	if b.invalid.Swap(true) {
		return
	}
	// Anything still jumping to the start goes back to the interpreter.
	if err := g.code.Overwrite(b.Start, asm.MakeWord(asm.OpExit, 0, uint32(b.Pos.PC))); err != nil {
		log.Errorf("overwriting entry of %s: %v", b, err)
	}
	key := b.key()
	if g.index[key] == b.ID {
		delete(g.index, key)
	}
	g.versions[b.Pos] = slices.DeleteFunc(g.versions[b.Pos], func(id BlockID) bool { return id == b.ID })
	if len(g.versions[b.Pos]) == 0 {
		delete(g.versions, b.Pos)
	}

	for _, id := range b.incoming.ToSlice() {
		br := g.Branch(id)
		switch br.Kind {
		case BranchDirect:
			if BlockID(br.target.Load()) == b.ID {
				if err := g.code.Patch(br.Site, br.Stub); err != nil {
					log.Errorf("re-pending %s: %v", br, err)
				}
				br.target.Store(uint32(NoBlock))
			}
		default:
			br.table.Store(br.table.Load().without(b.ID, g.opts.MaxBranchTargets))
		}
	}
	b.incoming.Clear()

	for _, id := range b.Outgoing {
		br := g.Branch(id)
		br.dead.Store(true)
		for _, t := range br.Targets() {
			if tb := g.Block(t); tb != nil {
				tb.incoming.Remove(br.ID)
			}
		}
	}

	g.registry.Forget(b.ID)
	bump(&g.stats.invalidations)
	log.Debugf("invalidated %s", b)
}

// InvalidateAll bumps k and invalidates every block that depended on it
// before returning.
func (g *Graph) InvalidateAll(k AssumptionKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.registry.Bump(k)
	for _, id := range ids {
		if b := g.Block(id); b != nil {
			g.invalidateLocked(b)
		}
	}
	if len(ids) > 0 {
		log.Infof("%s changed, invalidated %d blocks", k, len(ids))
	}
	if g.opts.VerifyGraph {
		if err := g.verifyLocked(); err != nil {
			log.Errorf("after invalidating %s: %v", k, err)
		}
	}
	return len(ids)
}

// Reset discards every block, branch and word of code. The caller must
// ensure no compiled code is running.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocks.reset()
	g.branches.reset()
	clear(g.index)
	clear(g.versions)
	g.failed.Clear()
	g.entries.Range(func(k, _ any) bool {
		g.entries.Delete(k)
		return true
	})
	g.exits.Purge()
	g.code.Reset()
	g.registry.Reset()
	g.full.Store(false)
	g.epoch.Add(1)
	bump(&g.stats.resets)
	log.Info("compiled code discarded")
}

// Verify checks the graph's structural invariants.
func (g *Graph) Verify() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyLocked()
}

func (g *Graph) verifyLocked() error {
	live := mapset.NewThreadUnsafeSet[BlockID]()
	for _, b := range g.blocks.all() {
		if b.Invalid() {
			if w := g.code.Load(b.Start); w.Op() != asm.OpExit {
				return inconsistent("invalidated %s still starts with %s", b, w.Op())
			}
			continue
		}
		live.Add(b.ID)
		if g.index[b.key()] != b.ID {
			return inconsistent("%s missing from the index", b)
		}
		if int(b.Ctx.ChainDepth) > g.opts.MaxChainDepth {
			return inconsistent("%s exceeds the chain depth limit", b)
		}
		if err := g.registry.Current(b.Assumes); err != nil {
			return inconsistent("%s is live with %v", b, err)
		}
		for _, id := range b.Outgoing {
			br := g.Branch(id)
			if br == nil || br.Src != b.ID || br.Dead() {
				return inconsistent("%s has a bad outgoing branch %d", b, id)
			}
			if br.Kind != BranchDirect {
				continue
			}
			want := br.Stub
			if t, ok := br.Resolved(); ok {
				tb := g.Block(t)
				if tb == nil || tb.Invalid() {
					return inconsistent("%s resolved to a dead block", br)
				}
				if !tb.incoming.Contains(br.ID) {
					return inconsistent("%s missing from the incoming set of %s", br, tb)
				}
				want = tb.Start
			}
			if got := asm.Addr(g.code.Load(br.Site).B()); got != want {
				return inconsistent("%s jumps to @%d, want @%d", br, got, want)
			}
		}
	}
	if len(g.index) != live.Cardinality() {
		return inconsistent("index holds %d blocks, %d are live", len(g.index), live.Cardinality())
	}
	for _, b := range g.blocks.all() {
		for _, k := range g.registry.Subscriptions(b.ID) {
			if !live.Contains(b.ID) {
				return inconsistent("registry keeps dead block B%d on %s", b.ID, k)
			}
		}
	}
	return nil
}

// fillStats fills the graph-owned fields of s.
func (g *Graph) fillStats(s *Stats) {
	g.mu.Lock()
	s.LiveBlocks = len(g.index)
	g.mu.Unlock()
	s.Branches = g.branches.len()
	s.CodeUsed = g.code.Used()
	s.CodeCap = g.code.Cap()
	s.Patches = g.code.Patches()
}
