package jit

import "sync/atomic"

// counters are updated with atomic adds from any goroutine.
type counters struct {
	blocksCompiled    uint64
	compileFailures   uint64
	discardedCompiles uint64
	assumptionRejects uint64
	invalidations     uint64
	unsupported       uint64
	deferrals         uint64
	guards            uint64
	entries           uint64
	sideExits         uint64
	stubHits          uint64
	dispatchHits      uint64
	dispatchMisses    uint64
	branchesResolved  uint64
	versionLimitHits  uint64
	resets            uint64
}

func bump(c *uint64) { atomic.AddUint64(c, 1) }

// Stats is a snapshot of JIT activity.
type Stats struct {
	BlocksCompiled    uint64 // blocks published
	CompileFailures   uint64 // identities left to the interpreter
	DiscardedCompiles uint64 // drafts dropped because another thread published first
	AssumptionRejects uint64 // drafts dropped because host state changed
	Invalidations     uint64
	Unsupported       uint64 // blocks ended by an instruction left to the interpreter
	Deferrals         uint64 // blocks ended to specialize on a live value
	Guards            uint64
	Entries           uint64 // interpreter to compiled code transitions
	SideExits         uint64
	StubHits          uint64
	DispatchHits      uint64
	DispatchMisses    uint64
	BranchesResolved  uint64
	VersionLimitHits  uint64
	Resets            uint64

	LiveBlocks int
	Branches   int
	CodeUsed   int // words
	CodeCap    int
	Patches    uint64
	Disabled   bool
}

func (c *counters) snapshot() Stats {
	return Stats{
		BlocksCompiled:    atomic.LoadUint64(&c.blocksCompiled),
		CompileFailures:   atomic.LoadUint64(&c.compileFailures),
		DiscardedCompiles: atomic.LoadUint64(&c.discardedCompiles),
		AssumptionRejects: atomic.LoadUint64(&c.assumptionRejects),
		Invalidations:     atomic.LoadUint64(&c.invalidations),
		Unsupported:       atomic.LoadUint64(&c.unsupported),
		Deferrals:         atomic.LoadUint64(&c.deferrals),
		Guards:            atomic.LoadUint64(&c.guards),
		Entries:           atomic.LoadUint64(&c.entries),
		SideExits:         atomic.LoadUint64(&c.sideExits),
		StubHits:          atomic.LoadUint64(&c.stubHits),
		DispatchHits:      atomic.LoadUint64(&c.dispatchHits),
		DispatchMisses:    atomic.LoadUint64(&c.dispatchMisses),
		BranchesResolved:  atomic.LoadUint64(&c.branchesResolved),
		VersionLimitHits:  atomic.LoadUint64(&c.versionLimitHits),
		Resets:            atomic.LoadUint64(&c.resets),
	}
}
