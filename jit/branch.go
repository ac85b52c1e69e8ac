package jit

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/bbv/jit/asm"
)

// BranchID identifies a branch in the graph. Zero is never used.
type BranchID uint32

// BranchKind says how a branch picks its target.
type BranchKind uint8

const (
	// BranchDirect has exactly one target identity, fixed at compile time.
	// Resolving it patches a jump word in the source block.
	BranchDirect BranchKind = iota
	// BranchNarrow follows a failed guard. Its target depends on the type
	// of one slot of the live frame and is looked up in a target table.
	BranchNarrow
	// BranchEntry enters compiled code from the interpreter at a position.
	// Its target depends on the whole live frame.
	BranchEntry
)

func (k BranchKind) String() string {
	switch k {
	case BranchDirect:
		return "direct"
	case BranchNarrow:
		return "narrow"
	case BranchEntry:
		return "entry"
	}
	return fmt.Sprintf("branch(%d)", k)
}

// Branch is an edge of the block graph.
type Branch struct {
	ID     BranchID
	Kind   BranchKind
	Src    BlockID // NoBlock for entry branches
	Target Position
	// Ctx is the target context of a direct branch and the base context of
	// a narrow branch; entry branches derive theirs from the frame.
	Ctx  Context
	Slot Slot

	// Site is the patchable jump word of a direct branch.
	Site asm.Addr
	// Stub is the out-of-line STUB word of a direct branch, and the
	// DISPATCH word of a narrow branch.
	Stub asm.Addr

	target atomic.Uint32 // direct: resolved BlockID, zero while pending
	table  atomic.Pointer[targetTable]
	dead   atomic.Bool
}

// Resolved returns the target block of a direct branch.
func (br *Branch) Resolved() (BlockID, bool) {
	id := BlockID(br.target.Load())
	return id, id != NoBlock
}

// Dead reports whether the source block was invalidated.
func (br *Branch) Dead() bool {
	return br.dead.Load()
}

// TableState returns the state of a polymorphic branch's target table.
func (br *Branch) TableState() TableState {
	if t := br.table.Load(); t != nil {
		return t.State
	}
	return TableEmpty
}

// Targets lists the blocks a branch currently leads to.
func (br *Branch) Targets() []BlockID {
	if br.Kind == BranchDirect {
		if id, ok := br.Resolved(); ok {
			return []BlockID{id}
		}
		return nil
	}
	return br.table.Load().blocks()
}

func (br *Branch) String() string {
	return fmt.Sprintf("b%d %s %s", br.ID, br.Kind, br.Target)
}

// TableState is the state of a polymorphic branch's target table. Tables
// move Empty -> Mono -> Poly -> Mega and only move back on invalidation.
type TableState uint8

const (
	TableEmpty TableState = iota // no targets yet
	TableMono                    // one specialized target
	TablePoly                    // several specialized targets
	TableMega                    // full; misses go to the generic target
)

func (s TableState) String() string {
	return [...]string{"empty", "mono", "poly", "mega"}[s]
}

type tableEntry struct {
	Key   Context
	Block BlockID
	Addr  asm.Addr
}

// targetTable maps the context a frame presents at a polymorphic branch to
// compiled code. Tables are immutable once published; updates swap in a
// modified copy so dispatch never takes a lock.
type targetTable struct {
	State   TableState
	Entries [MaxBranchTargetsLimit]tableEntry
	Count   int
	Generic tableEntry // valid when Block != NoBlock
}

func (t *targetTable) lookup(key Context) (tableEntry, bool) {
	if t == nil {
		return tableEntry{}, false
	}
	for i := 0; i < t.Count; i++ {
		if t.Entries[i].Key == key {
			return t.Entries[i], true
		}
	}
	if t.State == TableMega && t.Generic.Block != NoBlock {
		return t.Generic, true
	}
	return tableEntry{}, false
}

// full reports whether a miss should go to the generic target.
func (t *targetTable) full(limit int) bool {
	return t != nil && (t.State == TableMega || t.Count >= limit)
}

func (t *targetTable) clone() *targetTable {
	if t == nil {
		return &targetTable{}
	}
	c := *t
	return &c
}

func (t *targetTable) restate(limit int) {
	switch {
	case t.Generic.Block != NoBlock || t.Count >= limit:
		t.State = TableMega
	case t.Count == 0:
		t.State = TableEmpty
	case t.Count == 1:
		t.State = TableMono
	default:
		t.State = TablePoly
	}
}

// with returns a copy of t that maps key to b.
func (t *targetTable) with(e tableEntry, limit int) *targetTable {
	n := t.clone()
	for i := 0; i < n.Count; i++ {
		if n.Entries[i].Key == e.Key {
			n.Entries[i] = e
			return n
		}
	}
	if n.Count < limit {
		n.Entries[n.Count] = e
		n.Count++
	}
	n.restate(limit)
	return n
}

// withGeneric returns a copy of t whose misses go to e.
func (t *targetTable) withGeneric(e tableEntry, limit int) *targetTable {
	n := t.clone()
	n.Generic = e
	n.restate(limit)
	return n
}

// without returns a copy of t with every reference to b removed.
func (t *targetTable) without(b BlockID, limit int) *targetTable {
	if t == nil {
		return nil
	}
	n := &targetTable{}
	for i := 0; i < t.Count; i++ {
		if t.Entries[i].Block != b {
			n.Entries[n.Count] = t.Entries[i]
			n.Count++
		}
	}
	if t.Generic.Block != b {
		n.Generic = t.Generic
	}
	n.restate(limit)
	return n
}

func (t *targetTable) blocks() []BlockID {
	if t == nil {
		return nil
	}
	var ids []BlockID
	for i := 0; i < t.Count; i++ {
		ids = append(ids, t.Entries[i].Block)
	}
	if t.Generic.Block != NoBlock {
		ids = append(ids, t.Generic.Block)
	}
	return ids
}
