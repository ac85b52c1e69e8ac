package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chazu/bbv/jit/asm"
)

// BlockID identifies a block in the graph. Zero is never used.
type BlockID uint32

// NoBlock is the null block ID.
const NoBlock BlockID = 0

// EndKind says how a block's straight-line code ends.
type EndKind uint8

const (
	EndNormal      EndKind = iota // a return or branches to successors
	EndGuardExit                  // as EndNormal, and at least one guard can fail
	EndUnsupported                // an instruction left to the interpreter
)

func (k EndKind) String() string {
	return [...]string{"normal", "guard-exit", "unsupported"}[k]
}

// blockKey is the identity of a block version.
type blockKey struct {
	Pos Position
	Ctx Context
}

// Block is one compiled version of a bytecode range, specialized for Ctx.
type Block struct {
	ID    BlockID
	Pos   Position
	Ctx   Context
	End   int // pc after the last instruction covered
	Start asm.Addr
	Size  int
	Kind  EndKind

	Outgoing []BranchID
	Assumes  []Assumption

	// incoming is guarded by the graph lock.
	incoming mapset.Set[BranchID]
	invalid  atomic.Bool
}

// Invalid reports whether the block was invalidated.
func (b *Block) Invalid() bool {
	return b.invalid.Load()
}

func (b *Block) key() blockKey {
	return blockKey{Pos: b.Pos, Ctx: b.Ctx}
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d %s..%04d %s @%d+%d", b.ID, b.Pos, b.End, b.Ctx, b.Start, b.Size)
}

// arena stores graph nodes by stable one-based ID. Lookups take a read lock
// so lock-free dispatch can resolve IDs while the graph is being extended.
type arena[T any] struct {
	mu    sync.RWMutex
	items []*T
}

func (a *arena[T]) get(id uint32) *T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id == 0 || int(id) > len(a.items) {
		return nil
	}
	return a.items[id-1]
}

// next is the ID the following add will assign.
func (a *arena[T]) next() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return uint32(len(a.items) + 1)
}

func (a *arena[T]) add(item *T) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, item)
	return uint32(len(a.items))
}

func (a *arena[T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

func (a *arena[T]) all() []*T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*T(nil), a.items...)
}

func (a *arena[T]) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
}
