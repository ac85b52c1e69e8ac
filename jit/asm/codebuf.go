package asm

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrCodeFull is returned when the arena has no room for an allocation.
var ErrCodeFull = errors.New("asm: code buffer full")

// CodeBuffer is the executable arena. Allocation is bump-only; space is
// reclaimed only by Reset, which the caller must run while no code executes.
//
// Words are read and written atomically so that a concurrently executing
// machine observes either the old or the new instruction, never a mix.
type CodeBuffer struct {
	mu    sync.Mutex
	words []uint64
	next  Addr

	patches atomic.Uint64
}

// NewCodeBuffer creates an arena of capacity words.
func NewCodeBuffer(capacity int) *CodeBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &CodeBuffer{
		words: make([]uint64, capacity),
		next:  1, // address 0 is the null address
	}
}

// Alloc reserves n consecutive words.
func (b *CodeBuffer) Alloc(n int) (Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return NoAddr, errors.Newf("asm: bad allocation size %d", n)
	}
	if int(b.next)+n > len(b.words) {
		return NoAddr, errors.Wrapf(ErrCodeFull, "need %d words, %d free", n, len(b.words)-int(b.next))
	}
	at := b.next
	b.next += Addr(n)
	return at, nil
}

// Load reads the word at a.
func (b *CodeBuffer) Load(a Addr) Word {
	return Word(atomic.LoadUint64(&b.words[a]))
}

func (b *CodeBuffer) store(a Addr, w Word) {
	atomic.StoreUint64(&b.words[a], uint64(w))
}

// Patch retargets the jump-like instruction at site to target. The opcode
// and a field are preserved; only b changes.
func (b *CodeBuffer) Patch(site, target Addr) error {
	if site == NoAddr || int(site) >= len(b.words) {
		return errors.Newf("asm: patch site %d out of range", site)
	}
	w := b.Load(site)
	if !w.Op().HasTarget() {
		return errors.Newf("asm: patch site %d holds %s, not a jump", site, w.Op())
	}
	b.store(site, w.WithB(uint32(target)))
	b.patches.Add(1)
	return nil
}

// Overwrite replaces the word at site. It is used to turn the entry of an
// invalidated block into an exit.
func (b *CodeBuffer) Overwrite(site Addr, w Word) error {
	if site == NoAddr || int(site) >= len(b.words) {
		return errors.Newf("asm: overwrite site %d out of range", site)
	}
	b.store(site, w)
	b.patches.Add(1)
	return nil
}

// Used returns the number of allocated words.
func (b *CodeBuffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.next) - 1
}

// Cap returns the number of allocatable words.
func (b *CodeBuffer) Cap() int {
	return len(b.words) - 1
}

// Patches returns how many patch and overwrite operations were performed.
func (b *CodeBuffer) Patches() uint64 {
	return b.patches.Load()
}

// Reset discards all code.
func (b *CodeBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.words[:b.next] {
		atomic.StoreUint64(&b.words[i], 0)
	}
	b.next = 1
}
