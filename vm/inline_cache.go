package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/bbv/jit"
)

// Send caching for the interpreter.
//
// Each full send site keeps the methods it recently resolved, keyed by the
// receiver's class. Entries carry the dictionary epoch they were filled in;
// any method definition bumps the epoch, so stale entries simply miss.

// CacheState represents the current state of a send cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single (class, method) cached
	CachePolymorphic                   // 2-4 entries
	CacheMegamorphic                   // Too many classes, use full lookup
)

// MaxCacheEntries is the maximum number of entries in a polymorphic cache.
const MaxCacheEntries = 4

// SendCacheEntry holds a single cached method lookup result.
type SendCacheEntry struct {
	Class  jit.ClassID
	Method Method
}

// SendCache is the cache of one send site. It progresses through states:
// Empty -> Monomorphic -> Polymorphic -> Megamorphic.
type SendCache struct {
	State   CacheState
	Epoch   uint64
	Entries [MaxCacheEntries]SendCacheEntry
	Count   int

	Hits   uint64
	Misses uint64
}

// Lookup checks the cache for a method matching the given class. Entries
// filled before epoch are ignored.
func (sc *SendCache) Lookup(class jit.ClassID, epoch uint64) Method {
	if sc.Epoch == epoch {
		for i := 0; i < sc.Count; i++ {
			if sc.Entries[i].Class == class {
				sc.Hits++
				return sc.Entries[i].Method
			}
		}
	}
	sc.Misses++
	return nil
}

// Update records a new (class, method) pair, potentially upgrading the state.
func (sc *SendCache) Update(class jit.ClassID, method Method, epoch uint64) {
	if method == nil {
		return // Don't cache failed lookups
	}
	if sc.Epoch != epoch {
		sc.clear()
		sc.Epoch = epoch
	}

	switch sc.State {
	case CacheEmpty:
		sc.State = CacheMonomorphic
		sc.Entries[0] = SendCacheEntry{Class: class, Method: method}
		sc.Count = 1

	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < sc.Count; i++ {
			if sc.Entries[i].Class == class {
				sc.Entries[i].Method = method
				return
			}
		}
		if sc.Count < MaxCacheEntries {
			sc.Entries[sc.Count] = SendCacheEntry{Class: class, Method: method}
			sc.Count++
			sc.State = CachePolymorphic
			return
		}
		sc.clear()
		sc.State = CacheMegamorphic

	case CacheMegamorphic:
		// Stay megamorphic, don't cache anything
	}
}

func (sc *SendCache) clear() {
	sc.State = CacheEmpty
	sc.Count = 0
	for i := range sc.Entries {
		sc.Entries[i] = SendCacheEntry{}
	}
}

// SendCacheTable manages the send caches of one method, by bytecode pc.
type SendCacheTable struct {
	mu     sync.Mutex
	caches map[int]*SendCache
}

// NewSendCacheTable creates a new cache table.
func NewSendCacheTable() *SendCacheTable {
	return &SendCacheTable{caches: make(map[int]*SendCache)}
}

// Resolve returns the method for a send at pc to an instance of class,
// consulting lookup on a miss.
func (t *SendCacheTable) Resolve(pc int, class jit.ClassID, epoch uint64, lookup func() (Method, bool)) (Method, bool) {
	t.mu.Lock()
	sc := t.caches[pc]
	if sc == nil {
		sc = &SendCache{}
		t.caches[pc] = sc
	}
	if m := sc.Lookup(class, epoch); m != nil {
		t.mu.Unlock()
		return m, true
	}
	t.mu.Unlock()

	m, ok := lookup()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	sc.Update(class, m, epoch)
	t.mu.Unlock()
	return m, true
}

// Get returns a copy of the cache at pc.
func (t *SendCacheTable) Get(pc int) (SendCache, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc, ok := t.caches[pc]
	if !ok {
		return SendCache{}, false
	}
	return *sc, true
}

// CacheStats holds aggregate send cache statistics.
type CacheStats struct {
	Sites       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Hits        uint64
	Misses      uint64
}

// Stats returns aggregate statistics for all caches in the table.
func (t *SendCacheTable) Stats() CacheStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s CacheStats
	for _, sc := range t.caches {
		s.Sites++
		switch sc.State {
		case CacheMonomorphic:
			s.Monomorphic++
		case CachePolymorphic:
			s.Polymorphic++
		case CacheMegamorphic:
			s.Megamorphic++
		}
		s.Hits += sc.Hits
		s.Misses += sc.Misses
	}
	return s
}

// methodEpoch counts method dictionary changes of a VM.
type methodEpoch struct{ n atomic.Uint64 }

func (e *methodEpoch) load() uint64 { return e.n.Load() }
func (e *methodEpoch) bump()        { e.n.Add(1) }
