package jit

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// KeyKind is the category of host state an assumption is about.
type KeyKind uint8

const (
	// KeyClassMethods covers the method dictionary of one class.
	KeyClassMethods KeyKind = iota + 1
	// KeyGlobal covers the binding of one global name.
	KeyGlobal
)

// AssumptionKey names one piece of host state compiled code may depend on.
type AssumptionKey struct {
	Kind KeyKind
	ID   uint32
}

func ClassMethodsKey(c ClassID) AssumptionKey {
	return AssumptionKey{Kind: KeyClassMethods, ID: uint32(c)}
}

func GlobalKey(sym uint32) AssumptionKey {
	return AssumptionKey{Kind: KeyGlobal, ID: sym}
}

func (k AssumptionKey) String() string {
	switch k.Kind {
	case KeyClassMethods:
		return fmt.Sprintf("methods(class %d)", k.ID)
	case KeyGlobal:
		return fmt.Sprintf("global(sym %d)", k.ID)
	}
	return fmt.Sprintf("key(%d,%d)", k.Kind, k.ID)
}

// Assumption is a key together with the version codegen observed before
// reading the state it covers.
type Assumption struct {
	Key     AssumptionKey
	Version uint64
}

// Registry tracks versions of host state and which blocks depend on them.
// Versions only grow, so a draft that observed version v of a key is stale
// as soon as the key's version differs.
type Registry struct {
	mu       sync.RWMutex
	versions map[AssumptionKey]uint64
	deps     map[AssumptionKey]mapset.Set[BlockID]
	byBlock  map[BlockID][]AssumptionKey
}

func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[AssumptionKey]uint64),
		deps:     make(map[AssumptionKey]mapset.Set[BlockID]),
		byBlock:  make(map[BlockID][]AssumptionKey),
	}
}

// Version returns the current version of k.
func (r *Registry) Version(k AssumptionKey) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[k]
}

// Current reports ErrAssumptionViolated if any assumption is stale.
func (r *Registry) Current(as []Assumption) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentLocked(as)
}

func (r *Registry) currentLocked(as []Assumption) error {
	for _, a := range as {
		if v := r.versions[a.Key]; v != a.Version {
			return errors.Wrapf(ErrAssumptionViolated, "%s is at version %d, codegen saw %d", a.Key, v, a.Version)
		}
	}
	return nil
}

// Assume subscribes b to every key in as, failing without subscribing
// anything if one of them is stale.
func (r *Registry) Assume(b BlockID, as []Assumption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.currentLocked(as); err != nil {
		return err
	}
	for _, a := range as {
		set, ok := r.deps[a.Key]
		if !ok {
			set = mapset.NewThreadUnsafeSet[BlockID]()
			r.deps[a.Key] = set
		}
		if set.Add(b) {
			r.byBlock[b] = append(r.byBlock[b], a.Key)
		}
	}
	return nil
}

// Bump advances the version of k and returns the blocks that depended on it.
// Those blocks are unsubscribed from k; the caller must invalidate them.
func (r *Registry) Bump(k AssumptionKey) []BlockID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[k]++
	set, ok := r.deps[k]
	if !ok {
		return nil
	}
	delete(r.deps, k)
	ids := set.ToSlice()
	slices.Sort(ids)
	for _, id := range ids {
		r.byBlock[id] = slices.DeleteFunc(r.byBlock[id], func(x AssumptionKey) bool { return x == k })
	}
	return ids
}

// Forget drops every subscription of b.
func (r *Registry) Forget(b BlockID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.byBlock[b] {
		if set, ok := r.deps[k]; ok {
			set.Remove(b)
			if set.Cardinality() == 0 {
				delete(r.deps, k)
			}
		}
	}
	delete(r.byBlock, b)
}

// Dependents lists the blocks subscribed to k in ID order.
func (r *Registry) Dependents(k AssumptionKey) []BlockID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.deps[k]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	slices.Sort(ids)
	return ids
}

// Subscriptions lists the keys b is subscribed to.
func (r *Registry) Subscriptions(b BlockID) []AssumptionKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byBlock[b])
}

// Keys returns the number of keys with at least one dependent.
func (r *Registry) Keys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deps)
}

// Reset drops all subscriptions. Versions are kept so drafts started before
// the reset still fail their publish check.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.deps)
	clear(r.byBlock)
}
