package vm

import (
	"sync"

	"github.com/chazu/bbv/pkg/bytecode"
)

// symbol is one interned name. Selector arity is fixed by the name's shape,
// so it is computed once here rather than at every definition.
type symbol struct {
	name  string
	arity int
}

// SymbolTable interns names to IDs starting at 1. Selectors, global names
// and #symbol literals share one table, so a selector ID is also the ID of
// the symbol a program writes as #name.
type SymbolTable struct {
	mu      sync.RWMutex
	ids     map[string]uint32
	symbols []symbol // ID-1 -> symbol
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{ids: make(map[string]uint32, 256)}
}

// Intern returns the ID of name, assigning the next one on first use.
func (st *SymbolTable) Intern(name string) uint32 {
	if id, ok := st.Lookup(name); ok {
		return id
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.ids[name]; ok {
		return id
	}
	st.symbols = append(st.symbols, symbol{name: name, arity: bytecode.Arity(name)})
	id := uint32(len(st.symbols))
	st.ids[name] = id
	return id
}

// Lookup returns the ID of name if it has been interned.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.ids[name]
	return id, ok
}

func (st *SymbolTable) get(id uint32) (symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if id == 0 || int(id) > len(st.symbols) {
		return symbol{}, false
	}
	return st.symbols[id-1], true
}

// Name returns the interned name, or "" for an unknown ID.
func (st *SymbolTable) Name(id uint32) string {
	s, _ := st.get(id)
	return s.name
}

// Arity returns the argument count a send of the selector passes: the
// number of colons for keywords, 1 for binary operators, 0 otherwise.
// Unknown IDs report -1.
func (st *SymbolTable) Arity(id uint32) int {
	s, ok := st.get(id)
	if !ok {
		return -1
	}
	return s.arity
}

func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.symbols)
}
