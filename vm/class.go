package vm

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/chazu/bbv/jit"
	"github.com/chazu/bbv/pkg/value"
)

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class describes the shape and behavior of its instances. Method
// dictionaries are owned by the ClassTable and only change through it.
type Class struct {
	ID         jit.ClassID
	Name       string
	Superclass *Class
	InstVars   []string // declared by this class
	NumSlots   int      // including inherited instance variables

	// Object is the class object programs see when they name the class.
	Object value.Value

	slots   []string          // inherited then own instance variable names
	methods map[uint32]Method // selector ID -> method
}

// InstVarIndex maps an instance variable to its slot, or -1. A name declared
// again by a subclass resolves to the subclass's slot.
func (c *Class) InstVarIndex(name string) int {
	for i := len(c.slots) - 1; i >= 0; i-- {
		if c.slots[i] == name {
			return i
		}
	}
	return -1
}

// AllInstVarNames lists every slot name in slot order.
func (c *Class) AllInstVarNames() []string { return slices.Clone(c.slots) }

// IsSubclassOf reports whether other is c or one of its superclasses.
func (c *Class) IsSubclassOf(other *Class) bool {
	return slices.Contains(c.Ancestry(), other)
}

// Ancestry returns c followed by its superclasses up to the root.
func (c *Class) Ancestry() []*Class {
	var chain []*Class
	for k := c; k != nil; k = k.Superclass {
		chain = append(chain, k)
	}
	return chain
}

func (c *Class) String() string { return c.Name }

// ---------------------------------------------------------------------------
// ClassTable: Class registry and method dictionaries
// ---------------------------------------------------------------------------

// ClassTable manages registered classes by name and ID, together with their
// method dictionaries. It's thread-safe for concurrent access.
type ClassTable struct {
	mu     sync.RWMutex
	byName map[string]*Class
	byID   []*Class // ID-1 -> class
}

// NewClassTable creates a new empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{byName: make(map[string]*Class)}
}

// Define creates and registers a class. Redefining an existing name is an
// error; methods are added to existing classes with the VM's DefineMethod.
func (ct *ClassTable) Define(name string, superclass *Class, instVars []string) (*Class, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, ok := ct.byName[name]; ok {
		return nil, errors.Newf("class %s is already defined", name)
	}
	var slots []string
	if superclass != nil {
		slots = slices.Clone(superclass.slots)
	}
	slots = append(slots, instVars...)
	c := &Class{
		Name:       name,
		Superclass: superclass,
		InstVars:   instVars,
		NumSlots:   len(slots),
		slots:      slots,
		methods:    make(map[uint32]Method),
	}
	ct.byID = append(ct.byID, c)
	c.ID = jit.ClassID(len(ct.byID))
	ct.byName[name] = c
	return c, nil
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byName[name]
}

// ByID finds a class by ID.
func (ct *ClassTable) ByID(id jit.ClassID) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if id == 0 || int(id) > len(ct.byID) {
		return nil
	}
	return ct.byID[id-1]
}

// All returns all registered classes in ID order.
func (ct *ClassTable) All() []*Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return append([]*Class(nil), ct.byID...)
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.byID)
}

// Own returns the method c itself defines for selector.
func (ct *ClassTable) Own(c *Class, selector uint32) (Method, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	m, ok := c.methods[selector]
	return m, ok
}

// LookupMethod finds the method a send of selector to an instance of c runs.
func (ct *ClassTable) LookupMethod(c *Class, selector uint32) (Method, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	for current := c; current != nil; current = current.Superclass {
		if m, ok := current.methods[selector]; ok {
			return m, true
		}
	}
	return nil, false
}

// Selectors returns the selectors c defines, sorted by ID.
func (ct *ClassTable) Selectors(c *Class) []uint32 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]uint32, 0, len(c.methods))
	for sel := range c.methods {
		out = append(out, sel)
	}
	slices.Sort(out)
	return out
}

func (ct *ClassTable) install(c *Class, selector uint32, m Method) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	c.methods[selector] = m
}

func (ct *ClassTable) remove(c *Class, selector uint32) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, ok := c.methods[selector]; !ok {
		return false
	}
	delete(c.methods, selector)
	return true
}
