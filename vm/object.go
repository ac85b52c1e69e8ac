package vm

import (
	"sync"

	"github.com/chazu/bbv/pkg/value"
)

// ---------------------------------------------------------------------------
// Object: Heap-allocated values
// ---------------------------------------------------------------------------

// ObjectKind says how an object's payload is laid out.
type ObjectKind uint8

const (
	KindInstance ObjectKind = iota // Slots holds instance variables
	KindString                     // Str holds the characters
	KindArray                      // Slots holds the elements
	KindClass                      // Represents is the class this object stands for
	KindContext                    // an activation captured by thisContext
)

// Object is a heap object. Values refer to objects by ID, never by pointer,
// so compiled code can compare and store them as plain words.
type Object struct {
	Class      *Class
	Kind       ObjectKind
	Slots      []value.Value
	Str        string
	Represents *Class

	// Context objects remember where they were captured.
	Method *CompiledMethod
	PC     int
}

// ---------------------------------------------------------------------------
// Heap: Object table with stable IDs
// ---------------------------------------------------------------------------

// Heap owns every object of a VM. Objects are never moved or freed, so an
// ID stays valid for the life of the VM.
type Heap struct {
	mu      sync.RWMutex
	objects []*Object // ID-1 -> object
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{objects: make([]*Object, 0, 1024)}
}

// Alloc stores o and returns the value that refers to it.
func (h *Heap) Alloc(o *Object) value.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects = append(h.objects, o)
	return value.FromObjectID(uint64(len(h.objects)))
}

// Get returns the object v refers to.
func (h *Heap) Get(v value.Value) (*Object, bool) {
	if !v.IsObject() {
		return nil, false
	}
	id := v.ObjectID()
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id == 0 || id > uint64(len(h.objects)) {
		return nil, false
	}
	return h.objects[id-1], true
}

// Len returns the number of allocated objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
