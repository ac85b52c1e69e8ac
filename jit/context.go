package jit

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/bbv/pkg/value"
)

const (
	// MaxTempTypes is the number of operand stack slots, counted from the
	// bottom, whose types a Context tracks.
	MaxTempTypes = 8
	// MaxLocalTypes is the number of locals whose types a Context tracks.
	MaxLocalTypes = 8
)

// Incompatible is the Diff of two contexts when code compiled for one cannot
// run with the other.
const Incompatible = math.MaxInt

// Context is the compile-time knowledge a block is specialized for: the
// operand stack depth and type estimates for the receiver, the tracked stack
// slots and the tracked locals. Contexts are values and compare with ==;
// untracked and popped slots are always Unknown so equal knowledge means
// equal contexts.
type Context struct {
	StackSize  uint16
	ChainDepth uint8
	Self       Type
	Stack      [MaxTempTypes]Type
	Locals     [MaxLocalTypes]Type
}

// SlotKind says which part of the frame a Slot names.
type SlotKind uint8

const (
	SlotStack SlotKind = iota // Index is the depth below the top of stack
	SlotLocal
	SlotSelf
)

// Slot names one frame location whose type a Context tracks.
type Slot struct {
	Kind  SlotKind
	Index int
}

func StackSlot(depth int) Slot { return Slot{Kind: SlotStack, Index: depth} }
func LocalSlot(i int) Slot { return Slot{Kind: SlotLocal, Index: i} }

// ReceiverSlot names the receiver.
var ReceiverSlot = Slot{Kind: SlotSelf}

func (s Slot) String() string {
	switch s.Kind {
	case SlotStack:
		return fmt.Sprintf("stack[%d]", s.Index)
	case SlotLocal:
		return fmt.Sprintf("local[%d]", s.Index)
	}
	return "self"
}

// Initial returns the context with nothing known about a frame whose stack
// holds depth values.
func Initial(depth int) Context {
	return Context{StackSize: uint16(depth)}
}

// TypeOracle reports the type of a live value.
type TypeOracle interface {
	TypeOf(v value.Value) Type
}

// Derive builds the exact context of a live frame, with chain depth zero.
func Derive(f Frame, numLocals int, o TypeOracle) Context {
	depth := f.Depth()
	c := Initial(depth)
	c.Self = o.TypeOf(f.Self())
	for i := 0; i < depth && i < MaxTempTypes; i++ {
		c.Stack[i] = o.TypeOf(f.Peek(depth - 1 - i))
	}
	for i := 0; i < numLocals && i < MaxLocalTypes; i++ {
		c.Locals[i] = o.TypeOf(f.Local(i))
	}
	return c
}

// stackIndex converts a depth below the top into a tracked array index.
func (c Context) stackIndex(depth int) (int, bool) {
	i := int(c.StackSize) - 1 - depth
	if i < 0 || i >= MaxTempTypes {
		return 0, false
	}
	return i, true
}

func (c Context) resolve(t Type) Type {
	if t.Kind == KindSelf && c.Self.Known() {
		return c.Self
	}
	return t
}

// StackRaw returns the recorded estimate for the slot depth values below the
// top, without resolving receiver aliases.
func (c Context) StackRaw(depth int) Type {
	if i, ok := c.stackIndex(depth); ok {
		return c.Stack[i]
	}
	return Unknown
}

// StackType returns the estimate for the slot depth values below the top.
func (c Context) StackType(depth int) Type {
	return c.resolve(c.StackRaw(depth))
}

// Local returns the estimate for local i.
func (c Context) Local(i int) Type {
	if i < 0 || i >= MaxLocalTypes {
		return Unknown
	}
	return c.Locals[i]
}

// Get returns the resolved estimate for s.
func (c Context) Get(s Slot) Type {
	switch s.Kind {
	case SlotStack:
		return c.StackType(s.Index)
	case SlotLocal:
		return c.resolve(c.Local(s.Index))
	}
	return c.Self
}

// set records t for s; writes to untracked slots are dropped.
func (c Context) set(s Slot, t Type) Context {
	switch s.Kind {
	case SlotStack:
		if i, ok := c.stackIndex(s.Index); ok {
			c.Stack[i] = t
		}
	case SlotLocal:
		if s.Index >= 0 && s.Index < MaxLocalTypes {
			c.Locals[s.Index] = t
		}
	default:
		c.Self = t
	}
	return c
}

// Push records a new top of stack.
func (c Context) Push(t Type) Context {
	c.StackSize++
	return c.set(StackSlot(0), t)
}

// Pop forgets the top n stack slots.
func (c Context) Pop(n int) Context {
	for ; n > 0 && c.StackSize > 0; n-- {
		c = c.set(StackSlot(0), Unknown)
		c.StackSize--
	}
	return c
}

// SetStack records the type of the slot depth values below the top.
func (c Context) SetStack(depth int, t Type) Context {
	return c.set(StackSlot(depth), t)
}

// SetLocal records the type of local i.
func (c Context) SetLocal(i int, t Type) Context {
	return c.set(LocalSlot(i), t)
}

// Upgrade records that s is now known to be t, as after a passed guard.
// Chain depth is unchanged.
func (c Context) Upgrade(s Slot, t Type) Context {
	return c.set(s, t)
}

// Narrow is the context on the path where the live value in s turned out to
// be t. Each narrowing step deepens the chain; once maxChain is reached, or
// when t contradicts what c already claims, the slot is forgotten instead so
// the chain stops specializing.
func (c Context) Narrow(s Slot, t Type, maxChain int) Context {
	cur := c.Get(s)
	if int(c.ChainDepth) >= maxChain || (cur.Known() && cur != t) {
		return c.set(s, Unknown)
	}
	n := c.set(s, t)
	n.ChainDepth++
	return n
}

// Exhausted is the context for s once the chain may not narrow any further.
func (c Context) Exhausted(s Slot, maxChain int) Context {
	n := c.set(s, Unknown)
	n.ChainDepth = uint8(maxChain)
	return n
}

// ResetChainDepth starts a new guard chain, used when control advances to a
// later instruction.
func (c Context) ResetChainDepth() Context {
	c.ChainDepth = 0
	return c
}

// Generic keeps only the stack size.
func (c Context) Generic() Context {
	return Initial(int(c.StackSize))
}

// Diff scores how much specialization is lost running code compiled for dst
// on a frame described by src: zero when equal, one per slot that dst leaves
// unknown while src knows it, and Incompatible when dst assumes something src
// does not guarantee.
func Diff(src, dst Context) int {
	if src.StackSize != dst.StackSize {
		return Incompatible
	}
	cost := 0
	pair := func(s, d Type) bool {
		switch {
		case s == d:
		case d == Unknown:
			cost++
		default:
			return false
		}
		return true
	}
	if !pair(src.Self, dst.Self) {
		return Incompatible
	}
	for i := range src.Stack {
		if !pair(src.Stack[i], dst.Stack[i]) {
			return Incompatible
		}
	}
	for i := range src.Locals {
		if !pair(src.Locals[i], dst.Locals[i]) {
			return Incompatible
		}
	}
	return cost
}

func (c Context) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{sp=%d depth=%d self=%s stack=[", c.StackSize, c.ChainDepth, c.Self)
	for i := 0; i < int(c.StackSize) && i < MaxTempTypes; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(c.Stack[i].String())
	}
	sb.WriteString("] locals=[")
	last := -1
	for i, t := range c.Locals {
		if t != Unknown {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(c.Locals[i].String())
	}
	sb.WriteString("]}")
	return sb.String()
}
