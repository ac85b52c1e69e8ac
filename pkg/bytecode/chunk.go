package bytecode

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// LiteralKind identifies the type of a literal-frame entry.
type LiteralKind uint8

const (
	LitInt LiteralKind = iota
	LitFloat
	LitString
	LitSymbol
)

// Literal is a constant referenced from bytecode by index. Strings and
// symbols are materialized into runtime values when a chunk is loaded.
type Literal struct {
	Kind  LiteralKind
	Int   int64
	Float float64
	Str   string
}

func (l Literal) String() string {
	switch l.Kind {
	case LitInt:
		return fmt.Sprintf("%d", l.Int)
	case LitFloat:
		return fmt.Sprintf("%g", l.Float)
	case LitString:
		return fmt.Sprintf("%q", l.Str)
	default:
		return "#" + l.Str
	}
}

// Chunk is the compiled bytecode of one method.
type Chunk struct {
	Name     string
	Code     []byte
	Literals []Literal
	NumArgs  int
	NumTemps int // temporaries beyond the arguments
}

// NumLocals returns the size of the local frame (arguments then temporaries).
func (c *Chunk) NumLocals() int {
	return c.NumArgs + c.NumTemps
}

// AddLiteral interns lit in the literal frame and returns its index.
func (c *Chunk) AddLiteral(lit Literal) uint16 {
	for i, l := range c.Literals {
		if l == lit {
			return uint16(i)
		}
	}
	c.Literals = append(c.Literals, lit)
	return uint16(len(c.Literals) - 1)
}

// Symbol returns the name of a symbol literal.
func (c *Chunk) Symbol(index int) (string, error) {
	if index < 0 || index >= len(c.Literals) {
		return "", errors.Newf("literal index %d out of range", index)
	}
	lit := c.Literals[index]
	if lit.Kind != LitSymbol {
		return "", errors.Newf("literal %d is not a symbol", index)
	}
	return lit.Str, nil
}
