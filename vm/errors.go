package vm

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Runtime errors. They end the running program; callers classify them
// with errors.Is.
var (
	ErrDoesNotUnderstand = errors.New("does not understand")
	ErrZeroDivide        = errors.New("division by zero")
	ErrBadIndex          = errors.New("index out of bounds")
	ErrBadArgument       = errors.New("bad argument")
	ErrUndefinedGlobal   = errors.New("undefined global")
	ErrStackOverflow     = errors.New("stack overflow")
)

// RuntimeError records the instruction where a runtime error was raised.
type RuntimeError struct {
	Method string
	PC     int
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s @%04d: %v", e.Method, e.PC, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// located attaches the position of the failing instruction, unless err
// already carries the position of a deeper activation.
func located(m *CompiledMethod, pc int, err error) error {
	var re *RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return &RuntimeError{Method: m.String(), PC: pc, Err: err}
}
