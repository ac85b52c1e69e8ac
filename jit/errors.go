package jit

import "github.com/cockroachdb/errors"

// Failure classes. Compile paths wrap one of these with errors.Wrap so
// callers can sort failures with errors.Is.
var (
	// ErrUnsupportedInstruction marks an instruction that compiled code
	// leaves to the interpreter. It ends a block; it never escapes codegen.
	ErrUnsupportedInstruction = errors.New("jit: unsupported instruction")

	// ErrResourceExhausted means the code arena is full. The block identity
	// is remembered and stays interpreted until the next reset.
	ErrResourceExhausted = errors.New("jit: resources exhausted")

	// ErrAssumptionViolated means an assumption recorded during codegen was
	// invalidated before the block could be published. The draft is
	// discarded and compilation may be retried.
	ErrAssumptionViolated = errors.New("jit: assumption violated")

	// ErrInternalInconsistency means the graph or a frame disagrees with
	// what the compiler recorded. The driver resets and disables the JIT.
	ErrInternalInconsistency = errors.New("jit: internal inconsistency")
)

func inconsistent(format string, args ...any) error {
	return errors.Wrapf(ErrInternalInconsistency, format, args...)
}
