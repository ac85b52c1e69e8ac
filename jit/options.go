package jit

import "github.com/cockroachdb/errors"

// MaxBranchTargetsLimit bounds Options.MaxBranchTargets; branch target
// tables are fixed-size arrays.
const MaxBranchTargetsLimit = 8

// Options tunes the compiler. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// Enabled turns compilation on. When off the host only interprets.
	Enabled bool `toml:"enabled"`

	// CallThreshold is the number of calls after which a method is entered
	// through the JIT.
	CallThreshold int `toml:"call-threshold"`

	// LoopThreshold is the number of backward jumps to a loop header after
	// which the loop is entered through the JIT.
	LoopThreshold int `toml:"loop-threshold"`

	// MaxChainDepth bounds how many guard failures in a row may produce
	// further specialized versions.
	MaxChainDepth int `toml:"max-chain-depth"`

	// MaxVersions bounds specialized versions per bytecode position.
	MaxVersions int `toml:"max-versions"`

	// MaxBranchTargets is the number of entries in a polymorphic branch's
	// target table before it falls back to a generic target.
	MaxBranchTargets int `toml:"max-branch-targets"`

	// CodeSize is the capacity of the code arena in words.
	CodeSize int `toml:"code-size"`

	// SideExitCache is the number of shared side-exit stubs kept.
	SideExitCache int `toml:"side-exit-cache"`

	// VerifyGraph checks graph invariants after every publish and
	// invalidation. Slow; meant for tests.
	VerifyGraph bool `toml:"verify-graph"`
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		Enabled:          true,
		CallThreshold:    10,
		LoopThreshold:    50,
		MaxChainDepth:    2,
		MaxVersions:      4,
		MaxBranchTargets: 4,
		CodeSize:         1 << 20,
		SideExitCache:    1024,
	}
}

// Validate rejects settings the compiler cannot honor.
func (o Options) Validate() error {
	switch {
	case o.CallThreshold < 1:
		return errors.Newf("jit: call-threshold must be positive, got %d", o.CallThreshold)
	case o.LoopThreshold < 1:
		return errors.Newf("jit: loop-threshold must be positive, got %d", o.LoopThreshold)
	case o.MaxChainDepth < 0 || o.MaxChainDepth > 255:
		return errors.Newf("jit: max-chain-depth out of range: %d", o.MaxChainDepth)
	case o.MaxVersions < 1:
		return errors.Newf("jit: max-versions must be positive, got %d", o.MaxVersions)
	case o.MaxBranchTargets < 1 || o.MaxBranchTargets > MaxBranchTargetsLimit:
		return errors.WithHintf(
			errors.Newf("jit: max-branch-targets out of range: %d", o.MaxBranchTargets),
			"use a value between 1 and %d", MaxBranchTargetsLimit)
	case o.CodeSize < 64:
		return errors.Newf("jit: code-size too small: %d", o.CodeSize)
	case o.SideExitCache < 1:
		return errors.Newf("jit: side-exit-cache must be positive, got %d", o.SideExitCache)
	}
	return nil
}
