// Package vm implements the bbv host runtime.
//
// This package contains:
//   - Heap objects addressed by stable IDs
//   - Classes, method dictionaries and the symbol table
//   - The bytecode interpreter, with per-site send caches
//   - Primitive methods of the core classes
//   - The profiler that decides when the JIT driver takes over
//
// *VM implements jit.Runtime and *Frame implements jit.Frame, so compiled
// code and the interpreter execute the same activations.
package vm
