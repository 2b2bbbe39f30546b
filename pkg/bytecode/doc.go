// Package bytecode implements the Fern execution core: a single-pass
// compiler that emits stack-machine bytecode directly from source, the
// virtual machine that interprets it, and the mark-and-sweep collector
// that reclaims heap objects.
//
// The bytecode format is designed for:
//   - Compact representation (typically 1-3 bytes per instruction)
//   - Fast decoding (single-byte opcodes, simple operand formats)
//   - Easy serialization (chunks can be encoded to CBOR images and
//     cached in SQLite; see pkg/image)
//
// # Architecture Overview
//
// The execution core consists of several components:
//
//   - Opcodes: 37 stack-based instructions covering constants,
//     variable access, arithmetic, control flow, calls, closures, and
//     classes
//
//   - Chunk: a compiled bytecode unit containing code, a parallel
//     source-line array (one entry per code byte), and a constant pool
//
//   - Compiler: a Pratt parser that consumes tokens from the lexer and
//     emits bytecode with no intermediate AST, tracking lexical scopes,
//     locals, and upvalues across an enclosing-compiler chain
//
//   - VM: a frame-stack interpreter executing over a shared value
//     stack, with an open-upvalue list so closures share captured
//     variables by reference
//
//   - Heap: the allocator and tri-color mark-sweep collector; every
//     heap object is threaded onto one list, and roots are supplied by
//     registered sources (the VM, and any compiler that is running)
//
// # Closure Semantics
//
// Variables are captured by reference. While the declaring frame is
// live, an upvalue points at the frame's stack slot; when the slot is
// about to be discarded the upvalue is "closed" and owns the value.
// Multiple closures over the same variable share one upvalue, so
// mutation through any of them is visible to all.
package bytecode
