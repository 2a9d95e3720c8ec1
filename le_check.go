//go:build amd64 || arm64 || 386 || arm || riscv64 || loong64 || mipsle || mips64le || ppc64le || wasm

// le_check.go - little-endian host guard. The guest memory arena's typed
// accessors use explicit binary.LittleEndian and do not depend on host byte
// order; the guard is kept anyway. This file compiles on known LE targets;
// the sibling be_unsupported.go contains a deliberate compile error
// everywhere else.

package main
