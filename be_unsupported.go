//go:build !(amd64 || arm64 || 386 || arm || riscv64 || loong64 || mipsle || mips64le || ppc64le || wasm)

package main

// The guest memory arena's Read32/Write32/ReadFloat32/... accessors decode
// little-endian explicitly via encoding/binary; this guard still restricts
// builds to known little-endian hosts.
var _ = "the guest execution substrate requires a little-endian host" + 1
