package instance

import "unsafe"

// vmTrampoline is implemented in call_amd64.s. It calls into native code at
// fn with the Wasm calling convention codegen emits: vmctx in R15, up to six
// integer arguments in RDI/RSI/RDX/RCX/R8/R9 (none are passed on the stack),
// and a single return value copied out of RAX; XMM0 is not copied out.
// Grounded on wasmer-go/wasmtime-go's cgo call trampolines, adapted here to
// a pure-Go asm stub since this engine never depends on cgo (spec §5).
//
//go:noescape
func vmTrampoline(fn uintptr, vmctx unsafe.Pointer, args *uint64, argc int64, rets *uint64, retc int64) int64
