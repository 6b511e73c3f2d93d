// Package trap defines the TrapCode enumeration emitted code can raise, and
// the frame-info registry (spec §4.K) that maps a faulting instruction
// pointer back to a Wasm function and source offset.
package trap

import "fmt"

// Code enumerates every trap this engine can raise. The set is exactly
// spec.md §4.K's list: no additions, no omissions, since §8's testable
// properties reference several of these names verbatim.
type Code uint8

const (
	CodeStackOverflow Code = iota
	CodeMemoryOutOfBounds
	CodeHeapMisaligned
	CodeTableOutOfBounds
	CodeIndirectCallToNull
	CodeBadSignature
	CodeIntegerOverflow
	CodeIntegerDivisionByZero
	CodeBadConversionToInteger
	CodeUnreachableCodeReached
	CodeInterrupt
	CodeGasLimitExceeded
	CodeUnreachable
)

var names = [...]string{
	CodeStackOverflow:          "stack overflow",
	CodeMemoryOutOfBounds:      "out of bounds memory access",
	CodeHeapMisaligned:         "misaligned heap access",
	CodeTableOutOfBounds:       "undefined element: out of bounds table access",
	CodeIndirectCallToNull:     "uninitialized element",
	CodeBadSignature:           "indirect call type mismatch",
	CodeIntegerOverflow:        "integer overflow",
	CodeIntegerDivisionByZero:  "integer divide by zero",
	CodeBadConversionToInteger: "invalid conversion to integer",
	CodeUnreachableCodeReached: "wasm `unreachable` instruction executed",
	CodeInterrupt:              "interrupted",
	CodeGasLimitExceeded:       "gas limit exceeded",
	CodeUnreachable:            "unreachable",
}

func (c Code) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("trap(%d)", uint8(c))
}

// Site is a single trap-generating instruction recorded by codegen: the
// native code offset within its function body, and the TrapCode it raises
// if that site is reached (e.g. the UD2 after a bounds check failure).
type Site struct {
	CodeOffset uint32
	Code       Code
}

// SourcePosition maps a native code offset to the originating Wasm byte
// offset within its function body, used for backtraces and debugging.
type SourcePosition struct {
	CodeOffset uint32
	WasmOffset uint32
}

// FrameInfo is the per-function metadata codegen emits alongside a
// CompiledFunction: enough to unwind through the frame and to translate a
// faulting address back to a Wasm location.
type FrameInfo struct {
	// UnwindInfo holds eh-frame-shaped call-frame information describing how
	// to pop this function's frame during stack unwinding.
	UnwindInfo []byte
	// SourceMap is sorted by CodeOffset; Lookup below binary-searches it.
	SourceMap []SourcePosition
	TrapSites []Site
}

// LookupSourcePosition returns the Wasm byte offset best describing
// codeOffset, i.e. the greatest entry whose CodeOffset is <= codeOffset.
func (f *FrameInfo) LookupSourcePosition(codeOffset uint32) (wasmOffset uint32, ok bool) {
	lo, hi := 0, len(f.SourceMap)
	for lo < hi {
		mid := (lo + hi) / 2
		if f.SourceMap[mid].CodeOffset <= codeOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return f.SourceMap[lo-1].WasmOffset, true
}

// LookupTrapCode returns the Code registered for an exact codeOffset match,
// as produced when a trap-raising instruction (e.g. a UD2 following a failed
// bounds check) is itself the faulting instruction.
func (f *FrameInfo) LookupTrapCode(codeOffset uint32) (Code, bool) {
	for _, s := range f.TrapSites {
		if s.CodeOffset == codeOffset {
			return s.Code, true
		}
	}
	return 0, false
}
