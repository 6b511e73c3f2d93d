// Package asmx64 is the x86_64 emitter (spec §4.D): a byte-buffer builder
// with forward-label patching, exposing typed emit operations for the
// instruction families codegen needs. Grounded on the teacher's
// internal/asm + internal/asm/amd64 node-linked-list assembler
// (nodeImpl/consts.go), generalized from golang-asm-derived encoding to a
// self-contained encoder scoped to this engine's instruction subset.
package asmx64

// Register identifies one of the 16 general-purpose or 16 XMM registers in
// the standard x86_64 encoding order (so Register&7 is the 3-bit ModRM/SIB
// field and Register>>3 is the REX extension bit).
type Register byte

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NilRegister Register = 0xff
)

// XMM identifies one of the 16 SSE/AVX scalar registers.
type XMM byte

const (
	XMM0 XMM = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// Size is the operand width, matching spec §4.D's {S8,S16,S32,S64}.
type Size byte

const (
	S8 Size = iota
	S16
	S32
	S64
)

func (s Size) String() string {
	return [...]string{"S8", "S16", "S32", "S64"}[s]
}

// VMContextRegister, StackPointer and FramePointer are never handed out by
// the register allocator: RSP and
// RBP manage the frame, and one general-purpose register (R15 here) is
// reserved to always point at the VMContext so emitted code can address
// `[vmctx+k]` without reloading it, per spec.md's VMContext glossary entry.
var (
	VMContextRegister = R15
	StackPointer       = RSP
	FramePointer       = RBP
)

// PickableGeneralPurpose lists the registers available to the register
// allocator for holding
// Wasm values. Canonical (fixed, deterministic) order: lowest register
// number first, matching spec §4.E's tie-break rule for byte-identical
// compilation output.
var PickableGeneralPurpose = []Register{RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R11, R12, R13}

// TemporaryGeneralPurpose holds the scratch registers codegen uses for
// intermediate values that never live on the Wasm value stack (e.g. holding
// an address while computing a bounds check).
var TemporaryGeneralPurpose = []Register{R14}

// PickableVector is the analogous partition of XMM registers.
var PickableVector = []XMM{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5}

// TemporaryVector holds the scratch XMM registers used for NaN
// canonicalization masks and similar intermediate float work.
var TemporaryVector = []XMM{XMM6, XMM7}
