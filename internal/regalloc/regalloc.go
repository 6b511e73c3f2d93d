// Package regalloc implements the machine-state / register allocator
// (spec §4.C): it tracks which general-purpose and vector registers are
// live, spills to a frame-relative stack, and lays out locals. Grounded on
// the teacher's compiler_value_location.go (valueLocationStack /
// valueLocation), generalized from a single hard-coded amd64 register set
// to the asmx64 package's Register/XMM partitioning.
package regalloc

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// State is the machine-state tracker for one function being compiled. It
// owns the set of free/used registers and the current frame offset; codegen
// drives it operator-by-operator as it walks the Wasm value stack.
type State struct {
	freeGP  []asmx64.Register
	freeVec []asmx64.XMM
	usedGP  map[asmx64.Register]bool
	usedVec map[asmx64.XMM]bool

	// frameOffset is the next free stack slot, measured as a negative byte
	// offset from RBP; it only ever grows more negative while locations are
	// live and shrinks back on release, maintaining spec's invariant that
	// "the tracked stack offset always equals the rsp delta from rbp".
	frameOffset int32
	maxFrame    int32

	// acquireOrder records the sequence of acquisitions so release_locations
	// can assert LIFO discipline.
	acquireOrder []asmx64.Location

	asm *asmx64.Assembler
}

// NewState returns a State with a fresh copy of the canonical pickable
// register sets (lowest register number first, per spec §4.E's determinism
// tie-break).
func NewState(asm *asmx64.Assembler) *State {
	s := &State{
		usedGP:  map[asmx64.Register]bool{},
		usedVec: map[asmx64.XMM]bool{},
		asm:     asm,
	}
	s.freeGP = append(s.freeGP, asmx64.PickableGeneralPurpose...)
	s.freeVec = append(s.freeVec, asmx64.PickableVector...)
	return s
}

// regTypeFor maps a Wasm value type to the register file it is allocated
// from: floats use the vector file, everything else (including reference
// types, represented as 8-byte pointer-sized values per spec §4.E) uses
// general-purpose.
func regTypeFor(t wasm.ValueType) asmx64.RegisterType {
	if t == wasm.ValueTypeF32 || t == wasm.ValueTypeF64 {
		return asmx64.RegisterTypeVector
	}
	return asmx64.RegisterTypeGeneralPurpose
}

func sizeFor(t wasm.ValueType) asmx64.Size {
	switch t {
	case wasm.ValueTypeI32, wasm.ValueTypeF32:
		return asmx64.S32
	default:
		return asmx64.S64
	}
}

// AcquireLocations returns one Location per requested type, preferring a
// free register and falling back to an 8-byte-aligned stack slot (emitting
// the `sub rsp` needed to reserve it). If zeroed is true each acquired
// location is zero-initialized before being handed back.
func (s *State) AcquireLocations(types []wasm.ValueType, zeroed bool) []asmx64.Location {
	locs := make([]asmx64.Location, len(types))
	var spillBytes int32
	for i, t := range types {
		loc, spilled := s.acquireOne(t)
		locs[i] = loc
		if spilled {
			spillBytes += 8
		}
	}
	if spillBytes > 0 {
		s.asm.CompileConstToRegister(asmx64.SUBQ, asmx64.S64, int64(spillBytes), asmx64.StackPointer)
	}
	if zeroed {
		for _, l := range locs {
			s.zero(l)
		}
	}
	s.acquireOrder = append(s.acquireOrder, locs...)
	return locs
}

func (s *State) acquireOne(t wasm.ValueType) (loc asmx64.Location, spilled bool) {
	rt := regTypeFor(t)
	if rt == asmx64.RegisterTypeVector {
		if len(s.freeVec) > 0 {
			r := s.freeVec[0]
			s.freeVec = s.freeVec[1:]
			s.usedVec[r] = true
			return vecLoc(r), false
		}
	} else {
		if len(s.freeGP) > 0 {
			r := s.freeGP[0]
			s.freeGP = s.freeGP[1:]
			s.usedGP[r] = true
			return gpLoc(r), false
		}
	}
	// Fall back to a stack slot.
	s.frameOffset -= 8
	if -s.frameOffset > s.maxFrame {
		s.maxFrame = -s.frameOffset
	}
	return stackLoc(rt, s.frameOffset), true
}

func (s *State) zero(l asmx64.Location) {
	if l.OnRegister() {
		if l.RegisterType() == asmx64.RegisterTypeGeneralPurpose {
			s.asm.CompileRegisterToRegister(asmx64.XORQ, asmx64.S64, l.GeneralPurposeRegister(), l.GeneralPurposeRegister())
		}
		// Vector-register zeroing (pxor) is elided here; codegen emits it
		// directly where needed since it is a single fixed encoding.
		return
	}
	s.asm.CompileConstToMemory(asmx64.MOVQ, asmx64.S64, 0, asmx64.FramePointer, int64(l.StackOffset()))
}

// ReleaseLocations returns locs to the pool in reverse acquisition order,
// asserting the LIFO discipline spec §4.C requires. Any contiguous run of
// released stack slots at the top of the frame is coalesced into a single
// `add rsp` rather than one per slot.
func (s *State) ReleaseLocations(locs []asmx64.Location) {
	n := len(s.acquireOrder)
	if len(locs) > n {
		panic("regalloc: release of more locations than are currently acquired")
	}
	tail := s.acquireOrder[n-len(locs):]
	for i, l := range locs {
		if !locationsEqual(tail[len(tail)-1-i], l) {
			panic(fmt.Sprintf("regalloc: release_locations must be called in reverse acquisition order: expected %v, got %v", tail[len(tail)-1-i], l))
		}
	}
	s.acquireOrder = s.acquireOrder[:n-len(locs)]

	var unspillBytes int32
	// Walk in acquisition order (i.e. reverse of locs, since locs is given
	// in release order which callers pass as the reverse of acquisition).
	for i := len(locs) - 1; i >= 0; i-- {
		l := locs[i]
		if l.OnStack() {
			unspillBytes += 8
			s.frameOffset += 8
			continue
		}
		if l.RegisterType() == asmx64.RegisterTypeVector {
			s.usedVec[l.VectorRegister()] = false
			s.freeVec = append([]asmx64.XMM{l.VectorRegister()}, s.freeVec...)
		} else {
			s.usedGP[l.GeneralPurposeRegister()] = false
			s.freeGP = append([]asmx64.Register{l.GeneralPurposeRegister()}, s.freeGP...)
		}
	}
	if unspillBytes > 0 {
		s.asm.CompileConstToRegister(asmx64.ADDQ, asmx64.S64, int64(unspillBytes), asmx64.StackPointer)
	}
}

// MaxFrameBytes reports the largest spill-stack depth reached during this
// function's compilation; CompileFunction reports it as
// CompiledFunction.FrameBytes.
func (s *State) MaxFrameBytes() int32 { return s.maxFrame }

func gpLoc(r asmx64.Register) asmx64.Location { return asmx64.NewGPLocation(r) }
func vecLoc(r asmx64.XMM) asmx64.Location      { return asmx64.NewVecLocation(r) }
func stackLoc(rt asmx64.RegisterType, off int32) asmx64.Location {
	return asmx64.NewStackLocation(rt, off)
}

func locationsEqual(a, b asmx64.Location) bool {
	if a.OnStack() != b.OnStack() {
		return false
	}
	if a.OnStack() {
		return a.StackOffset() == b.StackOffset()
	}
	if a.RegisterType() != b.RegisterType() {
		return false
	}
	if a.RegisterType() == asmx64.RegisterTypeVector {
		return a.VectorRegister() == b.VectorRegister()
	}
	return a.GeneralPurposeRegister() == b.GeneralPurposeRegister()
}
