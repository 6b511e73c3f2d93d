package regalloc

import (
	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// CallingConvention lists the Locations the native calling convention places
// incoming parameters in, one per parameter, before the prologue runs.
type CallingConvention struct {
	ParamLocations []asmx64.Location
}

// SystemVIntegerRegisters is the fixed RDI/RSI/RDX/RCX/R8/R9 sequence
// call_amd64.s's vmTrampoline marshals host-call arguments into, and the
// same sequence codegen uses to marshal a direct call's outgoing integer
// arguments: one calling convention end to end, matching the host ABI spec
// §6 names (VMTrampoline).
var SystemVIntegerRegisters = []asmx64.Register{asmx64.RDI, asmx64.RSI, asmx64.RDX, asmx64.RCX, asmx64.R8, asmx64.R9}

// NativeCallingConvention assigns each parameter type a Location following
// SystemVIntegerRegisters for integers/references and PickableVector for
// floats, in declaration order. Grounded on the host trampoline's
// documented scope (call_amd64.s): a function taking more than six
// parameters, or a float parameter reachable from a host call, is outside
// what this engine's ABI covers, matching the trampoline's own comment.
func NativeCallingConvention(params []wasm.ValueType) CallingConvention {
	cc := CallingConvention{ParamLocations: make([]asmx64.Location, len(params))}
	gpIdx, vecIdx := 0, 0
	for i, t := range params {
		if regTypeFor(t) == asmx64.RegisterTypeVector {
			cc.ParamLocations[i] = asmx64.NewVecLocation(asmx64.PickableVector[vecIdx])
			vecIdx++
		} else {
			cc.ParamLocations[i] = asmx64.NewGPLocation(SystemVIntegerRegisters[gpIdx])
			gpIdx++
		}
	}
	return cc
}

// calleeSavedPrefix is the fixed prefix of general-purpose registers init_locals
// reserves for locals before falling back to the stack, matching spec
// §4.C's "reserved prefix of locals assigned to callee-saved registers".
var calleeSavedPrefix = []asmx64.Register{asmx64.RBX, asmx64.R12, asmx64.R13}

// guardPageSize matches the Wasm-standard stack-guard granularity: probing
// every page ensures a genuine stack overflow is caught by the OS guard
// page instead of silently corrupting an adjacent mapping.
const guardPageSize = 4096

// InitLocals emits the function prologue: saves callee-saved registers,
// reserves the local area, copies incoming parameters from their
// calling-convention Locations into the Locations this call assigns to them,
// probes every page of the reserved area to surface guard-page faults
// safely, and zero-initializes every local beyond the parameters. Returns
// one Location per local (params first, non-param locals after).
func (s *State) InitLocals(localTypes []wasm.ValueType, numParams int, cc CallingConvention) []asmx64.Location {
	for _, r := range calleeSavedPrefix {
		s.asm.CompilePushPop(asmx64.PUSHQ, r)
	}

	locs := s.AcquireLocations(localTypes, false)

	for i := 0; i < numParams && i < len(cc.ParamLocations); i++ {
		from := cc.ParamLocations[i]
		to := locs[i]
		s.moveLocation(from, to)
	}

	// Probe every page of the reserved frame so a too-deep frame faults on
	// a guard page rather than silently aliasing adjacent memory; spec
	// §4.C calls this out explicitly ("probes every 4096-byte page").
	if frame := s.MaxFrameBytes(); frame > 0 {
		for off := int32(guardPageSize); off <= frame; off += guardPageSize {
			s.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(-off), asmx64.TemporaryGeneralPurpose[0])
		}
	}

	for i := numParams; i < len(locs); i++ {
		s.zero(locs[i])
	}

	return locs
}

// FinalizeLocals emits the function epilogue matching InitLocals: restores
// callee-saved registers (in reverse order) and returns.
func (s *State) FinalizeLocals() {
	for i := len(calleeSavedPrefix) - 1; i >= 0; i-- {
		s.asm.CompilePushPop(asmx64.POPQ, calleeSavedPrefix[i])
	}
	s.asm.CompileStandAlone(asmx64.RET)
}

func (s *State) moveLocation(from, to asmx64.Location) {
	if from.OnRegister() && to.OnRegister() {
		if from.RegisterType() == asmx64.RegisterTypeGeneralPurpose {
			s.asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, from.GeneralPurposeRegister(), to.GeneralPurposeRegister())
		} else {
			s.asm.CompileRegisterToRegister(asmx64.MOVSD, asmx64.S64, asmx64.Register(from.VectorRegister()), asmx64.Register(to.VectorRegister()))
		}
		return
	}
	if from.OnRegister() && to.OnStack() {
		if from.RegisterType() == asmx64.RegisterTypeVector {
			s.asm.CompileXMMToMemory(asmx64.MOVSD, from.VectorRegister(), asmx64.FramePointer, int64(to.StackOffset()))
		} else {
			s.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, from.GeneralPurposeRegister(), asmx64.FramePointer, int64(to.StackOffset()))
		}
		return
	}
	if from.OnStack() && to.OnRegister() {
		if to.RegisterType() == asmx64.RegisterTypeVector {
			s.asm.CompileMemoryToXMM(asmx64.MOVSD, asmx64.FramePointer, int64(from.StackOffset()), to.VectorRegister())
		} else {
			s.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(from.StackOffset()), to.GeneralPurposeRegister())
		}
		return
	}
	// stack-to-stack: route through the temporary register.
	tmp := asmx64.TemporaryGeneralPurpose[0]
	s.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(from.StackOffset()), tmp)
	s.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(to.StackOffset()))
}
