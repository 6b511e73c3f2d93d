// Package codegen implements the single-pass streaming code generator (spec
// §4.B/§4.E): it walks a function's Wasm operator stream exactly once,
// driving regalloc.State to track the value stack and asmx64.Assembler to
// emit native code, with no intermediate representation or control-flow
// graph in between.
//
// Grounded on the teacher's internal/engine/compiler/compiler.go
// compileFunction driver loop (a switch over wasm.OpcodeKind, operating on a
// compilerImpl that owns both a valueLocationStack and an assembler),
// generalized from the teacher's Go-calling-out-for-memory-and-globals model
// to spec.md's VMContext-addressed native code.
package codegen

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/leb128"
	"github.com/tetratelabs/wasmxc/internal/metering"
	"github.com/tetratelabs/wasmxc/internal/regalloc"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// RelocationKind distinguishes the two kinds of not-yet-linked call targets
// codegen can record, per spec §4.D's "deferred link-time patching".
type RelocationKind byte

const (
	// RelocationLocalCall targets a LocalFunctionIndex compiled in the same
	// Executable; the artifact linker resolves it to that function's final
	// address in code memory.
	RelocationLocalCall RelocationKind = iota
	// RelocationDynamicImportTrampoline targets the generated adapter for
	// an imported function, addressed by full function Index.
	RelocationDynamicImportTrampoline
)

// Relocation is one deferred call-target patch: codegen emitted a
// CompileMovImm64 with a placeholder immediate at Offset, to be overwritten
// once the artifact linker knows the target's final address.
type Relocation struct {
	Offset uint32
	Kind   RelocationKind
	Target wasm.Index
}

// CompiledFunction is the output of compiling one local function: its
// machine code, any deferred relocations, and the frame metadata the trap
// registry and unwinder need.
type CompiledFunction struct {
	Code        []byte
	Relocations []Relocation
	Frame       trap.FrameInfo
	FrameBytes  uint32
}

// Env is the read-only context shared by every function compiled for one
// module: the decoded module, its VMContext layout, the signature registry
// used to resolve call_indirect's type index into a portable
// SharedSignatureIndex, and the gas-metering intrinsic table.
type Env struct {
	Module     *wasm.CompileModuleInfo
	Offsets    *instance.VMOffsets
	Signatures *sigregistry.Registry
	Intrinsics map[wasm.Index]metering.Intrinsic
	// StackLimitFrameBytes, when non-zero, turns on the hoisted stack-depth
	// check (spec §4.F) in every function's prologue: the stack pointer is
	// compared against the limit stored in the VMContext and CodeStackOverflow
	// is raised once it has gone below it. Only whether the value is zero
	// matters; codegen does not use its magnitude.
	StackLimitFrameBytes uint32
}

// valEntry is one value-stack slot: its physical Location plus the Wasm
// type needed to pick the right instruction family (GP ALU vs SSE, S32 vs
// S64 operand width).
type valEntry struct {
	loc asmx64.Location
	typ wasm.ValueType
	// isConst/constVal track whether this entry's value is a source-level
	// literal that has not yet been clobbered, independent of whatever
	// Location also backs it. Gas-metering intrinsification (spec §4.F)
	// needs this to distinguish `i32.const N; call $gas` (intrinsified)
	// from a computed-argument gas call (left as a real import call, and
	// therefore observable by the host).
	isConst  bool
	constVal int64
}

// funcCompiler holds the mutable state for compiling a single function
// body; one is constructed per CompileFunction call and discarded after.
type funcCompiler struct {
	env   *Env
	asm   *asmx64.Assembler
	regs  *regalloc.State
	sig   *wasm.FunctionType
	body  []byte
	pos   int

	locals []asmx64.Location
	// localTypes is params ++ declared locals, parallel to locals.
	localTypes []wasm.ValueType

	stack   []valEntry
	frames  []controlFrame
	relocs  []Relocation
	traps   []trap.Site
	sources []trap.SourcePosition

	funcIndex wasm.Index
}

// CompileFunction compiles the local function at fullFuncIdx (a full,
// post-import function index) into native code. cc describes where the
// native calling convention places this function's incoming parameters.
func CompileFunction(env *Env, fullFuncIdx wasm.Index, cc regalloc.CallingConvention) (*CompiledFunction, error) {
	info := env.Module.ModuleInfo
	sig := info.TypeOf(fullFuncIdx)
	code := info.CodeOf(fullFuncIdx)

	asm := asmx64.NewAssembler()
	regs := regalloc.NewState(asm)

	fc := &funcCompiler{
		env:       env,
		asm:       asm,
		regs:      regs,
		sig:       sig,
		body:      code.Body,
		funcIndex: fullFuncIdx,
	}

	fc.localTypes = append(append([]wasm.ValueType{}, sig.Params...), code.LocalTypes...)
	fc.locals = regs.InitLocals(fc.localTypes, len(sig.Params), cc)

	fc.emitStackDepthCheck()

	// The function body is itself the outermost control frame: falling off
	// the end of Body is equivalent to an implicit `end` that returns.
	fc.pushFrame(controlFrame{kind: frameFunction, results: sig.Results, stackHeightAtEntry: 0})

	if err := fc.run(); err != nil {
		return nil, fmt.Errorf("codegen: function %d: %w", fullFuncIdx, err)
	}

	fc.emitReturn()
	regs.FinalizeLocals()

	buf, err := asm.Assemble()
	if err != nil {
		return nil, fmt.Errorf("codegen: function %d: assembling: %w", fullFuncIdx, err)
	}

	// Trap sites and source positions were recorded as assembler marks; now
	// that every node has its final position, turn them into byte offsets.
	for i := range fc.traps {
		fc.traps[i].CodeOffset = asm.OffsetAt(int(fc.traps[i].CodeOffset))
	}
	for i := range fc.sources {
		fc.sources[i].CodeOffset = asm.OffsetAt(int(fc.sources[i].CodeOffset))
	}

	return &CompiledFunction{
		Code:        buf,
		Relocations: fc.relocs,
		FrameBytes:  uint32(regs.MaxFrameBytes()),
		Frame: trap.FrameInfo{
			SourceMap: fc.sources,
			TrapSites: fc.traps,
		},
	}, nil
}

// emitStackDepthCheck hoists the per-call stack-depth check spec §4.F
// describes to the function's prologue: compare the current stack pointer
// against vmctx's configured limit and trap rather than faulting on the
// guard page once the frame is known to be too deep.
func (fc *funcCompiler) emitStackDepthCheck() {
	if fc.env.StackLimitFrameBytes == 0 {
		return
	}
	tmp := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.StackLimitOffset), tmp)
	fc.asm.CompileRegisterToRegister(asmx64.CMPQ, asmx64.S64, asmx64.StackPointer, tmp)
	ok := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondB, ok)
	fc.emitTrap(trap.CodeStackOverflow)
	fc.asm.BindLabel(ok)
}

// emitTrap emits the canned "raise this trap" sequence: record a trap site
// carrying code at the current position, then UD2. A real signal handler (internal/trap)
// recovers from the resulting SIGILL and classifies it via the frame
// registry's TrapSites, matching spec §4.K exactly ("traps compile to UD2
// plus a frame-info record, not to an inline branch-and-call").
func (fc *funcCompiler) emitTrap(code trap.Code) {
	fc.traps = append(fc.traps, trap.Site{CodeOffset: uint32(fc.asm.Mark()), Code: code})
	fc.asm.CompileStandAlone(asmx64.UD2)
}

func (fc *funcCompiler) run() error {
	for fc.pos < len(fc.body) {
		fc.sources = append(fc.sources, trap.SourcePosition{CodeOffset: uint32(fc.asm.Mark()), WasmOffset: uint32(fc.pos)})
		op := wasm.Opcode(fc.body[fc.pos])
		fc.pos++
		if err := fc.compileOp(op); err != nil {
			return err
		}
		if len(fc.frames) == 0 {
			// The outermost frame's matching `end` was consumed.
			return nil
		}
	}
	return fmt.Errorf("unexpected end of function body")
}

func (fc *funcCompiler) readByte() (byte, error) {
	if fc.pos >= len(fc.body) {
		return 0, fmt.Errorf("truncated operator stream")
	}
	b := fc.body[fc.pos]
	fc.pos++
	return b, nil
}

func (fc *funcCompiler) readVarU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(fc.body[fc.pos:])
	if err != nil {
		return 0, err
	}
	fc.pos += int(n)
	return v, nil
}

func (fc *funcCompiler) readVarI32() (int32, error) {
	v, n, err := leb128.LoadInt32(fc.body[fc.pos:])
	if err != nil {
		return 0, err
	}
	fc.pos += int(n)
	return v, nil
}

func (fc *funcCompiler) readVarI64() (int64, error) {
	v, n, err := leb128.LoadInt64(fc.body[fc.pos:])
	if err != nil {
		return 0, err
	}
	fc.pos += int(n)
	return v, nil
}

func (fc *funcCompiler) readF32() (uint32, error) {
	if fc.pos+4 > len(fc.body) {
		return 0, fmt.Errorf("truncated f32 immediate")
	}
	v := uint32(fc.body[fc.pos]) | uint32(fc.body[fc.pos+1])<<8 | uint32(fc.body[fc.pos+2])<<16 | uint32(fc.body[fc.pos+3])<<24
	fc.pos += 4
	return v, nil
}

func (fc *funcCompiler) readF64() (uint64, error) {
	if fc.pos+8 > len(fc.body) {
		return 0, fmt.Errorf("truncated f64 immediate")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(fc.body[fc.pos+i]) << (8 * i)
	}
	fc.pos += 8
	return v, nil
}

// memarg reads the (align, offset) pair every load/store opcode carries;
// align is decoded but not used for an explicit trap (the hardware catches
// genuine misalignment on the architectures this engine targets, so
// CodeHeapMisaligned is reserved for embedder-level checks rather than
// per-access codegen, a scope reduction from spec §4.K's full trap list).
func (fc *funcCompiler) memarg() (offset uint32, err error) {
	if _, err = fc.readVarU32(); err != nil { // align, unused
		return 0, err
	}
	return fc.readVarU32()
}

func (fc *funcCompiler) push(loc asmx64.Location, typ wasm.ValueType) {
	fc.stack = append(fc.stack, valEntry{loc: loc, typ: typ})
}

// pushConst pushes a literal value, recording it for gas-intrinsification
// detection in addition to the usual Location.
func (fc *funcCompiler) pushConst(loc asmx64.Location, typ wasm.ValueType, v int64) {
	fc.stack = append(fc.stack, valEntry{loc: loc, typ: typ, isConst: true, constVal: v})
}

func (fc *funcCompiler) pop() valEntry {
	n := len(fc.stack)
	e := fc.stack[n-1]
	fc.stack = fc.stack[:n-1]
	return e
}

// acquire is a small wrapper so arithmetic/comparison handlers can request a
// single fresh Location without constructing a one-element slice at every
// call site.
func (fc *funcCompiler) acquire(t wasm.ValueType) asmx64.Location {
	return fc.regs.AcquireLocations([]wasm.ValueType{t}, false)[0]
}

func (fc *funcCompiler) release(loc asmx64.Location) {
	fc.regs.ReleaseLocations([]asmx64.Location{loc})
}

// gpReg ensures e's value is resident in a general-purpose register,
// spilling it out of the way first if e is already on the stack (loads are
// read-only, so the original stack slot is left untouched and the caller is
// responsible for releasing whichever Location it ends up using).
func (fc *funcCompiler) gpReg(e valEntry) asmx64.Register {
	if e.loc.OnRegister() {
		return e.loc.GeneralPurposeRegister()
	}
	tmp := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(e.loc.StackOffset()), tmp)
	return tmp
}

func sizeOf(t wasm.ValueType) asmx64.Size {
	if t == wasm.ValueTypeI32 || t == wasm.ValueTypeF32 {
		return asmx64.S32
	}
	return asmx64.S64
}
