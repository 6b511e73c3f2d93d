package codegen

import (
	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/regalloc"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// pendingMove is one leg of a register-to-register (or register-to-stack)
// shuffle whose sources and destinations may alias each other, as happens
// whenever outgoing call arguments already sit in registers the native
// calling convention also uses for other argument slots.
type pendingMove struct {
	from, to asmx64.Location
	typ      wasm.ValueType
	done     bool
}

// emitRegisterMoves sequences moves so that no move overwrites a Location
// another pending move still needs to read, breaking any remaining cycle by
// evacuating one leg through a scratch register first. With at most six
// integer and six vector call arguments this never iterates more than a
// handful of times.
func (fc *funcCompiler) emitRegisterMoves(moves []*pendingMove) {
	for {
		progressed, remaining := false, false
		for _, m := range moves {
			if m.done {
				continue
			}
			remaining = true
			blocked := false
			for _, other := range moves {
				if other.done || other == m {
					continue
				}
				if locationsIdentical(other.from, m.to) {
					blocked = true
					break
				}
			}
			if !blocked {
				fc.moveValue(valEntry{loc: m.from, typ: m.typ}, m.to)
				m.done = true
				progressed = true
			}
		}
		if !remaining {
			return
		}
		if !progressed {
			for _, m := range moves {
				if m.done {
					continue
				}
				scratch := asmx64.NewGPLocation(asmx64.TemporaryGeneralPurpose[0])
				if m.typ == wasm.ValueTypeF32 || m.typ == wasm.ValueTypeF64 {
					scratch = asmx64.NewVecLocation(asmx64.TemporaryVector[0])
				}
				fc.moveValue(valEntry{loc: m.from, typ: m.typ}, scratch)
				m.from = scratch
				break
			}
		}
	}
}

// emitArgsAndCall pops sig.Params off the value stack in call order, places
// each into the Location regalloc.NativeCallingConvention assigns it,
// invokes loadTarget (expected to leave the callee's address in
// TemporaryGeneralPurpose[0]), emits the call, and pushes the single result
// the signature declares, if any.
func (fc *funcCompiler) emitArgsAndCall(sig *wasm.FunctionType, loadTarget func()) error {
	cc := regalloc.NativeCallingConvention(sig.Params)

	args := make([]valEntry, len(sig.Params))
	for i := len(sig.Params) - 1; i >= 0; i-- {
		args[i] = fc.pop()
	}

	moves := make([]*pendingMove, len(args))
	for i, a := range args {
		moves[i] = &pendingMove{from: a.loc, to: cc.ParamLocations[i], typ: sig.Params[i]}
	}
	fc.emitRegisterMoves(moves)

	for i := len(args) - 1; i >= 0; i-- {
		fc.release(args[i].loc)
	}

	loadTarget()
	fc.asm.CompileCallRegister(asmx64.TemporaryGeneralPurpose[0])

	fc.pushCallResult(sig)
	return nil
}

// pushCallResult records the value a just-emitted call left in RAX/XMM0,
// per NativeCallingConvention's doc the same way a parameter's home is
// chosen. Multi-value returns are a Non-goal, so at most one result exists.
func (fc *funcCompiler) pushCallResult(sig *wasm.FunctionType) {
	if len(sig.Results) == 0 {
		return
	}
	t := sig.Results[0]
	dst := fc.acquire(t)
	if t == wasm.ValueTypeF32 || t == wasm.ValueTypeF64 {
		fc.moveValue(valEntry{loc: asmx64.NewVecLocation(asmx64.PickableVector[0]), typ: t}, dst)
	} else {
		fc.moveValue(valEntry{loc: asmx64.NewGPLocation(asmx64.RAX), typ: t}, dst)
	}
	fc.push(dst, t)
}

// writeImm64 materializes v into loc, which may be a register or a spilled
// stack slot (acquire gives no guarantee which).
func (fc *funcCompiler) writeImm64(loc asmx64.Location, v int64) {
	if loc.OnRegister() {
		fc.asm.CompileMovImm64(loc.GeneralPurposeRegister(), v)
		return
	}
	tmp := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMovImm64(tmp, v)
	fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(loc.StackOffset()))
}

// storeReg writes reg's value into loc, which may be a register (a no-op
// mov if it already is reg) or a stack slot.
func (fc *funcCompiler) storeReg(reg asmx64.Register, loc asmx64.Location) {
	if loc.OnRegister() {
		if loc.GeneralPurposeRegister() != reg {
			fc.asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, reg, loc.GeneralPurposeRegister())
		}
		return
	}
	fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, reg, asmx64.FramePointer, int64(loc.StackOffset()))
}

// emitInlineGasCharge implements metering.ChargeLiteral (spec §4.F) inline
// against the instance's FastGasCounter (internal/instance/config.go: offset
// 0 is BurntGas, offset 8 is GasLimit) rather than emitting a call — the
// point of recognizing a literal-argument gas charge at compile time in the
// first place. Two intermediate register/register comparisons below assume
// at most one of their two operands has spilled to the stack at once, the
// same narrow simplification compileIntBinOp makes for its operand pair.
func (fc *funcCompiler) emitInlineGasCharge(amount uint64) {
	tmp := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.GasCounterPtrOffset), tmp)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, tmp)
	done := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondE, done)

	ptr := fc.acquire(wasm.ValueTypeI64)
	fc.moveValue(valEntry{loc: asmx64.NewGPLocation(tmp), typ: wasm.ValueTypeI64}, ptr)

	ptrReg := fc.gpReg(valEntry{loc: ptr, typ: wasm.ValueTypeI64})
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, ptrReg, 0, tmp)

	burnt := fc.acquire(wasm.ValueTypeI64)
	fc.moveValue(valEntry{loc: asmx64.NewGPLocation(tmp), typ: wasm.ValueTypeI64}, burnt)

	burntReg := fc.gpReg(valEntry{loc: burnt, typ: wasm.ValueTypeI64})
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, -1, burntReg) // GasInterrupt
	notInterrupted := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondNE, notInterrupted)
	fc.emitTrap(trap.CodeInterrupt)
	fc.asm.BindLabel(notInterrupted)

	amt := fc.acquire(wasm.ValueTypeI64)
	fc.writeImm64(amt, int64(amount))

	burntReg = fc.gpReg(valEntry{loc: burnt, typ: wasm.ValueTypeI64})
	amtReg := fc.gpReg(valEntry{loc: amt, typ: wasm.ValueTypeI64})
	fc.asm.CompileRegisterToRegister(asmx64.ADDQ, asmx64.S64, amtReg, burntReg)
	noOverflow := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondAE, noOverflow)
	fc.asm.CompileMovImm64(burntReg, -1) // saturate to ^uint64(0)
	fc.asm.BindLabel(noOverflow)
	fc.storeReg(burntReg, burnt)
	fc.release(amt)

	ptrReg = fc.gpReg(valEntry{loc: ptr, typ: wasm.ValueTypeI64})
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, ptrReg, 8, tmp)
	limit := fc.acquire(wasm.ValueTypeI64)
	fc.moveValue(valEntry{loc: asmx64.NewGPLocation(tmp), typ: wasm.ValueTypeI64}, limit)

	burntReg = fc.gpReg(valEntry{loc: burnt, typ: wasm.ValueTypeI64})
	limitReg := fc.gpReg(valEntry{loc: limit, typ: wasm.ValueTypeI64})
	fc.asm.CompileRegisterToRegister(asmx64.CMPQ, asmx64.S64, limitReg, burntReg)
	underLimit := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondBE, underLimit)
	fc.emitTrap(trap.CodeGasLimitExceeded)
	fc.asm.BindLabel(underLimit)
	fc.release(limit)

	ptrReg = fc.gpReg(valEntry{loc: ptr, typ: wasm.ValueTypeI64})
	burntReg = fc.gpReg(valEntry{loc: burnt, typ: wasm.ValueTypeI64})
	fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, burntReg, ptrReg, 0)
	fc.release(burnt)
	fc.release(ptr)
	fc.asm.BindLabel(done)
}

// compileCall implements both the ordinary direct-call opcode and, when the
// target is a recognized gas-metering import called with a literal operand,
// its inline intrinsification (spec §4.F): the call never reaches the
// native calling convention at all in that case, just an update of the
// instance's FastGasCounter.
func (fc *funcCompiler) compileCall() error {
	idx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	info := fc.env.Module.ModuleInfo

	if intr, ok := fc.env.Intrinsics[idx]; ok && len(fc.stack) > 0 && fc.stack[len(fc.stack)-1].isConst {
		arg := fc.pop()
		fc.release(arg.loc)
		amount := uint64(arg.constVal)
		if !intr.Is64 {
			amount = uint64(uint32(arg.constVal))
		}
		fc.emitInlineGasCharge(amount)
		return nil
	}

	sig := info.TypeOf(idx)
	return fc.emitArgsAndCall(sig, func() {
		reg := asmx64.TemporaryGeneralPurpose[0]
		mark := fc.asm.Mark()
		fc.asm.CompileMovImm64(reg, 0)
		if info.Counts.IsImportedFunction(idx) {
			fc.relocs = append(fc.relocs, Relocation{Offset: fc.asm.OffsetAt(mark) + 2, Kind: RelocationDynamicImportTrampoline, Target: idx})
		} else {
			fc.relocs = append(fc.relocs, Relocation{Offset: fc.asm.OffsetAt(mark) + 2, Kind: RelocationLocalCall, Target: info.Counts.LocalFunctionIndex(idx)})
		}
	})
}

// compileCallIndirect implements call_indirect (spec §4.K): bounds-check
// the table index, reject a null element, compare its VMSharedSignatureIndex
// against the call site's declared type, then call through exactly as a
// direct call would. Local and imported table entries need no special
// casing here since table.go never populates TableElement.FuncEnv — an
// imported entry's FuncPtr already names a self-contained dynamic-import
// trampoline (see instance.ArtifactHandle.DynamicImportTrampolinePointer).
func (fc *funcCompiler) compileCallIndirect() error {
	typeIdx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	tableIdx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	sig := fc.env.Module.Types[typeIdx]
	wantSig := fc.env.Signatures.Register(sig)

	idxEntry := fc.pop()
	fc.release(idxEntry.loc)
	idxLoc := fc.acquire(wasm.ValueTypeI32)
	fc.moveValue(idxEntry, idxLoc)

	// idxReg and work are kept in genuinely distinct registers whenever
	// possible (idxLoc was just freshly acquired, so it only shares
	// TemporaryGeneralPurpose[0] with work in the rare case both it and the
	// newly-acquired work Location spill to the stack simultaneously).
	idxReg := asmx64.TemporaryGeneralPurpose[0]
	if idxLoc.OnRegister() {
		idxReg = idxLoc.GeneralPurposeRegister()
		// Re-zero-extend: an i32 Location's upper 32 bits are undefined
		// garbage from whatever 64-bit op last touched the register, but
		// the address arithmetic below treats idxReg as a full 64-bit index.
		fc.asm.CompileRegisterToRegister(asmx64.MOVL, asmx64.S32, idxReg, idxReg)
	} else {
		fc.asm.CompileMemoryToRegister(asmx64.MOVL, asmx64.S32, asmx64.FramePointer, int64(idxLoc.StackOffset()), idxReg)
	}

	work := fc.acquire(wasm.ValueTypeI64)
	workReg := asmx64.TemporaryGeneralPurpose[0]
	if work.OnRegister() {
		workReg = work.GeneralPurposeRegister()
	}

	fc.asm.CompileMemoryToRegister(asmx64.MOVL, asmx64.S32, asmx64.VMContextRegister, int64(fc.env.Offsets.TableLenOffset(tableIdx)), workReg)
	fc.asm.CompileRegisterToRegister(asmx64.CMPL, asmx64.S32, workReg, idxReg)
	inBounds := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondB, inBounds)
	fc.emitTrap(trap.CodeTableOutOfBounds)
	fc.asm.BindLabel(inBounds)

	fc.asm.CompileMovImm64(workReg, int64(instance.TableElementSize))
	fc.asm.CompileRegisterToRegister(asmx64.IMULQ, asmx64.S64, workReg, idxReg)
	// idxReg now holds idx*sizeof(TableElement).

	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.TableDataPtrOffset(tableIdx)), workReg)
	fc.asm.CompileRegisterToRegister(asmx64.ADDQ, asmx64.S64, workReg, idxReg)
	// idxReg now holds the table element's address.

	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, idxReg, instance.TableElementFuncPtrOffset, workReg)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, workReg)
	notNull := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondNE, notNull)
	fc.emitTrap(trap.CodeIndirectCallToNull)
	fc.asm.BindLabel(notNull)

	// workReg (the funcPtr) must survive the signature compare; idxReg (the
	// element address, no longer needed) is reused rather than spending a
	// third register on it.
	fc.asm.CompileMemoryToRegister(asmx64.MOVL, asmx64.S32, idxReg, instance.TableElementSignatureOffset, idxReg)
	fc.asm.CompileConstToRegister(asmx64.CMPL, asmx64.S32, int64(wantSig), idxReg)
	sigOK := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondE, sigOK)
	fc.emitTrap(trap.CodeBadSignature)
	fc.asm.BindLabel(sigOK)

	// Stash the validated funcPtr on the native stack rather than in any
	// register: argument marshaling below is free to use every pickable
	// register, including whichever one workReg happened to land on.
	fc.asm.CompilePushPop(asmx64.PUSHQ, workReg)
	fc.release(work)
	fc.release(idxLoc)

	return fc.emitArgsAndCall(sig, func() {
		fc.asm.CompilePushPop(asmx64.POPQ, asmx64.TemporaryGeneralPurpose[0])
	})
}
