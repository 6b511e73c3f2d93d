package codegen

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// compileOp dispatches one opcode, mutating the value stack and emitting its
// native sequence. This is the single-pass driver spec §4.E describes:
// there is no intermediate representation between this switch and the
// asmx64 calls it makes.
func (fc *funcCompiler) compileOp(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeUnreachable:
		fc.emitTrap(trap.CodeUnreachableCodeReached)
		return fc.skipToMatchingEnd()
	case wasm.OpcodeNop:
		return nil

	case wasm.OpcodeBlock:
		return fc.compileBlock()
	case wasm.OpcodeLoop:
		return fc.compileLoop()
	case wasm.OpcodeIf:
		return fc.compileIf()
	case wasm.OpcodeElse:
		return fc.compileElse()
	case wasm.OpcodeEnd:
		return fc.compileEnd()
	case wasm.OpcodeBr:
		return fc.compileBr()
	case wasm.OpcodeBrIf:
		return fc.compileBrIf()
	case wasm.OpcodeBrTable:
		return fc.compileBrTable()
	case wasm.OpcodeReturn:
		return fc.compileReturn()
	case wasm.OpcodeCall:
		return fc.compileCall()
	case wasm.OpcodeCallIndirect:
		return fc.compileCallIndirect()

	case wasm.OpcodeDrop:
		e := fc.pop()
		if e.loc.OnRegister() {
			fc.release(e.loc)
		}
		return nil
	case wasm.OpcodeSelect:
		return fc.compileSelect()

	case wasm.OpcodeLocalGet:
		return fc.compileLocalGet()
	case wasm.OpcodeLocalSet:
		return fc.compileLocalSet(false)
	case wasm.OpcodeLocalTee:
		return fc.compileLocalSet(true)
	case wasm.OpcodeGlobalGet:
		return fc.compileGlobalGet()
	case wasm.OpcodeGlobalSet:
		return fc.compileGlobalSet()

	case wasm.OpcodeI32Load:
		return fc.compileLoad(wasm.ValueTypeI32)
	case wasm.OpcodeI64Load:
		return fc.compileLoad(wasm.ValueTypeI64)
	case wasm.OpcodeI32Store:
		return fc.compileStore(wasm.ValueTypeI32)
	case wasm.OpcodeI64Store:
		return fc.compileStore(wasm.ValueTypeI64)
	case wasm.OpcodeMemorySize:
		return fc.compileMemorySize()
	case wasm.OpcodeMemoryGrow:
		return fc.compileMemoryGrow()

	case wasm.OpcodeI32Const:
		v, err := fc.readVarI32()
		if err != nil {
			return err
		}
		fc.pushConst(fc.materializeConst(int64(v), wasm.ValueTypeI32), wasm.ValueTypeI32, int64(v))
		return nil
	case wasm.OpcodeI64Const:
		v, err := fc.readVarI64()
		if err != nil {
			return err
		}
		fc.pushConst(fc.materializeConst(v, wasm.ValueTypeI64), wasm.ValueTypeI64, v)
		return nil
	case wasm.OpcodeF32Const:
		v, err := fc.readF32()
		if err != nil {
			return err
		}
		fc.push(fc.materializeConst(int64(v), wasm.ValueTypeF32), wasm.ValueTypeF32)
		return nil
	case wasm.OpcodeF64Const:
		v, err := fc.readF64()
		if err != nil {
			return err
		}
		fc.push(fc.materializeConst(int64(v), wasm.ValueTypeF64), wasm.ValueTypeF64)
		return nil

	case wasm.OpcodeRefNull:
		if _, err := fc.readByte(); err != nil { // reftype byte, unused
			return err
		}
		// A funcref's runtime representation is the callee's native code
		// pointer (see compileRefFunc), so null is simply the zero pointer,
		// matching TableElement.FuncPtr's nil-means-null convention.
		fc.push(fc.materializeConst(0, wasm.ValueTypeI64), wasm.ValueTypeFuncref)
		return nil
	case wasm.OpcodeRefIsNull:
		return fc.compileRefIsNull()
	case wasm.OpcodeRefFunc:
		idx, err := fc.readVarU32()
		if err != nil {
			return err
		}
		return fc.compileRefFunc(idx)

	case wasm.OpcodeI32Eqz, wasm.OpcodeI64Eqz:
		return fc.compileEqz()

	case wasm.OpcodeI32Eq, wasm.OpcodeI32Ne, wasm.OpcodeI32LtS, wasm.OpcodeI32GtS, wasm.OpcodeI32LeS, wasm.OpcodeI32GeS,
		wasm.OpcodeI64Eq, wasm.OpcodeI64Ne, wasm.OpcodeI64LtS, wasm.OpcodeI64GtS, wasm.OpcodeI64LeS, wasm.OpcodeI64GeS:
		return fc.compileIntCompare(op)

	case wasm.OpcodeF64Eq, wasm.OpcodeF64Lt, wasm.OpcodeF64Gt:
		return fc.compileFloatCompare(op)

	case wasm.OpcodeI32Add, wasm.OpcodeI64Add:
		return fc.compileIntBinOp(asmx64.ADDQ)
	case wasm.OpcodeI32Sub, wasm.OpcodeI64Sub:
		return fc.compileIntBinOp(asmx64.SUBQ)
	case wasm.OpcodeI32Mul, wasm.OpcodeI64Mul:
		return fc.compileIntBinOp(asmx64.IMULQ)
	case wasm.OpcodeI32And, wasm.OpcodeI64And:
		return fc.compileIntBinOp(asmx64.ANDQ)
	case wasm.OpcodeI32Or, wasm.OpcodeI64Or:
		return fc.compileIntBinOp(asmx64.ORQ)
	case wasm.OpcodeI32Xor, wasm.OpcodeI64Xor:
		return fc.compileIntBinOp(asmx64.XORQ)

	case wasm.OpcodeF64Add:
		return fc.compileFloatBinOp(asmx64.ADDSD)
	case wasm.OpcodeF64Sub:
		return fc.compileFloatBinOp(asmx64.SUBSD)
	case wasm.OpcodeF64Mul:
		return fc.compileFloatBinOp(asmx64.MULSD)
	case wasm.OpcodeF64Div:
		return fc.compileFloatBinOp(asmx64.DIVSD)

	default:
		return fmt.Errorf("codegen: unsupported opcode 0x%x", byte(op))
	}
}

// skipToMatchingEnd consumes operators without emitting code until the
// control stack returns to its depth at the point `unreachable` was hit,
// per spec §4.E's "unreachable code after a branch: emit nothing until the
// matching end". Nested block/loop/if still need their frames popped so the
// value-stack bookkeeping in compileEnd stays correct; since no code is
// emitted for it, the stack is kept consistent by bypassing compileOp
// entirely for the skipped region's block-structuring opcodes.
func (fc *funcCompiler) skipToMatchingEnd() error {
	depth := 0
	for fc.pos < len(fc.body) {
		op := wasm.Opcode(fc.body[fc.pos])
		fc.pos++
		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			if _, err := fc.readBlockType(); err != nil {
				return err
			}
			depth++
		case wasm.OpcodeEnd:
			if depth == 0 {
				return fc.compileEnd()
			}
			depth--
		case wasm.OpcodeElse:
			if depth == 0 {
				return fc.compileElse()
			}
		default:
			if err := fc.skipImmediate(op); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("unreachable block: missing end")
}

// skipImmediate advances past op's immediate operand(s) without interpreting
// them, for use only while skipping dead code after `unreachable`.
func (fc *funcCompiler) skipImmediate(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall, wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet, wasm.OpcodeRefFunc, wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		_, err := fc.readVarU32()
		return err
	case wasm.OpcodeCallIndirect:
		if _, err := fc.readVarU32(); err != nil {
			return err
		}
		_, err := fc.readVarU32()
		return err
	case wasm.OpcodeI32Load, wasm.OpcodeI64Load, wasm.OpcodeI32Store, wasm.OpcodeI64Store:
		_, err := fc.memarg()
		return err
	case wasm.OpcodeI32Const:
		_, err := fc.readVarI32()
		return err
	case wasm.OpcodeI64Const:
		_, err := fc.readVarI64()
		return err
	case wasm.OpcodeF32Const:
		_, err := fc.readF32()
		return err
	case wasm.OpcodeF64Const:
		_, err := fc.readF64()
		return err
	case wasm.OpcodeRefNull:
		_, err := fc.readByte()
		return err
	case wasm.OpcodeBrTable:
		count, err := fc.readVarU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			if _, err := fc.readVarU32(); err != nil {
				return err
			}
		}
		_, err = fc.readVarU32()
		return err
	default:
		return nil
	}
}

// materializeConst acquires a fresh Location for a literal value and emits
// the immediate load, used by every `*.const` opcode and by ref.null's zero
// value.
func (fc *funcCompiler) materializeConst(v int64, t wasm.ValueType) asmx64.Location {
	loc := fc.acquire(t)
	if t == wasm.ValueTypeF32 || t == wasm.ValueTypeF64 {
		tmp := asmx64.TemporaryGeneralPurpose[0]
		fc.asm.CompileMovImm64(tmp, v)
		fc.storeFromGP(tmp, loc)
		return loc
	}
	if loc.OnRegister() {
		fc.asm.CompileMovImm64(loc.GeneralPurposeRegister(), v)
	} else {
		tmp := asmx64.TemporaryGeneralPurpose[0]
		fc.asm.CompileMovImm64(tmp, v)
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(loc.StackOffset()))
	}
	return loc
}

// storeFromGP moves a raw 64-bit pattern held in a general-purpose register
// into a (possibly vector) destination Location, used for materializing
// float bit patterns without a dedicated float-immediate encoding.
func (fc *funcCompiler) storeFromGP(src asmx64.Register, dst asmx64.Location) {
	if dst.RegisterType() == asmx64.RegisterTypeVector {
		// Route the bit pattern through a scratch stack slot: there is no
		// direct GP-to-XMM move in this engine's instruction subset.
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, src, asmx64.FramePointer, int64(dst.StackOffset()))
		if dst.OnRegister() {
			fc.asm.CompileMemoryToXMM(asmx64.MOVSD, asmx64.FramePointer, int64(dst.StackOffset()), dst.VectorRegister())
		}
		return
	}
	if dst.OnRegister() {
		fc.asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, src, dst.GeneralPurposeRegister())
	} else {
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, src, asmx64.FramePointer, int64(dst.StackOffset()))
	}
}

func (fc *funcCompiler) compileLocalGet() error {
	idx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	if int(idx) >= len(fc.locals) {
		return fmt.Errorf("local.get: index %d out of range", idx)
	}
	t := fc.localTypes[idx]
	dst := fc.acquire(t)
	fc.moveValue(valEntry{loc: fc.locals[idx], typ: t}, dst)
	fc.push(dst, t)
	return nil
}

func (fc *funcCompiler) compileLocalSet(tee bool) error {
	idx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	if int(idx) >= len(fc.locals) {
		return fmt.Errorf("local.set: index %d out of range", idx)
	}
	top := fc.pop()
	fc.moveValue(top, fc.locals[idx])
	if tee {
		fc.push(fc.locals[idx], fc.localTypes[idx])
	} else if top.loc.OnRegister() {
		fc.release(top.loc)
	}
	return nil
}

func (fc *funcCompiler) compileGlobalGet() error {
	idx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	t := fc.env.Module.GlobalTypeOf(idx).ValType
	dst := fc.acquire(t)
	off := int64(fc.env.Offsets.GlobalOffset(idx))
	if t == wasm.ValueTypeF32 || t == wasm.ValueTypeF64 {
		if dst.OnRegister() {
			fc.asm.CompileMemoryToXMM(asmx64.MOVSD, asmx64.VMContextRegister, off, dst.VectorRegister())
		} else {
			tmp := asmx64.TemporaryGeneralPurpose[0]
			fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, off, tmp)
			fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(dst.StackOffset()))
		}
	} else if dst.OnRegister() {
		fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, off, dst.GeneralPurposeRegister())
	} else {
		tmp := asmx64.TemporaryGeneralPurpose[0]
		fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.VMContextRegister, off, tmp)
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(dst.StackOffset()))
	}
	fc.push(dst, t)
	return nil
}

func (fc *funcCompiler) compileGlobalSet() error {
	idx, err := fc.readVarU32()
	if err != nil {
		return err
	}
	top := fc.pop()
	off := int64(fc.env.Offsets.GlobalOffset(idx))
	isFloat := top.typ == wasm.ValueTypeF32 || top.typ == wasm.ValueTypeF64
	switch {
	case isFloat && top.loc.OnRegister():
		fc.asm.CompileXMMToMemory(asmx64.MOVSD, top.loc.VectorRegister(), asmx64.VMContextRegister, off)
	case !isFloat && top.loc.OnRegister():
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, top.loc.GeneralPurposeRegister(), asmx64.VMContextRegister, off)
	default:
		tmp := asmx64.TemporaryGeneralPurpose[0]
		fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(top.loc.StackOffset()), tmp)
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.VMContextRegister, off)
	}
	if top.loc.OnRegister() {
		fc.release(top.loc)
	}
	return nil
}

func (fc *funcCompiler) compileSelect() error {
	cond := fc.pop()
	b := fc.pop()
	a := fc.pop()
	condReg := fc.gpReg(cond)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, condReg)
	ifFalse := fc.asm.NewLabel()
	done := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondE, ifFalse)

	dst := fc.acquire(a.typ)
	fc.moveValue(a, dst)
	fc.asm.CompileJump(done)
	fc.asm.BindLabel(ifFalse)
	fc.moveValue(b, dst)
	fc.asm.BindLabel(done)

	if cond.loc.OnRegister() {
		fc.release(cond.loc)
	}
	if a.loc.OnRegister() && !locationsIdentical(a.loc, dst) {
		fc.release(a.loc)
	}
	if b.loc.OnRegister() && !locationsIdentical(b.loc, dst) {
		fc.release(b.loc)
	}
	fc.push(dst, a.typ)
	return nil
}

func (fc *funcCompiler) compileRefIsNull() error {
	top := fc.pop()
	reg := fc.gpReg(top)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, reg)
	if top.loc.OnRegister() {
		fc.release(top.loc)
	}
	dst := fc.acquire(wasm.ValueTypeI32)
	fc.asm.CompileSetcc(asmx64.CondE, dst.GeneralPurposeRegister())
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}

func (fc *funcCompiler) compileRefFunc(idx wasm.Index) error {
	dst := fc.acquire(wasm.ValueTypeFuncref)
	reg := asmx64.TemporaryGeneralPurpose[0]
	if dst.OnRegister() {
		reg = dst.GeneralPurposeRegister()
	}
	info := fc.env.Module.ModuleInfo
	mark := fc.asm.Mark()
	fc.asm.CompileMovImm64(reg, 0)
	if info.Counts.IsImportedFunction(idx) {
		fc.relocs = append(fc.relocs, Relocation{Offset: fc.asm.OffsetAt(mark) + 2, Kind: RelocationDynamicImportTrampoline, Target: idx})
	} else {
		fc.relocs = append(fc.relocs, Relocation{Offset: fc.asm.OffsetAt(mark) + 2, Kind: RelocationLocalCall, Target: info.Counts.LocalFunctionIndex(idx)})
	}
	if !dst.OnRegister() {
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, reg, asmx64.FramePointer, int64(dst.StackOffset()))
	}
	fc.push(dst, wasm.ValueTypeFuncref)
	return nil
}

func (fc *funcCompiler) compileEqz() error {
	top := fc.pop()
	reg := fc.gpReg(top)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, reg)
	if top.loc.OnRegister() {
		fc.release(top.loc)
	}
	dst := fc.acquire(wasm.ValueTypeI32)
	fc.asm.CompileSetcc(asmx64.CondE, dst.GeneralPurposeRegister())
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}

var intCompareCond = map[wasm.Opcode]asmx64.Condition{
	wasm.OpcodeI32Eq:  asmx64.CondE,
	wasm.OpcodeI32Ne:  asmx64.CondNE,
	wasm.OpcodeI32LtS: asmx64.CondL,
	wasm.OpcodeI32GtS: asmx64.CondG,
	wasm.OpcodeI32LeS: asmx64.CondLE,
	wasm.OpcodeI32GeS: asmx64.CondGE,
	wasm.OpcodeI64Eq:  asmx64.CondE,
	wasm.OpcodeI64Ne:  asmx64.CondNE,
	wasm.OpcodeI64LtS: asmx64.CondL,
	wasm.OpcodeI64GtS: asmx64.CondG,
	wasm.OpcodeI64LeS: asmx64.CondLE,
	wasm.OpcodeI64GeS: asmx64.CondGE,
}

// compileIntCompare implements every integer comparison opcode: pop b then
// a, `cmp b,a` (dst=a holds a-b per this engine's CMPQ convention, so the
// condition table above is phrased in terms of "a cc b"), setcc into a
// fresh i32 result.
func (fc *funcCompiler) compileIntCompare(op wasm.Opcode) error {
	b := fc.pop()
	a := fc.pop()
	aReg := fc.gpReg(a)
	bReg := fc.gpReg(b)
	fc.asm.CompileRegisterToRegister(asmx64.CMPQ, asmx64.S64, bReg, aReg)
	if b.loc.OnRegister() {
		fc.release(b.loc)
	}
	if a.loc.OnRegister() {
		fc.release(a.loc)
	}
	dst := fc.acquire(wasm.ValueTypeI32)
	fc.asm.CompileSetcc(intCompareCond[op], dst.GeneralPurposeRegister())
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}

var floatCompareCond = map[wasm.Opcode]asmx64.Condition{
	wasm.OpcodeF64Eq: asmx64.CondE,
	wasm.OpcodeF64Lt: asmx64.CondB,
	wasm.OpcodeF64Gt: asmx64.CondA,
}

func (fc *funcCompiler) compileFloatCompare(op wasm.Opcode) error {
	b := fc.pop()
	a := fc.pop()
	aReg := fc.xmmReg(a)
	bReg := fc.xmmReg(b)
	fc.asm.CompileRegisterToRegister(asmx64.UCOMISD, asmx64.S64, asmx64.Register(bReg), asmx64.Register(aReg))
	if b.loc.OnRegister() {
		fc.release(b.loc)
	}
	if a.loc.OnRegister() {
		fc.release(a.loc)
	}
	dst := fc.acquire(wasm.ValueTypeI32)
	fc.asm.CompileSetcc(floatCompareCond[op], dst.GeneralPurposeRegister())
	fc.push(dst, wasm.ValueTypeI32)
	return nil
}

// xmmReg mirrors gpReg for the vector file: ensures e's value is resident
// in an XMM register, loading from its stack slot first if necessary.
func (fc *funcCompiler) xmmReg(e valEntry) asmx64.XMM {
	if e.loc.OnRegister() {
		return e.loc.VectorRegister()
	}
	tmp := asmx64.TemporaryVector[0]
	fc.asm.CompileMemoryToXMM(asmx64.MOVSD, asmx64.FramePointer, int64(e.loc.StackOffset()), tmp)
	return tmp
}

// compileIntBinOp implements the i32/i64 arithmetic and bitwise opcodes:
// pop b then a, compute `a := a op b` in place (reusing a's register when
// possible), push a.
func (fc *funcCompiler) compileIntBinOp(instr asmx64.Instruction) error {
	b := fc.pop()
	a := fc.pop()
	aReg := fc.gpReg(a)
	bReg := fc.gpReg(b)
	fc.asm.CompileRegisterToRegister(instr, sizeOf(a.typ), bReg, aReg)
	if b.loc.OnRegister() {
		fc.release(b.loc)
	}
	dst := a.loc
	if a.loc.OnStack() {
		// The ALU op above computed into a temp register (gpReg spilled a
		// fresh load); write the result back to a fresh Location instead of
		// aliasing the now-stale stack slot. Release a.loc before acquiring
		// dst so regalloc's LIFO release order stays intact.
		fc.release(a.loc)
		dst = fc.acquire(a.typ)
		fc.moveValue(valEntry{loc: asmx64.NewGPLocation(aReg), typ: a.typ}, dst)
	}
	fc.push(dst, a.typ)
	return nil
}

func (fc *funcCompiler) compileFloatBinOp(instr asmx64.Instruction) error {
	b := fc.pop()
	a := fc.pop()
	aReg := fc.xmmReg(a)
	bReg := fc.xmmReg(b)
	fc.asm.CompileRegisterToRegister(instr, asmx64.S64, asmx64.Register(bReg), asmx64.Register(aReg))
	if b.loc.OnRegister() {
		fc.release(b.loc)
	}
	dst := a.loc
	if a.loc.OnStack() {
		// Release a.loc before acquiring dst so regalloc's LIFO release
		// order stays intact; the computed value already lives in aReg
		// (TemporaryVector[0], since a.loc was on the stack).
		fc.release(a.loc)
		dst = fc.acquire(a.typ)
		if dst.OnRegister() {
			fc.asm.CompileRegisterToRegister(asmx64.MOVSD, asmx64.S64, asmx64.Register(aReg), asmx64.Register(dst.VectorRegister()))
		} else {
			fc.asm.CompileXMMToMemory(asmx64.MOVSD, aReg, asmx64.FramePointer, int64(dst.StackOffset()))
		}
	}
	fc.push(dst, a.typ)
	return nil
}
