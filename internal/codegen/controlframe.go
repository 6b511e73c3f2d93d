package codegen

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/asmx64"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

type frameKind byte

const (
	frameBlock frameKind = iota
	frameLoop
	frameIf
	frameFunction
)

// controlFrame is one entry of the block/loop/if nesting stack. Since this
// engine does not implement the multi-value proposal, a frame has at most
// one result type and, for br's purposes, carries no parameters: branching
// to a loop (a "continue") never carries a value, and branching to a
// block/if/function (a "break") carries exactly the frame's single result,
// if it has one.
type controlFrame struct {
	kind     frameKind
	results  []wasm.ValueType
	stackHeightAtEntry int

	// endLabel is bound at the frame's matching `end`; br/br_if to a
	// block/if/function frame jump here.
	endLabel asmx64.Label
	// loopTop is bound at the loop's first instruction; br/br_if to a loop
	// frame jump here instead of endLabel.
	loopTop asmx64.Label

	// elseLabel is the `if`'s false-branch target, bound either at `else`
	// (if present) or folded into endLabel when there is no else.
	elseLabel    asmx64.Label
	sawElse      bool

	// resultLoc is the fixed Location a branch out of this frame (or
	// falling off its end) must leave its result value in, allocated once
	// up front so every exit path agrees on where the value lives.
	resultLoc    asmx64.Location
	hasResultLoc bool
}

func (fc *funcCompiler) pushFrame(f controlFrame) {
	if len(f.results) > 0 && !f.hasResultLoc {
		f.resultLoc = fc.acquire(f.results[0])
		f.hasResultLoc = true
	}
	fc.frames = append(fc.frames, f)
}

func (fc *funcCompiler) topFrame() *controlFrame {
	return &fc.frames[len(fc.frames)-1]
}

func (fc *funcCompiler) frameAt(depth uint32) (*controlFrame, error) {
	idx := len(fc.frames) - 1 - int(depth)
	if idx < 0 {
		return nil, fmt.Errorf("branch depth %d exceeds control stack", depth)
	}
	return &fc.frames[idx], nil
}

// branchTarget returns the label a br/br_if of the given relative depth
// should jump to: a loop frame's top for "continue", every other frame's
// end for "break".
func (f *controlFrame) branchTarget() asmx64.Label {
	if f.kind == frameLoop {
		return f.loopTop
	}
	return f.endLabel
}

// readBlockType decodes the single-byte block-type encoding this engine
// supports (spec §4.E Non-goal: no multi-value, so only "empty" or a single
// result value type are legal).
func (fc *funcCompiler) readBlockType() ([]wasm.ValueType, error) {
	b, err := fc.readByte()
	if err != nil {
		return nil, err
	}
	if b == wasm.BlockTypeEmpty {
		return nil, nil
	}
	return []wasm.ValueType{wasm.ValueType(b)}, nil
}

// moveToFrameResult copies the top-of-stack value (if the frame expects one)
// into its resultLoc, releasing the now-redundant stack value's Location
// when that Location differs from resultLoc.
func (fc *funcCompiler) moveToFrameResult(f *controlFrame) {
	if !f.hasResultLoc {
		return
	}
	if len(fc.stack) <= f.stackHeightAtEntry {
		// Unreachable code left nothing on the stack; the result register
		// is left with whatever it last held, which is fine since the only
		// way to reach the frame's consumer is itself-dead code.
		return
	}
	top := fc.pop()
	fc.moveValue(top, f.resultLoc)
	fc.push(f.resultLoc, f.results[0])
}

// moveValue emits whatever copy is needed to get from's value into to,
// covering every register/stack combination moveLocation in regalloc's
// prologue already handles for the parameter-copy case; codegen needs the
// same primitive mid-function for control-flow joins.
func (fc *funcCompiler) moveValue(from valEntry, to asmx64.Location) {
	if locationsIdentical(from.loc, to) {
		return
	}
	isFloat := from.typ == wasm.ValueTypeF32 || from.typ == wasm.ValueTypeF64
	movInstr := asmx64.MOVSD
	switch {
	case isFloat && from.loc.OnRegister() && to.OnRegister():
		fc.asm.CompileRegisterToRegister(movInstr, asmx64.S64, asmx64.Register(from.loc.VectorRegister()), asmx64.Register(to.VectorRegister()))
	case isFloat && from.loc.OnRegister() && to.OnStack():
		fc.asm.CompileXMMToMemory(movInstr, from.loc.VectorRegister(), asmx64.FramePointer, int64(to.StackOffset()))
	case isFloat && from.loc.OnStack() && to.OnRegister():
		fc.asm.CompileMemoryToXMM(movInstr, asmx64.FramePointer, int64(from.loc.StackOffset()), to.VectorRegister())
	case !isFloat && from.loc.OnRegister() && to.OnRegister():
		fc.asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, from.loc.GeneralPurposeRegister(), to.GeneralPurposeRegister())
	case !isFloat && from.loc.OnRegister() && to.OnStack():
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, from.loc.GeneralPurposeRegister(), asmx64.FramePointer, int64(to.StackOffset()))
	case !isFloat && from.loc.OnStack() && to.OnRegister():
		fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(from.loc.StackOffset()), to.GeneralPurposeRegister())
	default: // stack-to-stack, either type: a raw 8-byte memory copy is type-agnostic.
		tmp := asmx64.TemporaryGeneralPurpose[0]
		fc.asm.CompileMemoryToRegister(asmx64.MOVQ, asmx64.S64, asmx64.FramePointer, int64(from.loc.StackOffset()), tmp)
		fc.asm.CompileRegisterToMemory(asmx64.MOVQ, asmx64.S64, tmp, asmx64.FramePointer, int64(to.StackOffset()))
	}
}

func locationsIdentical(a, b asmx64.Location) bool {
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

func (fc *funcCompiler) compileBlock() error {
	results, err := fc.readBlockType()
	if err != nil {
		return err
	}
	fc.pushFrame(controlFrame{
		kind:               frameBlock,
		results:            results,
		stackHeightAtEntry: len(fc.stack),
		endLabel:           fc.asm.NewLabel(),
	})
	return nil
}

func (fc *funcCompiler) compileLoop() error {
	results, err := fc.readBlockType()
	if err != nil {
		return err
	}
	top := fc.asm.NewLabel()
	fc.asm.BindLabel(top)
	fc.pushFrame(controlFrame{
		kind:               frameLoop,
		results:            results,
		stackHeightAtEntry: len(fc.stack),
		endLabel:           fc.asm.NewLabel(),
		loopTop:            top,
	})
	return nil
}

func (fc *funcCompiler) compileIf() error {
	results, err := fc.readBlockType()
	if err != nil {
		return err
	}
	cond := fc.pop()
	condReg := fc.gpReg(cond)
	if cond.loc.OnRegister() {
		fc.release(cond.loc)
	}
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, condReg)
	elseOrEnd := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondE, elseOrEnd)

	fc.pushFrame(controlFrame{
		kind:               frameIf,
		results:            results,
		stackHeightAtEntry: len(fc.stack),
		endLabel:           fc.asm.NewLabel(),
		elseLabel:          elseOrEnd,
	})
	return nil
}

func (fc *funcCompiler) compileElse() error {
	f := fc.topFrame()
	if f.kind != frameIf {
		return fmt.Errorf("else without matching if")
	}
	fc.moveToFrameResult(f)
	fc.asm.CompileJump(f.endLabel)
	fc.asm.BindLabel(f.elseLabel)
	f.sawElse = true
	// Reset the value stack to the if's entry height: the then-branch's
	// values are out of scope in the else-branch.
	fc.stack = fc.stack[:f.stackHeightAtEntry]
	return nil
}

func (fc *funcCompiler) compileEnd() error {
	f := fc.topFrame()
	if f.kind == frameIf && !f.sawElse {
		fc.asm.BindLabel(f.elseLabel)
	}
	fc.moveToFrameResult(f)
	fc.asm.BindLabel(f.endLabel)
	fc.stack = fc.stack[:f.stackHeightAtEntry]
	if f.hasResultLoc {
		fc.push(f.resultLoc, f.results[0])
	}
	fc.frames = fc.frames[:len(fc.frames)-1]
	return nil
}

func (fc *funcCompiler) compileBr() error {
	depth, err := fc.readVarU32()
	if err != nil {
		return err
	}
	f, err := fc.frameAt(depth)
	if err != nil {
		return err
	}
	if f.kind != frameLoop {
		fc.moveToFrameResult(f)
	}
	fc.asm.CompileJump(f.branchTarget())
	return nil
}

func (fc *funcCompiler) compileBrIf() error {
	depth, err := fc.readVarU32()
	if err != nil {
		return err
	}
	f, err := fc.frameAt(depth)
	if err != nil {
		return err
	}
	cond := fc.pop()
	condReg := fc.gpReg(cond)
	fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, 0, condReg)
	if cond.loc.OnRegister() {
		fc.release(cond.loc)
	}
	skip := fc.asm.NewLabel()
	fc.asm.CompileJumpIf(asmx64.CondE, skip)
	if f.kind != frameLoop {
		fc.moveToFrameResult(f)
	}
	fc.asm.CompileJump(f.branchTarget())
	fc.asm.BindLabel(skip)
	return nil
}

func (fc *funcCompiler) compileBrTable() error {
	count, err := fc.readVarU32()
	if err != nil {
		return err
	}
	targets := make([]uint32, count)
	for i := range targets {
		if targets[i], err = fc.readVarU32(); err != nil {
			return err
		}
	}
	defaultDepth, err := fc.readVarU32()
	if err != nil {
		return err
	}

	idx := fc.pop()
	idxReg := fc.gpReg(idx)

	for i, depth := range targets {
		f, err := fc.frameAt(depth)
		if err != nil {
			return err
		}
		fc.asm.CompileConstToRegister(asmx64.CMPQ, asmx64.S64, int64(i), idxReg)
		next := fc.asm.NewLabel()
		fc.asm.CompileJumpIf(asmx64.CondNE, next)
		if f.kind != frameLoop {
			fc.moveToFrameResult(f)
		}
		fc.asm.CompileJump(f.branchTarget())
		fc.asm.BindLabel(next)
	}
	if idx.loc.OnRegister() {
		fc.release(idx.loc)
	}
	df, err := fc.frameAt(defaultDepth)
	if err != nil {
		return err
	}
	if df.kind != frameLoop {
		fc.moveToFrameResult(df)
	}
	fc.asm.CompileJump(df.branchTarget())
	return nil
}

// emitReturn is invoked both for an explicit `return` opcode and implicitly
// when the outermost (function) frame's `end` is reached.
func (fc *funcCompiler) emitReturn() {
	if len(fc.sig.Results) > 0 && len(fc.stack) > 0 {
		top := fc.pop()
		reg := fc.gpReg(top)
		if reg != asmx64.RAX {
			isFloat := top.typ == wasm.ValueTypeF32 || top.typ == wasm.ValueTypeF64
			if isFloat && top.loc.OnRegister() {
				fc.asm.CompileRegisterToRegister(asmx64.MOVSD, asmx64.S64, asmx64.Register(top.loc.VectorRegister()), asmx64.Register(asmx64.XMM0))
			} else if !isFloat {
				fc.asm.CompileRegisterToRegister(asmx64.MOVQ, asmx64.S64, reg, asmx64.RAX)
			}
		}
	}
}

func (fc *funcCompiler) compileReturn() error {
	fc.emitReturn()
	// A `return` is equivalent to branching out of the function frame.
	f, err := fc.frameAt(uint32(len(fc.frames) - 1))
	if err != nil {
		return err
	}
	fc.asm.CompileJump(f.branchTarget())
	return nil
}
