// Package validate implements structural and type validation of a decoded
// module (spec §7's CompileError.Wasm), run once by the engine before any
// function reaches codegen: operand-stack typing per function body, the
// start function's signature, segment target indices, and the value-stack
// depth limit every compiled function is bounded by. Imports and exports
// are not checked here.
//
// Grounded on the teacher's internal/wasm/func_validation_test.go, which
// names validateFunction's signature and its value-stack-limit behavior
// exactly (the corresponding func_validation.go was not present in the
// retrieved pack; this file reconstructs the same operand-stack-walking
// design the test exercises, scoped down to the opcode set this engine
// actually compiles — see internal/wasm/opcode.go).
package validate

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// MaxValueStackHeight bounds how many operand-stack slots a single function
// body may use at once, the same kind of fixed cap the teacher's
// validateFunction enforces to keep a pathological body from forcing an
// unbounded native frame.
const MaxValueStackHeight = 8192

// Error reports a validation failure, always attributable to one function.
type Error struct {
	FuncIndex wasm.Index
	Msg       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate: function %d: %s", e.FuncIndex, e.Msg)
}

// Module validates every local function body in m, plus the
// module-level invariants codegen and instance.New both assume hold
// (start function signature, element/data segment target indices in range).
// It must run to completion without error before any function in m is
// handed to codegen.CompileFunction.
func Module(m *wasm.ModuleInfo) error {
	if err := validateStartFunction(m); err != nil {
		return err
	}
	if err := validateSegments(m); err != nil {
		return err
	}
	for local := range m.Codes {
		fullIdx := m.Counts.FunctionIndex(wasm.Index(local))
		sig := m.TypeOf(fullIdx)
		code := &m.Codes[local]
		if err := validateFunction(m, fullIdx, sig, code); err != nil {
			return err
		}
	}
	return nil
}

func validateStartFunction(m *wasm.ModuleInfo) error {
	if m.StartFunc == wasm.NullIndex {
		return nil
	}
	if int(m.StartFunc) >= len(m.Functions) {
		return &Error{FuncIndex: m.StartFunc, Msg: "start function index out of range"}
	}
	sig := m.TypeOf(m.StartFunc)
	if len(sig.Params) != 0 || len(sig.Results) != 0 {
		return &Error{FuncIndex: m.StartFunc, Msg: "start function must take no parameters and return no results"}
	}
	return nil
}

func validateSegments(m *wasm.ModuleInfo) error {
	for i, d := range m.DataSegments {
		if d.Passive {
			continue
		}
		if int(d.MemoryIndex) >= len(m.Memories) && d.MemoryIndex >= m.Counts.ImportedMemories {
			return &Error{Msg: fmt.Sprintf("data segment %d: memory index %d out of range", i, d.MemoryIndex)}
		}
	}
	for i, e := range m.ElementSegments {
		if e.Passive {
			continue
		}
		if int(e.TableIndex) >= len(m.Tables) && e.TableIndex >= m.Counts.ImportedTables {
			return &Error{Msg: fmt.Sprintf("element segment %d: table index %d out of range", i, e.TableIndex)}
		}
		for _, fnIdx := range e.Init {
			if fnIdx != wasm.NullIndex && int(fnIdx) >= len(m.Functions) {
				return &Error{Msg: fmt.Sprintf("element segment %d: function index %d out of range", i, fnIdx)}
			}
		}
	}
	return nil
}

// frame is one entry of validateFunction's control-flow stack, tracking
// just enough to check br/br_if/br_table targets and the value the block
// must leave behind, mirroring codegen's own controlFrame (kept deliberately
// parallel to it so a body that passes here is exactly the set of bodies
// codegen's own frame handling assumes).
type frame struct {
	result      []wasm.ValueType
	isLoop      bool
	stackHeight int
	unreachable bool
}

func (f *frame) branchArity() []wasm.ValueType {
	if f.isLoop {
		return nil
	}
	return f.result
}

// validateFunction walks body's opcode stream once, maintaining a
// type-tagged operand stack and a control-frame stack, rejecting anything
// codegen's single-pass compiler could not also interpret consistently:
// operand type mismatches, stack-height violations at a block's end, an
// out-of-range local/global/function/type/table index, or more stack values
// live at once than MaxValueStackHeight allows.
func validateFunction(m *wasm.ModuleInfo, fullIdx wasm.Index, sig *wasm.FunctionType, code *wasm.Code) error {
	locals := append(append([]wasm.ValueType{}, sig.Params...), code.LocalTypes...)

	v := &funcValidator{m: m, fullIdx: fullIdx, locals: locals, sig: sig}
	v.frames = append(v.frames, frame{result: sig.Results})

	if err := v.run(code.Body); err != nil {
		return err
	}
	if len(v.frames) != 0 {
		return v.errf("function body ended with %d unclosed block(s)", len(v.frames))
	}
	return nil
}

type funcValidator struct {
	m       *wasm.ModuleInfo
	fullIdx wasm.Index
	locals  []wasm.ValueType
	sig     *wasm.FunctionType

	stack   []wasm.ValueType
	frames  []frame
	maxSeen int
}

func (v *funcValidator) errf(format string, args ...interface{}) error {
	return &Error{FuncIndex: v.fullIdx, Msg: fmt.Sprintf(format, args...)}
}

func (v *funcValidator) push(t wasm.ValueType) error {
	v.stack = append(v.stack, t)
	if len(v.stack) > v.maxSeen {
		v.maxSeen = len(v.stack)
	}
	if v.maxSeen > MaxValueStackHeight {
		return v.errf("function may have %d stack values, which exceeds limit %d", v.maxSeen, MaxValueStackHeight)
	}
	return nil
}

func (v *funcValidator) pop(want wasm.ValueType) error {
	top := &v.frames[len(v.frames)-1]
	if len(v.stack) <= top.stackHeight {
		if top.unreachable {
			// Popping past the frame's base in unreachable code is legal:
			// the frame behaves as if it can supply any type on demand.
			return nil
		}
		return v.errf("operand stack underflow: expected %s", want)
	}
	got := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	if got != want {
		return v.errf("type mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// run walks one function's opcode stream. It is intentionally a much
// simpler switch than codegen.run's: it does not need to emit anything, so
// immediates are decoded only as far as needed to type-check and to check
// index-space bounds.
func (v *funcValidator) run(body []byte) error {
	r := &reader{buf: body}
	for r.pos < len(r.buf) {
		op, err := r.readByte()
		if err != nil {
			return v.errf("%v", err)
		}
		if err := v.step(wasm.Opcode(op), r); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) step(op wasm.Opcode, r *reader) error {
	top := func() *frame { return &v.frames[len(v.frames)-1] }

	switch op {
	case wasm.OpcodeUnreachable:
		top().unreachable = true
		v.stack = v.stack[:top().stackHeight]
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		bt, err := r.readByte()
		if err != nil {
			return v.errf("%v", err)
		}
		var results []wasm.ValueType
		if bt != wasm.BlockTypeEmpty {
			results = []wasm.ValueType{wasm.ValueType(bt)}
		}
		if op == wasm.OpcodeIf {
			if err := v.pop(wasm.ValueTypeI32); err != nil {
				return err
			}
		}
		v.frames = append(v.frames, frame{result: results, isLoop: op == wasm.OpcodeLoop, stackHeight: len(v.stack)})
	case wasm.OpcodeElse:
		f := top()
		if err := v.closeFrameResult(f); err != nil {
			return err
		}
		v.stack = v.stack[:f.stackHeight]
		f.unreachable = false
	case wasm.OpcodeEnd:
		f := top()
		if err := v.closeFrameResult(f); err != nil {
			return err
		}
		v.stack = v.stack[:f.stackHeight]
		v.frames = v.frames[:len(v.frames)-1]
		for _, rt := range f.result {
			if err := v.push(rt); err != nil {
				return err
			}
		}
		if len(v.frames) == 0 {
			return nil
		}
	case wasm.OpcodeBr, wasm.OpcodeBrIf:
		depth, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		f, err := v.frameAt(depth)
		if err != nil {
			return err
		}
		if op == wasm.OpcodeBrIf {
			if err := v.pop(wasm.ValueTypeI32); err != nil {
				return err
			}
		}
		for _, rt := range f.branchArity() {
			if err := v.pop(rt); err != nil {
				return err
			}
		}
		if op == wasm.OpcodeBr {
			top().unreachable = true
		}
	case wasm.OpcodeBrTable:
		count, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		for i := uint32(0); i < count; i++ {
			if _, err := r.readVarU32(); err != nil {
				return v.errf("%v", err)
			}
		}
		if _, err := r.readVarU32(); err != nil {
			return v.errf("%v", err)
		}
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		top().unreachable = true
	case wasm.OpcodeReturn:
		for _, rt := range v.sig.Results {
			if err := v.pop(rt); err != nil {
				return err
			}
		}
		top().unreachable = true
	case wasm.OpcodeCall:
		idx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		if int(idx) >= len(v.m.Functions) {
			return v.errf("call: function index %d out of range", idx)
		}
		sig := v.m.TypeOf(idx)
		if err := v.popParams(sig); err != nil {
			return err
		}
		return v.pushResults(sig)
	case wasm.OpcodeCallIndirect:
		typeIdx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		tableIdx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		if int(tableIdx) >= len(v.m.Tables) {
			return v.errf("call_indirect: table index %d out of range", tableIdx)
		}
		if int(typeIdx) >= len(v.m.Types) {
			return v.errf("call_indirect: type index %d out of range", typeIdx)
		}
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		sig := v.m.Types[typeIdx]
		if err := v.popParams(sig); err != nil {
			return err
		}
		return v.pushResults(sig)
	case wasm.OpcodeDrop:
		top := top()
		if len(v.stack) <= top.stackHeight && top.unreachable {
			return nil
		}
		if len(v.stack) == 0 {
			return v.errf("drop: operand stack underflow")
		}
		v.stack = v.stack[:len(v.stack)-1]
	case wasm.OpcodeSelect:
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		if len(v.stack) < 2 {
			return v.errf("select: operand stack underflow")
		}
		b := v.stack[len(v.stack)-1]
		a := v.stack[len(v.stack)-2]
		if a != b {
			return v.errf("select: type mismatch: %s vs %s", a, b)
		}
		v.stack = v.stack[:len(v.stack)-2]
		return v.push(a)
	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		idx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		if int(idx) >= len(v.locals) {
			return v.errf("local index %d out of range", idx)
		}
		t := v.locals[idx]
		switch op {
		case wasm.OpcodeLocalGet:
			return v.push(t)
		case wasm.OpcodeLocalSet:
			return v.pop(t)
		default: // LocalTee
			if err := v.pop(t); err != nil {
				return err
			}
			return v.push(t)
		}
	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		idx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		if int(idx) >= int(v.m.Counts.ImportedGlobals)+len(v.m.Globals) {
			return v.errf("global index %d out of range", idx)
		}
		gt := v.m.GlobalTypeOf(idx)
		if op == wasm.OpcodeGlobalGet {
			return v.push(gt.ValType)
		}
		if !gt.Mutable {
			return v.errf("global.set: global %d is immutable", idx)
		}
		return v.pop(gt.ValType)
	case wasm.OpcodeI32Load, wasm.OpcodeI64Load:
		if _, _, err := r.memarg(); err != nil {
			return v.errf("%v", err)
		}
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		if op == wasm.OpcodeI32Load {
			return v.push(wasm.ValueTypeI32)
		}
		return v.push(wasm.ValueTypeI64)
	case wasm.OpcodeI32Store, wasm.OpcodeI64Store:
		if _, _, err := r.memarg(); err != nil {
			return v.errf("%v", err)
		}
		t := wasm.ValueTypeI32
		if op == wasm.OpcodeI64Store {
			t = wasm.ValueTypeI64
		}
		if err := v.pop(t); err != nil {
			return err
		}
		return v.pop(wasm.ValueTypeI32)
	case wasm.OpcodeMemorySize:
		if _, err := r.readVarU32(); err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeMemoryGrow:
		if _, err := r.readVarU32(); err != nil {
			return v.errf("%v", err)
		}
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI32Const:
		if _, err := r.readVarI32(); err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI64Const:
		if _, err := r.readVarI64(); err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueTypeI64)
	case wasm.OpcodeF32Const:
		if err := r.skip(4); err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueTypeF32)
	case wasm.OpcodeF64Const:
		if err := r.skip(8); err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueTypeF64)
	case wasm.OpcodeI32Eqz:
		if err := v.pop(wasm.ValueTypeI32); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI32Eq, wasm.OpcodeI32Ne, wasm.OpcodeI32LtS, wasm.OpcodeI32GtS, wasm.OpcodeI32LeS, wasm.OpcodeI32GeS:
		if err := v.popN(wasm.ValueTypeI32, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI64Eqz:
		if err := v.pop(wasm.ValueTypeI64); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI64Eq, wasm.OpcodeI64Ne, wasm.OpcodeI64LtS, wasm.OpcodeI64GtS, wasm.OpcodeI64LeS, wasm.OpcodeI64GeS:
		if err := v.popN(wasm.ValueTypeI64, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeF64Eq, wasm.OpcodeF64Lt, wasm.OpcodeF64Gt:
		if err := v.popN(wasm.ValueTypeF64, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI32Add, wasm.OpcodeI32Sub, wasm.OpcodeI32Mul, wasm.OpcodeI32And, wasm.OpcodeI32Or, wasm.OpcodeI32Xor:
		if err := v.popN(wasm.ValueTypeI32, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeI64Add, wasm.OpcodeI64Sub, wasm.OpcodeI64Mul, wasm.OpcodeI64And, wasm.OpcodeI64Or, wasm.OpcodeI64Xor:
		if err := v.popN(wasm.ValueTypeI64, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeI64)
	case wasm.OpcodeF64Add, wasm.OpcodeF64Sub, wasm.OpcodeF64Mul, wasm.OpcodeF64Div:
		if err := v.popN(wasm.ValueTypeF64, 2); err != nil {
			return err
		}
		return v.push(wasm.ValueTypeF64)
	case wasm.OpcodeRefNull:
		t, err := r.readByte()
		if err != nil {
			return v.errf("%v", err)
		}
		return v.push(wasm.ValueType(t))
	case wasm.OpcodeRefIsNull:
		if len(v.stack) == 0 {
			return v.errf("ref.is_null: operand stack underflow")
		}
		got := v.stack[len(v.stack)-1]
		if !got.IsReference() {
			return v.errf("ref.is_null: expected a reference type, got %s", got)
		}
		v.stack = v.stack[:len(v.stack)-1]
		return v.push(wasm.ValueTypeI32)
	case wasm.OpcodeRefFunc:
		idx, err := r.readVarU32()
		if err != nil {
			return v.errf("%v", err)
		}
		if int(idx) >= len(v.m.Functions) {
			return v.errf("ref.func: function index %d out of range", idx)
		}
		return v.push(wasm.ValueTypeFuncref)
	default:
		return v.errf("unsupported opcode 0x%x", byte(op))
	}
	return nil
}

func (v *funcValidator) popN(t wasm.ValueType, n int) error {
	for i := 0; i < n; i++ {
		if err := v.pop(t); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) popParams(sig *wasm.FunctionType) error {
	for i := len(sig.Params) - 1; i >= 0; i-- {
		if err := v.pop(sig.Params[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) pushResults(sig *wasm.FunctionType) error {
	for _, rt := range sig.Results {
		if err := v.push(rt); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) frameAt(depth uint32) (*frame, error) {
	idx := len(v.frames) - 1 - int(depth)
	if idx < 0 {
		return nil, v.errf("branch depth %d exceeds control stack", depth)
	}
	return &v.frames[idx], nil
}

// closeFrameResult checks that, at an else/end boundary, the stack holds
// exactly f's declared result types (or is in unreachable code, which may
// hold anything) above f.stackHeight.
func (v *funcValidator) closeFrameResult(f *frame) error {
	if f.unreachable {
		return nil
	}
	want := len(f.result)
	have := len(v.stack) - f.stackHeight
	if have != want {
		return v.errf("block expects %d result value(s), stack has %d", want, have)
	}
	for i := want - 1; i >= 0; i-- {
		if v.stack[f.stackHeight+i] != f.result[i] {
			return v.errf("type mismatch at block result %d: expected %s, got %s", i, f.result[i], v.stack[f.stackHeight+i])
		}
	}
	return nil
}
