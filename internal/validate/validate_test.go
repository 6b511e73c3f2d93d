package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// addOneBody encodes `local.get 0; i32.const 1; i32.add; end`, a function
// (i32) -> i32 that is well typed start to finish.
var addOneBody = []byte{
	byte(wasm.OpcodeLocalGet), 0x00,
	byte(wasm.OpcodeI32Const), 0x01,
	byte(wasm.OpcodeI32Add),
	byte(wasm.OpcodeEnd),
}

func moduleWithBody(body []byte, params, results []wasm.ValueType) *wasm.ModuleInfo {
	return &wasm.ModuleInfo{
		Types:     []*wasm.FunctionType{{Params: params, Results: results}},
		Functions: []wasm.Index{0},
		Codes:     []wasm.Code{{Body: body}},
		StartFunc: wasm.NullIndex,
	}
}

func TestModule_AcceptsWellTypedFunction(t *testing.T) {
	m := moduleWithBody(addOneBody, []wasm.ValueType{wasm.ValueTypeI32}, []wasm.ValueType{wasm.ValueTypeI32})
	require.NoError(t, Module(m))
}

func TestModule_RejectsTypeMismatch(t *testing.T) {
	// local.get 0 pushes i64, then i32.add expects two i32s: type error.
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x00,
		byte(wasm.OpcodeI32Const), 0x01,
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	m := moduleWithBody(body, []wasm.ValueType{wasm.ValueTypeI64}, []wasm.ValueType{wasm.ValueTypeI32})

	err := Module(m)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
}

func TestModule_RejectsOperandStackUnderflow(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeI32Add),
		byte(wasm.OpcodeEnd),
	}
	m := moduleWithBody(body, nil, []wasm.ValueType{wasm.ValueTypeI32})
	require.Error(t, Module(m))
}

func TestModule_RejectsOutOfRangeLocal(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeLocalGet), 0x05,
		byte(wasm.OpcodeEnd),
	}
	m := moduleWithBody(body, []wasm.ValueType{wasm.ValueTypeI32}, nil)
	require.Error(t, Module(m))
}

func TestModule_RejectsMismatchedBlockResult(t *testing.T) {
	// block (result i32) ... end, but the block body leaves nothing.
	body := []byte{
		byte(wasm.OpcodeBlock), byte(wasm.ValueTypeI32),
		byte(wasm.OpcodeEnd),
		byte(wasm.OpcodeEnd),
	}
	m := moduleWithBody(body, nil, []wasm.ValueType{wasm.ValueTypeI32})
	require.Error(t, Module(m))
}

func TestModule_RejectsUnsupportedOpcode(t *testing.T) {
	body := []byte{0xfc, byte(wasm.OpcodeEnd)} // no opcode in this engine's set is 0xfc
	m := moduleWithBody(body, nil, nil)
	require.Error(t, Module(m))
}

func TestModule_RejectsUnclosedBlock(t *testing.T) {
	body := []byte{
		byte(wasm.OpcodeBlock), wasm.BlockTypeEmpty,
	}
	m := moduleWithBody(body, nil, nil)
	require.Error(t, Module(m))
}

func TestValidateStartFunction_RejectsNonEmptySignature(t *testing.T) {
	m := moduleWithBody(addOneBody, []wasm.ValueType{wasm.ValueTypeI32}, []wasm.ValueType{wasm.ValueTypeI32})
	m.StartFunc = 0
	require.Error(t, Module(m))
}

func TestValidateSegments_RejectsOutOfRangeTableIndex(t *testing.T) {
	m := moduleWithBody(addOneBody, []wasm.ValueType{wasm.ValueTypeI32}, []wasm.ValueType{wasm.ValueTypeI32})
	m.ElementSegments = []wasm.ElementSegment{{TableIndex: 3}}
	require.Error(t, Module(m))
}
