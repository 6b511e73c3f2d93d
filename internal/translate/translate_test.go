package translate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// helloModule is `(module (func (export "f") (result i32) i32.const 42))`
// hand-assembled, the exact scenario spec.md §8.1 names.
func helloModule() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	// type section: one type, () -> (i32)
	b = append(b, 1, 5, 1, 0x60, 0, 1, 0x7f)
	// function section: one function, type 0
	b = append(b, 3, 2, 1, 0)
	// export section: "f" -> func 0
	b = append(b, 7, 5, 1, 1, 'f', 0, 0)
	// code section: one body (bodySize=4: 1 local-decl-count byte + 3 opcode bytes)
	b = append(b, 10, 6, 1, 4, 0, 0x41, 42, 0x0b)
	return b
}

func TestDecode_HelloModule(t *testing.T) {
	m, err := Decode(helloModule())
	require.NoError(t, err)
	require.Len(t, m.Types, 1)
	require.Equal(t, []wasm.ValueType{wasm.ValueTypeI32}, m.Types[0].Results)
	require.Len(t, m.Functions, 1)
	require.Len(t, m.Codes, 1)
	require.Equal(t, []byte{0x41, 42, 0x0b}, m.Codes[0].Body)
	require.Len(t, m.Exports, 1)
	require.Equal(t, "f", m.Exports[0].Name)
	require.Equal(t, wasm.Index(0), m.Exports[0].Index)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 0, 1, 0, 0, 0})
	require.Error(t, err)
}

func TestDecode_ImportsPrecedeLocals(t *testing.T) {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 1, 4, 1, 0x60, 0, 0) // type 0: () -> ()
	// import section: "env"."f" func type 0
	b = append(b, 2, 9, 1, 3, 'e', 'n', 'v', 1, 'f', 0, 0)
	// function section: one local function, type 0
	b = append(b, 3, 2, 1, 0)
	// code section: empty body
	b = append(b, 10, 4, 1, 2, 0, 0x0b)
	m, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.Counts.ImportedFunctions)
	require.True(t, m.Counts.IsImportedFunction(0))
	require.False(t, m.Counts.IsImportedFunction(1))
	require.Equal(t, wasm.Index(0), m.Counts.LocalFunctionIndex(1))
}
