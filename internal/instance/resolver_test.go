package instance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

func TestCheckTable_RejectsNarrowerMax(t *testing.T) {
	imp := &wasm.Import{Module: "env", Field: "t", Type: wasm.ExternTypeTable,
		DescTable: wasm.TableType{ElemType: wasm.ValueTypeFuncref, Min: 1, Max: 10, HasMax: true}}
	exp := Export{Type: ExportTable, TableElemType: wasm.ValueTypeFuncref, TableMin: 1, TableMax: 5, TableHasMax: true}
	require.Nil(t, checkTable(imp, exp))

	expTooSmallMax := Export{Type: ExportTable, TableElemType: wasm.ValueTypeFuncref, TableMin: 1, TableHasMax: false}
	require.NotNil(t, checkTable(imp, expTooSmallMax))
}

func TestCheckMemory_SharedMismatch(t *testing.T) {
	imp := &wasm.Import{Module: "env", Field: "m", Type: wasm.ExternTypeMemory,
		DescMemory: wasm.MemoryType{Min: 1, Shared: true}}
	exp := Export{Type: ExportMemory, MemoryMin: 2, MemoryShared: false}
	err := checkMemory(imp, exp)
	require.NotNil(t, err)
	require.Equal(t, LinkErrorIncompatibleType, err.Kind)
}

func TestCheckGlobal_MutabilityMustMatch(t *testing.T) {
	imp := &wasm.Import{Module: "env", Field: "g", Type: wasm.ExternTypeGlobal,
		DescGlobal: wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true}}
	exp := Export{Type: ExportGlobal, GlobalType: wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: false}}
	require.NotNil(t, checkGlobal(imp, exp))
}

func TestCheckFunc_SignatureMismatch(t *testing.T) {
	imp := &wasm.Import{Module: "env", Field: "f", Type: wasm.ExternTypeFunc}
	exp := Export{Type: ExportFunc, FuncSignature: 3}
	require.NotNil(t, checkFunc(imp, exp, 4))
	require.Nil(t, checkFunc(imp, exp, 3))
}

func TestLinkError_Error(t *testing.T) {
	e := &LinkError{Kind: LinkErrorUnknownImport, Module: "env", Field: "missing"}
	require.Contains(t, e.Error(), "env.missing")
}
