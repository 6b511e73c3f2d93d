package instance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

func TestNewVMOffsets_Layout(t *testing.T) {
	m := &wasm.ModuleInfo{
		Memories: []wasm.MemoryType{{Min: 1}},
		Tables:   []wasm.TableType{{Min: 1}},
		Globals:  []wasm.Global{{}, {}},
		Counts:   wasm.Counts{ImportedFunctions: 2, ImportedGlobals: 1},
	}
	o := NewVMOffsets(m)

	require.Equal(t, int32(0), o.GasCounterPtrOffset)
	require.Equal(t, int32(8), o.StackLimitOffset)
	require.Equal(t, int32(32), o.MemoriesBase)
	require.Equal(t, uint32(1), o.NumMemories)
	require.Equal(t, uint32(3), o.NumGlobals) // 2 local + 1 imported

	// Each entity's slots are distinct and ascending.
	require.Less(t, o.MemoryDataPtrOffset(0), o.MemoryLenOffset(0))
	require.Less(t, o.TablesBase, o.GlobalsBase)
	require.Less(t, o.GlobalsBase, o.ImportedFuncsBase)
	require.Equal(t, o.GlobalOffset(0)+8, o.GlobalOffset(1))
	require.Equal(t, o.ImportedFuncBodyOffset(0)+16, o.ImportedFuncBodyOffset(1))
	require.Equal(t, o.ImportedFuncsBase+int32(2)*16, o.Size)
}
