package instance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// fakeArtifact implements ArtifactHandle for a module with no local
// functions, exercising New's import-resolution, memory/table allocation,
// global initialization, and segment-finalization paths without needing a
// real compiled function body.
type fakeArtifact struct {
	info *wasm.ModuleInfo
	offs *VMOffsets
}

func (f *fakeArtifact) Info() *wasm.ModuleInfo                                   { return f.info }
func (f *fakeArtifact) Offsets() *VMOffsets                                      { return f.offs }
func (f *fakeArtifact) LocalFunctionPointer(wasm.Index) uintptr                  { return 0 }
func (f *fakeArtifact) LocalFunctionSignature(wasm.Index) sigregistry.Index      { return 0 }
func (f *fakeArtifact) DynamicImportTrampolinePointer(wasm.Index) uintptr        { return 0 }

type nopResolver struct{}

func (nopResolver) Resolve(module, field string, occurrence int) (Export, bool) { return Export{}, false }

func TestNew_AllocatesMemoryAndRunsDataSegment(t *testing.T) {
	info := &wasm.ModuleInfo{
		Memories:  []wasm.MemoryType{{Min: 1}},
		Globals:   []wasm.Global{{Type: wasm.GlobalType{ValType: wasm.ValueTypeI32}, Init: wasm.ConstExpr{Opcode: wasm.ConstI32, ImmI64: 42}}},
		StartFunc: wasm.NullIndex,
		DataSegments: []wasm.DataSegment{
			{MemoryIndex: 0, OffsetExpr: wasm.ConstExpr{Opcode: wasm.ConstI32, ImmI64: 8}, Init: []byte{1, 2, 3, 4}},
		},
	}
	art := &fakeArtifact{info: info, offs: NewVMOffsets(info)}

	inst, err := New(art, nopResolver{}, DefaultTunables{}, Config{Signatures: sigregistry.New()})
	require.NoError(t, err)
	require.Len(t, inst.memories, 1)

	mem := inst.Memory(0)
	require.NotNil(t, mem)
	require.Equal(t, []byte{1, 2, 3, 4}, mem.Bytes()[8:12])

	globalVal := inst.evalConst(info, wasm.ConstExpr{Opcode: wasm.ConstGlobalGet, ImmRefIndex: 0})
	require.Equal(t, uint64(42), globalVal)
}

func TestStackLimitThreshold_ZeroLimitDisables(t *testing.T) {
	require.Zero(t, stackLimitThreshold(0))
}

func TestStackLimitThreshold_MovesFloorDownByLimit(t *testing.T) {
	// approxStackPointer reads a frame-local address, not a fixed constant,
	// so two separate readings a few call frames apart are close but not
	// identical; these assertions only rely on the direction and
	// rough magnitude the arithmetic in writeHeader depends on, not on
	// reproducing approxStackPointer's exact value from the outside.
	small := stackLimitThreshold(1024)
	large := stackLimitThreshold(1024 * 1024)
	require.Less(t, large, small, "a bigger budget must push the floor further down the stack")

	here := approxStackPointer()
	require.Less(t, small, here)
}

func TestNew_UnknownImportFails(t *testing.T) {
	info := &wasm.ModuleInfo{
		Imports: []*wasm.Import{{Module: "env", Field: "missing", Type: wasm.ExternTypeFunc}},
		Types:   []*wasm.FunctionType{{}},
	}
	art := &fakeArtifact{info: info, offs: NewVMOffsets(info)}

	_, err := New(art, nopResolver{}, DefaultTunables{}, Config{Signatures: sigregistry.New()})
	require.Error(t, err)
	var lerr *LinkError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, LinkErrorUnknownImport, lerr.Kind)
}
