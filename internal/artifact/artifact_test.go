package artifact

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/codegen"
	"github.com/tetratelabs/wasmxc/internal/codemem"
	"github.com/tetratelabs/wasmxc/internal/executable"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// codeCallingPlaceholder builds a tiny function body that is a MOVABS-style
// 8-byte immediate placeholder at a fixed offset followed by RET, standing
// in for what codegen.CompileFunction actually emits for a `call`: enough
// for linkRelocations to have something real to patch.
func codeCallingPlaceholder() []byte {
	code := make([]byte, 16)
	code[0] = 0x48 // filler preceding the 8-byte immediate at offset 4
	code[15] = 0xc3
	return code
}

func newTestExecutable() *executable.Executable {
	info := &wasm.ModuleInfo{
		Types: []*wasm.FunctionType{
			{Results: []wasm.ValueType{wasm.ValueTypeI32}},
		},
		Functions: []wasm.Index{0, 0, 0}, // 1 imported + 2 local, all same signature
		Codes:     []wasm.Code{{}, {}},
		Counts:    wasm.Counts{ImportedFunctions: 1},
		FunctionNames: map[wasm.Index]string{
			1: "callsImport",
			2: "callee",
		},
	}
	cmi := &wasm.CompileModuleInfo{ModuleInfo: info}

	calleeCode := []byte{0xc3} // ret
	callerCode := codeCallingPlaceholder()

	return &executable.Executable{
		ModuleInfo: cmi,
		Offsets:    instance.NewVMOffsets(info),
		Functions: []executable.Function{
			{
				LocalIndex: 0, // full index 1: calls local function 1 (full index 2); full index 0 is the import
				Signature:  0,
				Code:       callerCode,
				Relocations: []codegen.Relocation{
					{Kind: codegen.RelocationLocalCall, Offset: 4, Target: 2},
				},
			},
			{
				LocalIndex: 1, // full index 2: the callee, calls the import
				Signature:  0,
				Code:       append(append([]byte{}, codeCallingPlaceholder()...)),
				Relocations: []codegen.Relocation{
					{Kind: codegen.RelocationDynamicImportTrampoline, Offset: 4, Target: 0},
				},
			},
		},
		Signatures: info.Types,
	}
}

func newTestArtifactDeps() (*codemem.Pool, *codemem.UnwindRegistry, *trap.Registry, *sigregistry.Registry) {
	return codemem.NewPool(codemem.DefaultLimits), codemem.NewUnwindRegistry(), &trap.Registry{}, sigregistry.New()
}

func TestLink_PatchesLocalCallRelocation(t *testing.T) {
	exec := newTestExecutable()
	pool, unwind, traps, sigs := newTestArtifactDeps()

	art, err := Link(exec, pool, unwind, traps, sigs, "test")
	require.NoError(t, err)

	calleeAddr := art.LocalFunctionPointer(1)
	require.NotZero(t, calleeAddr)

	callerMem := art.funcRegions[0].Bytes()
	patched := binary.LittleEndian.Uint64(callerMem[4:12])
	require.Equal(t, uint64(calleeAddr), patched)
}

func TestLink_AllocatesOneImportTrampolinePerDistinctTarget(t *testing.T) {
	exec := newTestExecutable()
	pool, unwind, traps, sigs := newTestArtifactDeps()

	art, err := Link(exec, pool, unwind, traps, sigs, "test")
	require.NoError(t, err)

	addr := art.DynamicImportTrampolinePointer(0)
	require.NotZero(t, addr)

	calleeMem := art.funcRegions[1].Bytes()
	patched := binary.LittleEndian.Uint64(calleeMem[4:12])
	require.Equal(t, uint64(addr), patched)
}

func TestLink_RegistersExportsAndTraps(t *testing.T) {
	exec := newTestExecutable()
	exec.ModuleInfo.Exports = []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "callee", Index: 2}}
	pool, unwind, traps, sigs := newTestArtifactDeps()

	art, err := Link(exec, pool, unwind, traps, sigs, "test")
	require.NoError(t, err)

	idx, ok := art.ExportedFunctionIndex("callee")
	require.True(t, ok)
	require.Equal(t, wasm.Index(2), idx)

	addr := art.LocalFunctionPointer(1)
	entry, ok := traps.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, "callee", entry.FuncName)
	require.Equal(t, "test", entry.ModuleName)
}

func TestLink_RejectsUnsatisfiedCPUFeatures(t *testing.T) {
	exec := newTestExecutable()
	exec.RequiredCPUFeatures = ^uint64(0) // no real host satisfies "every bit set"
	pool, unwind, traps, sigs := newTestArtifactDeps()

	_, err := Link(exec, pool, unwind, traps, sigs, "test")
	require.Error(t, err)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
}
