// Package instance implements the per-instantiation VM context (spec §4.J):
// import resolution and type-compatibility checks, linear memory/table/global
// creation, and the VMContext layout emitted code addresses directly.
//
// Grounded on the teacher's internal/wasm test files (store_test.go,
// module_instance_test.go, global_test.go, table_test.go) for the shape of a
// module instance's exported state, generalized from wazero's Go-managed
// ModuleInstance into the native, pointer-offset-addressed VMContext spec.md
// describes (the defining architectural difference between this engine and
// its teacher: the teacher's compiled code calls back into Go to touch
// memory/globals, this engine's compiled code reads [vmctx+k] directly).
package instance

import "github.com/tetratelabs/wasmxc/internal/wasm"

const ptrSize = 8

// memoryDefSize/tableDefSize/importDefSize are the inline (pointer, length)
// or (body, env) pairs stored per entity; globals are a single 8-byte slot
// wide enough for any Wasm value type (reference types included, since spec
// §4.E represents funcref/externref as 8-byte pointer-sized values).
const (
	memoryDefSize = 2 * ptrSize
	tableDefSize  = 2 * ptrSize
	importDefSize = 2 * ptrSize
	globalSize    = ptrSize
)

// VMOffsets is the fixed, per-ModuleInfo layout of a VMContext: the byte
// offset of every field emitted code or instantiation code needs to address.
// Computed once per CompileModuleInfo (shared by every Instance of that
// module), per spec §3's "VMOffsets derived from ModuleInfo".
type VMOffsets struct {
	GasCounterPtrOffset int32
	StackLimitOffset    int32
	// MemoryGrowBodyOffset/MemoryGrowEnvOffset hold the (body, env) pair for
	// memory.grow's native bridge (see instance/memgrow_amd64.go): unlike an
	// ordinary import, growing a Dynamic-style memory may need to mmap a
	// larger region, work only Go's runtime can perform, so this is the one
	// core opcode whose VMContext slot points at engine-owned code rather
	// than either local or imported Wasm code.
	MemoryGrowBodyOffset int32
	MemoryGrowEnvOffset  int32
	MemoriesBase         int32
	TablesBase           int32
	GlobalsBase          int32
	ImportedFuncsBase    int32

	NumMemories        uint32
	NumTables          uint32
	NumGlobals         uint32
	NumImportedFuncs   uint32
	Size               int32
}

// NewVMOffsets computes the layout for m. Import counts determine how many
// of each entity space's slots are reserved for imports (spec §3 invariant:
// import indices occupy the low end of each index space).
func NewVMOffsets(m *wasm.ModuleInfo) *VMOffsets {
	o := &VMOffsets{
		NumMemories:      uint32(len(m.Memories)),
		NumTables:        uint32(len(m.Tables)),
		NumGlobals:       uint32(len(m.Globals)) + m.Counts.ImportedGlobals,
		NumImportedFuncs: m.Counts.ImportedFunctions,
	}
	off := int32(0)
	o.GasCounterPtrOffset = off
	off += ptrSize
	o.StackLimitOffset = off
	off += 8
	o.MemoryGrowBodyOffset = off
	off += ptrSize
	o.MemoryGrowEnvOffset = off
	off += ptrSize
	o.MemoriesBase = off
	off += int32(o.NumMemories) * memoryDefSize
	o.TablesBase = off
	off += int32(o.NumTables) * tableDefSize
	o.GlobalsBase = off
	off += int32(o.NumGlobals) * globalSize
	o.ImportedFuncsBase = off
	off += int32(o.NumImportedFuncs) * importDefSize
	o.Size = off
	return o
}

// MemoryDataPtrOffset/MemoryLenOffset address memory i's base pointer and
// current byte length, inline in the VMContext so emitted code never
// dereferences through a second pointer to reach them.
func (o *VMOffsets) MemoryDataPtrOffset(i uint32) int32 {
	return o.MemoriesBase + int32(i)*memoryDefSize
}
func (o *VMOffsets) MemoryLenOffset(i uint32) int32 {
	return o.MemoriesBase + int32(i)*memoryDefSize + ptrSize
}

func (o *VMOffsets) TableDataPtrOffset(i uint32) int32 {
	return o.TablesBase + int32(i)*tableDefSize
}
func (o *VMOffsets) TableLenOffset(i uint32) int32 {
	return o.TablesBase + int32(i)*tableDefSize + ptrSize
}

func (o *VMOffsets) GlobalOffset(i uint32) int32 {
	return o.GlobalsBase + int32(i)*globalSize
}

func (o *VMOffsets) ImportedFuncBodyOffset(i uint32) int32 {
	return o.ImportedFuncsBase + int32(i)*importDefSize
}
func (o *VMOffsets) ImportedFuncEnvOffset(i uint32) int32 {
	return o.ImportedFuncsBase + int32(i)*importDefSize + ptrSize
}
