package instance

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// ArtifactHandle is the slice of Artifact (spec §4.H) an Instance needs:
// enough to resolve local function pointers and signatures without
// depending on the artifact package directly, keeping instance importable
// by artifact rather than the reverse.
type ArtifactHandle interface {
	Info() *wasm.ModuleInfo
	Offsets() *VMOffsets
	LocalFunctionPointer(local wasm.Index) uintptr
	LocalFunctionSignature(local wasm.Index) sigregistry.Index
	// DynamicImportTrampolinePointer returns the address of the generated
	// adapter for the imported function at the given full index: it reads
	// that import's resolved body/env pointers back out of this instance's
	// own VMContext and forwards the call with the env pointer shifted into
	// the leading argument register, per spec §6's VMDynamicFunctionContext.
	// Every caller of an imported function — a direct `call`, a call_indirect
	// landing on an imported table element, or a ref.func/start-function
	// invocation — goes through this same address so no call site needs to
	// special-case import-vs-local at the point of the call.
	DynamicImportTrampolinePointer(fullFuncIdx wasm.Index) uintptr
}

// Tunables mirrors wasmer's embedder-configurable memory/table creation
// strategy (spec §3's MemoryStyle/TableStyle): it lets a host pick
// Static-vs-Dynamic memory and reserved table capacity without instance.go
// hardcoding one policy.
type Tunables interface {
	MemoryStyle(mt wasm.MemoryType) wasm.MemoryStyle
	TableStyle(tt wasm.TableType) wasm.TableStyle
}

// DefaultTunables reserves every memory at its maximum (or a 4GiB guard-sized
// bound if unbounded) and gives every table TableStyleCallerChecksSignature,
// matching spec
// §4.B's "reserve once, never relocate" rationale for Static memories.
type DefaultTunables struct{}

func (DefaultTunables) MemoryStyle(mt wasm.MemoryType) wasm.MemoryStyle {
	bound := uint64(mt.Max) * wasmPageSize
	if !mt.HasMax {
		bound = 4 * 1024 * 1024 * 1024
	}
	return wasm.MemoryStyle{Static: true, Bound: bound, GuardSize: wasmPageSize}
}

func (DefaultTunables) TableStyle(tt wasm.TableType) wasm.TableStyle {
	return wasm.TableStyleCallerChecksSignature
}

// Instance is one instantiation of an Artifact (spec §4.J): its own
// memories, tables, and VMContext byte buffer, sharing the Artifact's
// compiled code and signature registrations.
type Instance struct {
	artifact ArtifactHandle
	offsets  *VMOffsets
	vmctx    []byte
	memories []*Memory
	tables   []*Table
	// importedFuncs mirrors the VMContext's inline import slots so Call can
	// look up a resolved import's native pointer without re-reading vmctx.
	importedFuncs []Export
	cfg           Config
}

// New instantiates art: resolves imports against resolver, allocates
// memories/tables/globals via tunables, builds the VMContext, copies active
// data/element segments, and (if present) invokes the start function —
// exactly spec §4.J's four steps, in order.
func New(art ArtifactHandle, resolver Resolver, tunables Tunables, cfg Config) (*Instance, error) {
	info := art.Info()
	offs := art.Offsets()

	inst := &Instance{
		artifact: art,
		offsets:  offs,
		vmctx:    make([]byte, offs.Size),
		cfg:      cfg,
	}

	if err := inst.resolveImports(info, resolver); err != nil {
		return nil, err
	}
	if err := inst.allocateDefinitions(info, tunables); err != nil {
		return nil, err
	}
	inst.writeHeader()
	inst.writeGlobals(info)
	if err := inst.finalize(info); err != nil {
		return nil, err
	}
	return inst, nil
}

// occurrenceKey disambiguates repeated (module, field) import pairs, per
// spec §4.J step 1.
type occurrenceKey struct {
	module, field string
}

func (inst *Instance) resolveImports(info *wasm.ModuleInfo, resolver Resolver) error {
	seen := map[occurrenceKey]int{}
	funcIdx, tableIdx, memIdx, globalIdx := uint32(0), uint32(0), uint32(0), uint32(0)

	for _, imp := range info.Imports {
		key := occurrenceKey{imp.Module, imp.Field}
		occurrence := seen[key]
		seen[key] = occurrence + 1

		exp, ok := resolver.Resolve(imp.Module, imp.Field, occurrence)
		if !ok {
			return &LinkError{Kind: LinkErrorUnknownImport, Module: imp.Module, Field: imp.Field}
		}

		switch imp.Type {
		case wasm.ExternTypeFunc:
			expected := inst.cfg.Signatures.Register(info.Types[imp.DescFunc])
			if lerr := checkFunc(imp, exp, expected); lerr != nil {
				return lerr
			}
			inst.importedFuncs = append(inst.importedFuncs, exp)
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.ImportedFuncBodyOffset(funcIdx):], uint64(exp.FuncBody))
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.ImportedFuncEnvOffset(funcIdx):], uint64(exp.FuncEnv))
			funcIdx++
		case wasm.ExternTypeTable:
			if lerr := checkTable(imp, exp); lerr != nil {
				return lerr
			}
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.TableDataPtrOffset(tableIdx):], uint64(exp.TableDataPtr))
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.TableLenOffset(tableIdx):], uint64(exp.TableLen))
			tableIdx++
		case wasm.ExternTypeMemory:
			if lerr := checkMemory(imp, exp); lerr != nil {
				return lerr
			}
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryDataPtrOffset(memIdx):], uint64(exp.MemoryDataPtr))
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryLenOffset(memIdx):], uint64(exp.MemoryLen))
			memIdx++
		case wasm.ExternTypeGlobal:
			if lerr := checkGlobal(imp, exp); lerr != nil {
				return lerr
			}
			var v uint64
			if exp.GlobalAddr != 0 {
				v = *(*uint64)(unsafe.Pointer(exp.GlobalAddr))
			}
			binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.GlobalOffset(globalIdx):], v)
			globalIdx++
		}
	}
	return nil
}

func (inst *Instance) allocateDefinitions(info *wasm.ModuleInfo, tunables Tunables) error {
	localMemStart := info.Counts.ImportedMemories
	for i := localMemStart; i < uint32(len(info.Memories))+localMemStart; i++ {
		mt := info.Memories[i-localMemStart]
		mem, err := NewMemory(mt, tunables.MemoryStyle(mt))
		if err != nil {
			return fmt.Errorf("instance: allocate memory %d: %w", i, err)
		}
		inst.memories = append(inst.memories, mem)
		binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryDataPtrOffset(i):], uint64(mem.DataPtr()))
		binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryLenOffset(i):], uint64(mem.LenBytes()))
	}

	localTableStart := info.Counts.ImportedTables
	for i := localTableStart; i < uint32(len(info.Tables))+localTableStart; i++ {
		tt := info.Tables[i-localTableStart]
		tbl, err := NewTable(tt)
		if err != nil {
			return fmt.Errorf("instance: allocate table %d: %w", i, err)
		}
		inst.tables = append(inst.tables, tbl)
		binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.TableDataPtrOffset(i):], uint64(tbl.DataPtr()))
		binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.TableLenOffset(i):], uint64(tbl.Len()))
	}
	return nil
}

func (inst *Instance) writeHeader() {
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.GasCounterPtrOffset:], uint64(uintptr(unsafe.Pointer(inst.cfg.GasCounter))))
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.StackLimitOffset:], uint64(stackLimitThreshold(inst.cfg.StackLimit)))
	// memory.grow's native bridge (memgrow_amd64.s): env is this Instance
	// itself, the same "env first" shape an imported function's
	// FuncBody/FuncEnv pair uses, so compileMemoryGrow can CALL it exactly
	// like any other dynamic-import trampoline.
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryGrowBodyOffset:], uint64(memoryGrowBridgePointer()))
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryGrowEnvOffset:], uint64(uintptr(unsafe.Pointer(inst))))
}

// stackLimitThreshold converts a configured native-stack byte budget into
// the absolute stack-pointer floor codegen's hoisted prologue check (spec
// §4.F) compares RSP against directly: RSP is a real address, so the
// configured budget has to become one too before the emitted CMPQ means
// anything. approxStackPointer is read once, here, at instantiation — the
// same goroutine stack the call trampoline (call_amd64.s) later extends
// without switching, so one reading taken before finalize's start-function
// call covers every nested call made from it. A zero limit leaves the
// threshold at zero; codegen.Env.StackLimitFrameBytes being zero is what
// actually disables the check, so this value is never consulted in that
// case.
func stackLimitThreshold(limit uint64) uintptr {
	if limit == 0 {
		return 0
	}
	return approxStackPointer() - uintptr(limit)
}

// approxStackPointer returns the address of a frame-local variable as a
// stand-in for the real RSP register, which plain Go cannot read directly.
// Close enough for a budget measured in tens of thousands of bytes: the
// handful of stack frames between here and the generated code's own entry
// point are negligible next to StackLimit's intended granularity.
func approxStackPointer() uintptr {
	var probe byte
	return uintptr(unsafe.Pointer(&probe))
}

func (inst *Instance) writeGlobals(info *wasm.ModuleInfo) {
	base := info.Counts.ImportedGlobals
	for i, g := range info.Globals {
		idx := base + uint32(i)
		v := inst.evalConst(info, g.Init)
		binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.GlobalOffset(idx):], v)
	}
}

// evalConst evaluates a constant initializer expression (spec §3: i32/i64/
// f32/f64 const, global.get of a prior immutable global, ref.null/ref.func),
// returning its 8-byte VMContext representation.
func (inst *Instance) evalConst(info *wasm.ModuleInfo, c wasm.ConstExpr) uint64 {
	switch c.Opcode {
	case wasm.ConstI32, wasm.ConstI64, wasm.ConstF32, wasm.ConstF64:
		return uint64(c.ImmI64)
	case wasm.ConstGlobalGet:
		return binary.LittleEndian.Uint64(inst.vmctx[inst.offsets.GlobalOffset(uint32(c.ImmRefIndex)):])
	case wasm.ConstRefNull:
		return uint64(wasm.NullIndex)
	case wasm.ConstRefFunc:
		if info.Counts.IsImportedFunction(c.ImmRefIndex) {
			return uint64(inst.artifact.DynamicImportTrampolinePointer(c.ImmRefIndex))
		}
		return uint64(inst.artifact.LocalFunctionPointer(info.Counts.LocalFunctionIndex(c.ImmRefIndex)))
	default:
		return 0
	}
}

// finalize runs active data/element segments into their target
// memories/tables and invokes the start function, per spec §4.J step 4.
func (inst *Instance) finalize(info *wasm.ModuleInfo) error {
	for _, seg := range info.DataSegments {
		if seg.Passive {
			continue
		}
		off := inst.evalConst(info, seg.OffsetExpr)
		mem := inst.Memory(seg.MemoryIndex)
		if mem == nil || off+uint64(len(seg.Init)) > uint64(mem.LenBytes()) {
			return fmt.Errorf("instance: active data segment out of bounds")
		}
		copy(mem.Bytes()[off:], seg.Init)
	}

	for _, seg := range info.ElementSegments {
		if seg.Passive {
			continue
		}
		off := uint32(inst.evalConst(info, seg.OffsetExpr))
		tbl := inst.Table(seg.TableIndex)
		if tbl == nil {
			return fmt.Errorf("instance: active element segment targets unknown table")
		}
		for i, fnIdx := range seg.Init {
			elem := TableElement{}
			if fnIdx != wasm.NullIndex {
				if info.Counts.IsImportedFunction(fnIdx) {
					imp := inst.importedFuncs[fnIdx]
					elem = TableElement{FuncPtr: inst.artifact.DynamicImportTrampolinePointer(fnIdx), Signature: imp.FuncSignature}
				} else {
					local := info.Counts.LocalFunctionIndex(fnIdx)
					elem = TableElement{FuncPtr: inst.artifact.LocalFunctionPointer(local), Signature: inst.artifact.LocalFunctionSignature(local)}
				}
			}
			if !tbl.Set(off+uint32(i), elem) {
				return fmt.Errorf("instance: active element segment out of bounds")
			}
		}
	}

	if info.StartFunc != wasm.NullIndex {
		if _, err := inst.callIndex(info.StartFunc, nil); err != nil {
			return fmt.Errorf("instance: start function trapped: %w", err)
		}
	}
	return nil
}

// Memory returns the memory at full index idx (imported or local), or nil
// if out of range. Imported memories are not separately tracked by
// Instance (the host owns them); only local memories are retrievable here.
func (inst *Instance) Memory(idx wasm.Index) *Memory {
	info := inst.artifact.Info()
	if idx < info.Counts.ImportedMemories {
		return nil
	}
	local := idx - info.Counts.ImportedMemories
	if int(local) >= len(inst.memories) {
		return nil
	}
	return inst.memories[local]
}

func (inst *Instance) Table(idx wasm.Index) *Table {
	info := inst.artifact.Info()
	if idx < info.Counts.ImportedTables {
		return nil
	}
	local := idx - info.Counts.ImportedTables
	if int(local) >= len(inst.tables) {
		return nil
	}
	return inst.tables[local]
}

// VMContextPtr is the address emitted code receives in R15 for every call
// into this instance.
func (inst *Instance) VMContextPtr() unsafe.Pointer {
	if len(inst.vmctx) == 0 {
		return nil
	}
	return unsafe.Pointer(&inst.vmctx[0])
}

// CallExported invokes the exported function name with args, returning its
// single result (if any). Functions with more than one result are a
// Non-goal (spec §4.J), matching this engine's single-RAX/XMM0 return
// convention.
func (inst *Instance) CallExported(name string, args []uint64) (uint64, error) {
	info := inst.artifact.Info()
	for _, exp := range info.Exports {
		if exp.Type == wasm.ExternTypeFunc && exp.Name == name {
			return inst.callIndex(exp.Index, args)
		}
	}
	return 0, fmt.Errorf("instance: no exported function %q", name)
}

func (inst *Instance) callIndex(idx wasm.Index, args []uint64) (uint64, error) {
	info := inst.artifact.Info()
	var fn uintptr
	if info.Counts.IsImportedFunction(idx) {
		fn = inst.artifact.DynamicImportTrampolinePointer(idx)
	} else {
		fn = inst.artifact.LocalFunctionPointer(info.Counts.LocalFunctionIndex(idx))
	}
	if fn == 0 {
		return 0, fmt.Errorf("instance: function %d has no compiled body", idx)
	}

	var argsPtr *uint64
	if len(args) > 0 {
		argsPtr = &args[0]
	}
	var ret uint64
	vmTrampoline(fn, inst.VMContextPtr(), argsPtr, int64(len(args)), &ret, 1)
	if inst.cfg.GasCounter != nil && inst.cfg.GasCounter.BurntGas == GasInterrupt {
		return 0, fmt.Errorf("instance: execution interrupted")
	}
	return ret, nil
}
