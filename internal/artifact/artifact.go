// Package artifact implements the link step (spec §4.H): turning a
// compiled, not-yet-addressed executable.Executable into code actually
// resident in executable memory, with every deferred relocation patched to
// a final address and every function registered with the trap registry for
// backtrace and fault attribution.
//
// Grounded on the teacher's internal/engine/compiler/engine.go (its
// compiledFunction→code.codeSegment "finalize a batch of compiled functions
// into one mmap'd region, then patch entry points into a lookup table"
// shape), generalized to spec.md's explicit relocation records rather than
// the teacher's Go-closure-captured call targets.
package artifact

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/codegen"
	"github.com/tetratelabs/wasmxc/internal/codemem"
	"github.com/tetratelabs/wasmxc/internal/executable"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/platform"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
	"github.com/tetratelabs/wasmxc/internal/wazerolog"
	"go.uber.org/zap"
)

// LoadError reports that an Executable could not be published on this host,
// per spec §7's InstantiationError.CpuFeature case.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string { return fmt.Sprintf("artifact: %s", e.Reason) }

// Artifact is the fully linked, published form of one Executable: every
// local function has a live native address, every import has a generated
// dynamic-import trampoline address, and the module's signatures are
// interned in the engine-wide Registry. It implements instance.ArtifactHandle
// so an Instance can be built directly against it.
type Artifact struct {
	exec    *executable.Executable
	pool    *codemem.Pool
	unwind  *codemem.UnwindRegistry
	traps   *trap.Registry
	sigs    *sigregistry.Registry

	funcRegions []*codemem.Region // one per local function, then one per import trampoline; still ProtRW until Publish
	funcAddrs   []uintptr         // one per local function, valid after Publish

	importTrampolines map[wasm.Index]uintptr

	exportIndex map[string]wasm.Index

	moduleName string
}

// Link allocates code memory for every local function in exec, patches
// relocations, generates dynamic-import trampolines, and publishes
// everything (flips RW->RX) in one batch. pool and unwind are shared across
// every Artifact an Engine links, per spec §5's "per-engine code-memory
// pool"; traps and sigs are likewise the Engine's shared registries.
func Link(exec *executable.Executable, pool *codemem.Pool, unwind *codemem.UnwindRegistry, traps *trap.Registry, sigs *sigregistry.Registry, moduleName string) (*Artifact, error) {
	log := wazerolog.L("artifact")
	host := platform.CPUFeatures()
	if !host.Satisfies(exec.RequiredCPUFeatures) {
		err := &LoadError{Reason: fmt.Sprintf("host CPU feature bitmask 0x%x does not satisfy required 0x%x", host.Bitmask(), exec.RequiredCPUFeatures)}
		log.Warn("refusing to link: CPU feature mismatch", zap.String("module", moduleName), zap.Error(err))
		return nil, err
	}

	art := &Artifact{
		exec:              exec,
		pool:              pool,
		unwind:            unwind,
		traps:             traps,
		sigs:              sigs,
		importTrampolines: map[wasm.Index]uintptr{},
		exportIndex:       map[string]wasm.Index{},
		moduleName:        moduleName,
	}

	// exec.Functions[i].Signature was assigned directly against sigs by
	// engine.Engine.Compile (the normal path), so every local function's
	// VMSharedSignatureIndex is already correct in this Engine's space; a
	// headless Executable loaded into a different Engine than compiled it
	// carries over stale indices instead (see DESIGN.md).

	if err := art.allocateFunctions(); err != nil {
		return nil, err
	}
	art.linkRelocations()
	if err := art.allocateImportTrampolines(); err != nil {
		return nil, err
	}
	if err := art.publish(); err != nil {
		return nil, err
	}
	art.registerTraps()
	log.Info("linked module", zap.String("module", moduleName), zap.Int("functions", len(exec.Functions)), zap.Int("importTrampolines", len(art.importTrampolines)))

	for _, exp := range exec.ModuleInfo.Exports {
		if exp.Type == wasm.ExternTypeFunc {
			art.exportIndex[exp.Name] = exp.Index
		}
	}

	return art, nil
}

func (a *Artifact) allocateFunctions() error {
	a.funcRegions = make([]*codemem.Region, len(a.exec.Functions))
	for i, fn := range a.exec.Functions {
		r, err := a.pool.Allocate(len(fn.Code), codemem.ProtRX, fn.Code)
		if err != nil {
			return fmt.Errorf("artifact: allocating function %d: %w", i, err)
		}
		a.funcRegions[i] = r
	}
	a.funcAddrs = make([]uintptr, len(a.funcRegions))
	for i, r := range a.funcRegions {
		a.funcAddrs[i] = r.Addr()
	}
	return nil
}

// linkRelocations patches every deferred CompileMovImm64 placeholder
// recorded by codegen, in place, before Publish flips the regions
// executable. RelocationLocalCall targets are resolved now since every
// local function's address is already known; RelocationDynamicImportTrampoline
// targets are resolved after allocateImportTrampolines runs, so this method
// only handles the local case; allocateImportTrampolines patches the rest
// itself as it allocates each trampoline.
func (a *Artifact) linkRelocations() {
	info := a.exec.ModuleInfo.ModuleInfo
	for i, fn := range a.exec.Functions {
		mem := a.funcRegions[i].Bytes()
		for _, rel := range fn.Relocations {
			if rel.Kind != codegen.RelocationLocalCall {
				continue
			}
			local := info.Counts.LocalFunctionIndex(rel.Target)
			patchImm64(mem, rel.Offset, uint64(a.funcAddrs[local]))
		}
	}
}

// patchImm64 overwrites the 8-byte little-endian immediate operand a
// CompileMovImm64 emitted at offset within mem.
func patchImm64(mem []byte, offset uint32, v uint64) {
	binary.LittleEndian.PutUint64(mem[offset:offset+8], v)
}

// allocateImportTrampolines generates, for every imported function index
// this module's functions actually call, a small stub (buildImportTrampoline)
// that shifts the integer arguments one register to the right, loads that
// index's FuncEnv from the caller's own VMContext into RDI and calls its
// FuncBody. VMContextRegister is never modified, so the caller's context is
// intact when the call returns.
func (a *Artifact) allocateImportTrampolines() error {
	wanted := map[wasm.Index]bool{}
	for _, fn := range a.exec.Functions {
		for _, rel := range fn.Relocations {
			if rel.Kind == codegen.RelocationDynamicImportTrampoline {
				wanted[rel.Target] = true
			}
		}
	}

	for idx := range wanted {
		code := buildImportTrampoline(a.exec.Offsets, idx)
		r, err := a.pool.Allocate(len(code), codemem.ProtRX, code)
		if err != nil {
			return fmt.Errorf("artifact: allocating import trampoline %d: %w", idx, err)
		}
		addr := r.Addr()
		a.importTrampolines[idx] = addr
		a.funcRegions = append(a.funcRegions, r)
	}

	for i, fn := range a.exec.Functions {
		mem := a.funcRegions[i].Bytes()
		for _, rel := range fn.Relocations {
			if rel.Kind != codegen.RelocationDynamicImportTrampoline {
				continue
			}
			patchImm64(mem, rel.Offset, uint64(a.importTrampolines[rel.Target]))
		}
	}
	return nil
}

func (a *Artifact) publish() error {
	return a.pool.Publish(a.funcRegions...)
}

func (a *Artifact) registerTraps() {
	for i, fn := range a.exec.Functions {
		addr := a.funcAddrs[i]
		name := ""
		if n, ok := a.exec.ModuleInfo.FunctionNames[a.exec.ModuleInfo.Counts.FunctionIndex(fn.LocalIndex)]; ok {
			name = n
		}
		frame := fn.Frame
		a.traps.Register(trap.Entry{
			Start:      addr,
			End:        addr + uintptr(len(fn.Code)),
			ModuleName: a.moduleName,
			FuncIndex:  a.exec.ModuleInfo.Counts.FunctionIndex(fn.LocalIndex),
			FuncName:   name,
			Frame:      &frame,
		})
	}
}

// Info implements instance.ArtifactHandle.
func (a *Artifact) Info() *wasm.ModuleInfo { return a.exec.ModuleInfo.ModuleInfo }

// Offsets implements instance.ArtifactHandle.
func (a *Artifact) Offsets() *instance.VMOffsets { return a.exec.Offsets }

// LocalFunctionPointer implements instance.ArtifactHandle.
func (a *Artifact) LocalFunctionPointer(local wasm.Index) uintptr {
	return a.funcAddrs[local]
}

// LocalFunctionSignature implements instance.ArtifactHandle.
func (a *Artifact) LocalFunctionSignature(local wasm.Index) sigregistry.Index {
	return a.exec.Functions[local].Signature
}

// DynamicImportTrampolinePointer implements instance.ArtifactHandle.
func (a *Artifact) DynamicImportTrampolinePointer(fullFuncIdx wasm.Index) uintptr {
	return a.importTrampolines[fullFuncIdx]
}

// ExportedFunctionIndex looks up a function export by name, for
// Instance.CallExported's callers that want to validate a name exists
// without invoking it.
func (a *Artifact) ExportedFunctionIndex(name string) (wasm.Index, bool) {
	idx, ok := a.exportIndex[name]
	return idx, ok
}
