// Package wasmxc is the public embedding API (spec §6): compile a Wasm
// binary into a Module, instantiate it against a set of host imports, and
// call its exported functions, all without exposing any of the internal/
// packages that do the actual translation, validation, codegen, and
// linking.
//
// Grounded on the teacher's top-level runtime.go (Runtime/CompiledModule/
// Module/Function split), narrowed to this engine's single-memory,
// no-multi-value, native-ABI scope.
package wasmxc

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/artifact"
	"github.com/tetratelabs/wasmxc/internal/engine"
	"github.com/tetratelabs/wasmxc/internal/hostfunc"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// EngineConfig mirrors engine.Config, re-exported so callers never need to
// import internal/engine directly.
type EngineConfig = engine.Config

// DefaultEngineConfig is engine.DefaultConfig under this package's name.
var DefaultEngineConfig = engine.DefaultConfig

// Engine owns the code memory, trap registry, and compiled-module cache
// shared by every Module it compiles, per spec §5.
type Engine struct {
	inner *engine.Engine
}

// NewEngine constructs an Engine bounded by cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	inner, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{inner: inner}, nil
}

// CompileModule runs the engine's translate/validate/codegen/link pipeline
// over wasmBytes, using instance.DefaultTunables (reserve every memory and
// table at its bound up front, never relocate). An embedder needing a
// different MemoryStyle/TableStyle policy should use internal/engine
// directly instead of this facade.
func (en *Engine) CompileModule(ctx context.Context, wasmBytes []byte, name string) (*Module, error) {
	art, err := en.inner.Compile(ctx, wasmBytes, instance.DefaultTunables{}, name)
	if err != nil {
		return nil, err
	}
	return &Module{engine: en, art: art, name: name}, nil
}

// LoadHeadless deserializes a previously compiled executable.Executable
// without running the compiler pipeline (spec §4.I's headless path),
// exposed here so an embedder that persists Modules across process restarts
// does not need internal/engine directly either.
func (en *Engine) LoadHeadless(data []byte, name string) (*Module, error) {
	art, err := en.inner.Headless(data, name)
	if err != nil {
		return nil, err
	}
	return &Module{engine: en, art: art, name: name}, nil
}

// Module is a compiled, linked Wasm module, ready to be instantiated one or
// more times.
type Module struct {
	engine *Engine
	art    *artifact.Artifact
	name   string
}

// GasConfig configures an Instance's fast-gas-metering counter, per spec
// §4.F; a zero-value GasConfig disables metering (GasLimit of 0 paired with
// a nil counter, matching metering.ChargeLiteral's own "counter == nil"
// no-op path).
type GasConfig struct {
	Enabled    bool
	GasLimit   uint64
	OpcodeCost uint64
}

// HostFunc is one entry of an Imports set: a Go function backing a module's
// function import, called through internal/hostfunc's generic bridge.
type HostFunc struct {
	Params  []wasm.ValueType
	Results []wasm.ValueType
	Func    hostfunc.Func
}

// Imports collects the host-provided values a Module's import section is
// resolved against. Only function imports are exposed at this layer; an
// embedder needing to share a table or memory across instances should use
// internal/instance.Resolver directly.
type Imports struct {
	funcs map[string]map[string]HostFunc
	sigs  *sigregistry.Registry
}

// NewImports returns an empty Imports set.
func NewImports() *Imports {
	return &Imports{funcs: map[string]map[string]HostFunc{}, sigs: sigregistry.New()}
}

// AddFunc registers fn as the (module, field) import.
func (im *Imports) AddFunc(module, field string, fn HostFunc) {
	if im.funcs[module] == nil {
		im.funcs[module] = map[string]HostFunc{}
	}
	im.funcs[module][field] = fn
}

type resolver struct {
	im *Imports
}

func (r *resolver) Resolve(module, field string, occurrence int) (instance.Export, bool) {
	fields, ok := r.im.funcs[module]
	if !ok {
		return instance.Export{}, false
	}
	hf, ok := fields[field]
	if !ok {
		return instance.Export{}, false
	}
	sig := &wasm.FunctionType{Params: hf.Params, Results: hf.Results}
	return instance.Export{
		Type:          instance.ExportFunc,
		FuncBody:      hostfunc.BridgePointer(),
		FuncEnv:       hostfunc.Register(hf.Func),
		FuncSignature: r.im.sigs.Register(sig),
	}, true
}

// Instantiate creates a new Instance of m, resolving its imports against
// imports (nil is equivalent to an empty Imports set) and configuring gas
// metering per gasCfg.
func (m *Module) Instantiate(imports *Imports, gasCfg GasConfig) (*Instance, error) {
	if imports == nil {
		imports = NewImports()
	}
	var counter *instance.FastGasCounter
	if gasCfg.Enabled {
		counter = &instance.FastGasCounter{GasLimit: gasCfg.GasLimit, OpcodeCost: gasCfg.OpcodeCost}
	}

	inst, err := instance.New(m.art, &resolver{im: imports}, instance.DefaultTunables{}, instance.Config{
		GasCounter: counter,
		OpcodeCost: gasCfg.OpcodeCost,
		Signatures: imports.sigs,
	})
	if err != nil {
		return nil, err
	}
	return &Instance{module: m, inner: inst, gasCounter: counter}, nil
}

// Instance is one instantiation of a Module: its own linear memories,
// tables, globals, and gas counter.
type Instance struct {
	module     *Module
	inner      *instance.Instance
	gasCounter *instance.FastGasCounter
}

// Call invokes the exported function named name with args, each
// reinterpreted bit-for-bit per its declared Wasm type (spec §6).
func (i *Instance) Call(name string, args ...uint64) (uint64, error) {
	ret, err := i.inner.CallExported(name, args)
	if err != nil {
		return 0, fmt.Errorf("wasmxc: calling %q: %w", name, err)
	}
	return ret, nil
}

// BurntGas reports the instance's current gas counter value, or 0 if gas
// metering was not enabled at Instantiate.
func (i *Instance) BurntGas() uint64 {
	if i.gasCounter == nil {
		return 0
	}
	return i.gasCounter.BurntGas
}

// Interrupt asks the instance to trap with CodeInterrupt the next time its
// gas counter is checked, per spec §5's cooperative cancellation model; it
// has no effect if gas metering was not enabled.
func (i *Instance) Interrupt() {
	if i.gasCounter != nil {
		i.gasCounter.BurntGas = instance.GasInterrupt
	}
}
