// Package engine implements the top-level compile/load/instantiate pipeline
// (spec §4.I): translate a binary module, validate it, compile every local
// function in parallel, link the result into a published Artifact, and
// cache compiled Executables keyed by module content hash so a repeated
// deployment of the same bytecode skips recompilation entirely.
//
// Grounded on the teacher's internal/engine/compiler/engine.go (one Engine
// owns the process-wide code-memory pool and compiles functions
// concurrently across a worker pool keyed by `runtime.NumCPU()`), with the
// worker pool itself replaced by golang.org/x/sync/errgroup — the corpus's
// standard fan-out-with-first-error idiom — in place of the teacher's own
// hand-rolled channel/WaitGroup loop.
package engine

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/wasmxc/internal/artifact"
	"github.com/tetratelabs/wasmxc/internal/codegen"
	"github.com/tetratelabs/wasmxc/internal/codemem"
	"github.com/tetratelabs/wasmxc/internal/executable"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/metering"
	"github.com/tetratelabs/wasmxc/internal/platform"
	"github.com/tetratelabs/wasmxc/internal/regalloc"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/translate"
	"github.com/tetratelabs/wasmxc/internal/validate"
	"github.com/tetratelabs/wasmxc/internal/wasm"
	"github.com/tetratelabs/wasmxc/internal/wazerolog"
	"go.uber.org/zap"
)

// CompileError wraps a failure from any pipeline stage with the stage name,
// per spec §7's CompileError.{Wasm,Codegen} split.
type CompileError struct {
	Stage string
	Err   error
}

func (e *CompileError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Stage, e.Err) }
func (e *CompileError) Unwrap() error { return e.Err }

// Tunables is the embedder hook engine.Compile consults once per module to
// pick each memory's/table's style, the same interface instance.New itself
// takes so one embedder-supplied value serves both compile and instantiate.
type Tunables = instance.Tunables

// Config bounds one Engine's resource usage, per spec §5's per-engine caps.
type Config struct {
	CodeMemory        codemem.Limits
	CompiledCacheSize int
	// StackLimitFrameBytes, when non-zero, is forwarded to every function's
	// codegen.Env, hoisting the stack-depth check into each prologue.
	StackLimitFrameBytes uint32
}

// DefaultConfig matches DefaultLimits plus a modestly sized compiled-module
// cache, generous enough for a contract host juggling a few dozen distinct
// deployed contracts without unbounded growth.
var DefaultConfig = Config{
	CodeMemory:        codemem.DefaultLimits,
	CompiledCacheSize: 256,
}

// Engine owns every resource shared across the modules it compiles and the
// instances created from them: the code-memory pool, the trap registry, and
// the signature registry, per spec §5 ("per-engine, shared by every
// instance").
type Engine struct {
	pool   *codemem.Pool
	unwind *codemem.UnwindRegistry
	traps  *trap.Registry
	sigs   *sigregistry.Registry

	cpuFeatures           uint64
	stackLimitFrameBytes  uint32

	cache *lru.Cache[[32]byte, *executable.Executable]
}

// New constructs an Engine bounded by cfg.
func New(cfg Config) (*Engine, error) {
	size := cfg.CompiledCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[[32]byte, *executable.Executable](size)
	if err != nil {
		return nil, fmt.Errorf("engine: constructing compiled-artifact cache: %w", err)
	}
	return &Engine{
		pool:                 codemem.NewPool(cfg.CodeMemory),
		unwind:               codemem.NewUnwindRegistry(),
		traps:                &trap.Registry{},
		sigs:                 sigregistry.New(),
		cpuFeatures:          platform.CPUFeatures().Bitmask(),
		stackLimitFrameBytes: cfg.StackLimitFrameBytes,
		cache:                cache,
	}, nil
}

// TrapRegistry exposes the Engine's shared trap.Registry, for a host
// installing the process-wide fault handler via trap.Install.
func (e *Engine) TrapRegistry() *trap.Registry { return e.traps }

// Compile runs the full translate -> validate -> codegen -> link pipeline
// on wasmBytes, returning a published Artifact ready for instance.New. A
// module whose content hash matches a previously compiled one skips
// straight to linking a fresh Artifact from the cached Executable (spec
// §4.I: "the cache holds Executables, not Artifacts, since an Artifact is
// tied to one engine's code-memory regions").
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte, tunables Tunables, moduleName string) (*artifact.Artifact, error) {
	log := wazerolog.L("engine")
	id := sha256.Sum256(wasmBytes)
	if exec, ok := e.cache.Get(id); ok {
		log.Debug("compile cache hit", zap.String("module", moduleName), zap.Binary("id", id[:]))
		return artifact.Link(exec, e.pool, e.unwind, e.traps, e.sigs, moduleName)
	}

	log.Info("compiling module", zap.String("module", moduleName), zap.Int("bytes", len(wasmBytes)))
	exec, err := e.compileFresh(ctx, wasmBytes, id, tunables)
	if err != nil {
		log.Warn("compile failed", zap.String("module", moduleName), zap.Error(err))
		return nil, err
	}
	e.cache.Add(id, exec)
	return artifact.Link(exec, e.pool, e.unwind, e.traps, e.sigs, moduleName)
}

func (e *Engine) compileFresh(ctx context.Context, wasmBytes []byte, id [32]byte, tunables Tunables) (*executable.Executable, error) {
	info, err := translate.Decode(wasmBytes)
	if err != nil {
		return nil, &CompileError{Stage: "translate", Err: err}
	}
	info.ID = id

	if err := validate.Module(info); err != nil {
		return nil, &CompileError{Stage: "validate", Err: err}
	}

	cmi := &wasm.CompileModuleInfo{
		ModuleInfo:   info,
		MemoryStyles: make([]wasm.MemoryStyle, len(info.Memories)),
		TableStyles:  make([]wasm.TableStyle, len(info.Tables)),
	}
	for i, mt := range info.Memories {
		cmi.MemoryStyles[i] = tunables.MemoryStyle(mt)
	}
	for i, tt := range info.Tables {
		cmi.TableStyles[i] = tunables.TableStyle(tt)
	}

	offs := instance.NewVMOffsets(info)
	intrinsics := metering.Intrinsics(info)

	// Every function's signature is interned directly into the Engine's own
	// registry rather than a throwaway per-compile one: the call_indirect
	// immediate codegen bakes in and the TableElement.Signature values
	// instance.New later writes must agree on the same Index space, and
	// e.sigs is the one registry both codegen (now) and artifact.Link
	// (after this function returns) share. A headless-loaded Executable
	// replayed into a different Engine will not get matching indices back;
	// see DESIGN.md.
	env := &codegen.Env{
		Module:               cmi,
		Offsets:              offs,
		Signatures:           e.sigs,
		Intrinsics:           intrinsics,
		StackLimitFrameBytes: e.stackLimitFrameBytes,
	}

	numLocal := len(info.Codes)
	compiled := make([]executable.Function, numLocal)

	g, gctx := errgroup.WithContext(ctx)
	for local := 0; local < numLocal; local++ {
		local := local
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			fullIdx := info.Counts.FunctionIndex(wasm.Index(local))
			sig := info.TypeOf(fullIdx)
			cf, err := codegen.CompileFunction(env, fullIdx, regalloc.NativeCallingConvention(sig.Params))
			if err != nil {
				return err
			}
			compiled[local] = executable.Function{
				LocalIndex:  wasm.Index(local),
				Signature:   e.sigs.Register(sig),
				Code:        cf.Code,
				Relocations: cf.Relocations,
				Frame:       cf.Frame,
				FrameBytes:  cf.FrameBytes,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &CompileError{Stage: "codegen", Err: err}
	}

	return &executable.Executable{
		ModuleInfo:          cmi,
		Offsets:             offs,
		Functions:           compiled,
		Signatures:          info.Types,
		RequiredCPUFeatures: e.cpuFeatures,
	}, nil
}

// Headless loads a previously serialized Executable without running any of
// translate/validate/codegen, per spec §4.I's "headless() loads without
// requiring a compiler" — the path cmd/wasmxc-inspect exercises.
func (e *Engine) Headless(data []byte, moduleName string) (*artifact.Artifact, error) {
	exec, err := executable.Deserialize(data)
	if err != nil {
		return nil, &CompileError{Stage: "deserialize", Err: err}
	}
	return artifact.Link(exec, e.pool, e.unwind, e.traps, e.sigs, moduleName)
}

// RegisterSignature interns ty into the Engine-wide signature registry,
// exposed for a host resolving an import whose type needs to be compared
// against a module's declared signature before linking.
func (e *Engine) RegisterSignature(ty *wasm.FunctionType) sigregistry.Index {
	return e.sigs.Register(ty)
}

// LookupSignature is the inverse of RegisterSignature.
func (e *Engine) LookupSignature(idx sigregistry.Index) (*wasm.FunctionType, bool) {
	return e.sigs.Lookup(idx)
}
