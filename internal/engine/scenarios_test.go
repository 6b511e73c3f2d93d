package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/artifact"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/metering"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// These exercise spec.md §8's end-to-end scenarios beyond the hello-module
// and missing-import cases engine_test.go/instance_test.go already cover.
//
// Scenarios 2 ("gas-limit crossing"), 3 ("indirect-call BadSignature"), and
// 4 ("stack overflow") all end with codegen's emitTrap sequence: a recorded
// trap site followed by UD2. trap.Handler (internal/trap/handler.go) is a best-effort,
// non-resuming recorder of such faults — it classifies an unattributed
// signal against the registry but has no mechanism to unwind the faulting
// goroutine back into callIndex, since that would need a signal handler
// that rewrites the faulting thread's saved instruction/stack pointers
// (the way wasmtime's native trap handler does), not a Go channel a
// separate watcher goroutine reads from. Driving one of these traps to
// completion through a real call would hang the calling goroutine forever,
// not return a Go error. So each of the three traps below is exercised up
// to, but not across, the trap itself: the fixture compiles for real and
// the non-trapping half of its behavior runs for real, while the would-trap
// half is verified statically against the compiled Function's
// trap.FrameInfo, the same classification artifact.Link hands to
// trap.Registry.Classify.

func findTrapSite(t *testing.T, sites []trap.Site, code trap.Code) trap.Site {
	t.Helper()
	for _, s := range sites {
		if s.Code == code {
			return s
		}
	}
	t.Fatalf("no trap site for %s among %v", code, sites)
	return trap.Site{}
}

// gasCrossingModule is:
//
//	(type (func (param i32)))
//	(type (func))
//	(import "host" "gas" (func (param i32)))
//	(func (start) i32.const 40 call 0)
//
// The single gas charge is intrinsified (metering.Intrinsics recognizes
// "host"."gas" called with a literal argument) into an inline FastGasCounter
// update rather than an actual call, per internal/codegen/calls.go's
// compileCall.
func gasCrossingModule() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 1, 8, 2, 0x60, 1, 0x7f, 0, 0x60, 0, 0) // types: (i32)->(), ()->()
	b = append(b, 2, 12, 1, 4, 'h', 'o', 's', 't', 3, 'g', 'a', 's', 0, 0)
	b = append(b, 3, 2, 1, 1) // one local func, type 1
	b = append(b, 8, 1, 1)    // start = function index 1 (full index, past the one import)
	b = append(b, 10, 8, 1, 6, 0, 0x41, 40, 0x10, 0, 0x0b)
	return b
}

type gasImportResolver struct {
	sig sigregistry.Index
}

func (r gasImportResolver) Resolve(module, field string, occurrence int) (instance.Export, bool) {
	if module == metering.HostGasModule && field == metering.HostGasField {
		return instance.Export{Type: instance.ExportFunc, FuncSignature: r.sig}, true
	}
	return instance.Export{}, false
}

// TestScenario_GasChargeBelowLimitRunsAndTrapSiteExistsForCrossing compiles
// a module whose start function burns 40 gas against a 1000 limit (spec.md
// §8 scenario 2's "within budget" half): instantiation runs the inline
// charge for real and the resulting FastGasCounter reflects it. The module's
// compiled body also always carries a CodeGasLimitExceeded trap site right
// after the charge — present whether or not this particular run ever took
// it — confirming the "crossing the limit traps" half of the scenario
// without executing a charge built to actually cross it (see the file
// comment above for why).
func TestScenario_GasChargeBelowLimitRunsAndTrapSiteExistsForCrossing(t *testing.T) {
	e, err := New(DefaultConfig)
	require.NoError(t, err)

	wasmBytes := gasCrossingModule()
	exec, err := e.compileFresh(context.Background(), wasmBytes, [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)
	require.Len(t, exec.Functions, 1)
	findTrapSite(t, exec.Functions[0].Frame.TrapSites, trap.CodeGasLimitExceeded)

	art, err := artifact.Link(exec, e.pool, e.unwind, e.traps, e.sigs, "gas-crossing")
	require.NoError(t, err)

	sig := e.sigs.Register(&wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}})
	counter := &instance.FastGasCounter{GasLimit: 1000}
	_, err = instance.New(art, gasImportResolver{sig: sig}, instance.DefaultTunables{}, instance.Config{
		GasCounter: counter,
		Signatures: e.sigs,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(40), counter.BurntGas)
}

// badSignatureModule is:
//
//	(type (func (param i32) (result i32)))  ;; $a's real signature
//	(type (func (result i32)))              ;; $ok/$bad's own signature, and
//	                                         ;; the mismatched type declared
//	                                         ;; at the call_indirect site
//	(table 1 1 funcref)
//	(elem (i32.const 0) $a)
//	(func $a (param i32) (result i32) local.get 0)
//	(func $ok (result i32) i32.const 7)
//	(func $bad (result i32) i32.const 0 call_indirect (type 1))
//	(export "ok" (func $ok))
//	(export "bad" (func $bad))
func badSignatureModule() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 1, 10, 2, 0x60, 1, 0x7f, 1, 0x7f, 0x60, 0, 1, 0x7f) // types
	b = append(b, 3, 4, 3, 0, 1, 1)                                  // functions: $a:type0, $ok:type1, $bad:type1
	b = append(b, 4, 5, 1, 0x70, 1, 1, 1)                            // table: funcref, min=max=1
	b = append(b, 7, 12, 2, 3, 'b', 'a', 'd', 0, 2, 2, 'o', 'k', 0, 1)
	b = append(b, 9, 7, 1, 0x00, 0x41, 0, 0x0b, 1, 0) // elem: offset 0, [func 0]
	b = append(b, 10, 19, 3,
		4, 0, 0x20, 0, 0x0b, // $a: local.get 0; end
		4, 0, 0x41, 7, 0x0b, // $ok: i32.const 7; end
		7, 0, 0x41, 0, 0x11, 1, 0, 0x0b, // $bad: i32.const 0; call_indirect (type 1, table 0); end
	)
	return b
}

type noImportResolver struct{}

func (noImportResolver) Resolve(module, field string, occurrence int) (instance.Export, bool) {
	return instance.Export{}, false
}

// TestScenario_IndirectCallBadSignatureTrapSiteAndInstanceStillUsable
// compiles a module whose "bad" export calls through a table slot holding a
// function of a different signature than the call_indirect site declares
// (spec.md §8 scenario 3). $bad's compiled body carries a CodeBadSignature
// trap site at its call_indirect, proving the type check would fire; "ok",
// an unrelated export on the very same instance, is actually called and
// returns its real result, demonstrating the instance a BadSignature trap
// would leave behind is otherwise fully usable.
func TestScenario_IndirectCallBadSignatureTrapSiteAndInstanceStillUsable(t *testing.T) {
	e, err := New(DefaultConfig)
	require.NoError(t, err)

	wasmBytes := badSignatureModule()
	exec, err := e.compileFresh(context.Background(), wasmBytes, [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)
	require.Len(t, exec.Functions, 3)
	findTrapSite(t, exec.Functions[2].Frame.TrapSites, trap.CodeBadSignature)

	art, err := artifact.Link(exec, e.pool, e.unwind, e.traps, e.sigs, "bad-signature")
	require.NoError(t, err)

	inst, err := instance.New(art, noImportResolver{}, instance.DefaultTunables{}, instance.Config{Signatures: e.sigs})
	require.NoError(t, err)

	ret, err := inst.CallExported("ok", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(7), ret)

	_, ok := art.ExportedFunctionIndex("bad")
	require.True(t, ok)
}

// hugeLocalsModule is a single zero-argument function declaring 32750 f64
// locals and never touching them, matching spec.md §8 scenario 4's stack
// overflow trigger (a frame large enough that a small configured
// stack_limit is exceeded before the function does anything at all).
func hugeLocalsModule() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 1, 4, 1, 0x60, 0, 0) // type: ()->()
	b = append(b, 3, 2, 1, 0)          // one function, type 0
	b = append(b, 10, 8, 1, 6, 1, 0xee, 0xff, 0x01, 0x7c, 0x0b)
	return b
}

// TestScenario_HugeLocalsHoistsStackOverflowTrapSite compiles a function
// whose prologue must reserve stack space for 32750 f64 locals (spec.md §8
// scenario 4) under a non-zero StackLimitFrameBytes, and checks codegen
// hoisted the spec §4.F stack-depth check: a large FrameBytes plus a
// CodeStackOverflow trap site right after it, the two facts that together
// mean this function would trip the check before doing anything when
// instantiated under a stack_limit tighter than its own frame — without
// actually instantiating it (see the file comment above).
func TestScenario_HugeLocalsHoistsStackOverflowTrapSite(t *testing.T) {
	e, err := New(Config{CodeMemory: DefaultConfig.CodeMemory, CompiledCacheSize: 4, StackLimitFrameBytes: 1})
	require.NoError(t, err)

	exec, err := e.compileFresh(context.Background(), hugeLocalsModule(), [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)
	require.Len(t, exec.Functions, 1)

	fn := exec.Functions[0]
	require.Greater(t, fn.FrameBytes, uint32(32750*8/2))
	findTrapSite(t, fn.Frame.TrapSites, trap.CodeStackOverflow)
}

// TestEngine_CompileIsDeterministicAcrossIndependentEngines compiles the
// same bytes through two independent Engines (spec.md §8 scenario 6) and
// checks Serialize produces byte-identical output from both: no engine- or
// process-local state (pointers, timestamps, map iteration order) leaks
// into the wire format.
func TestEngine_CompileIsDeterministicAcrossIndependentEngines(t *testing.T) {
	wasmBytes := helloModule()

	e1, err := New(DefaultConfig)
	require.NoError(t, err)
	exec1, err := e1.compileFresh(context.Background(), wasmBytes, [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)
	data1, err := exec1.Serialize()
	require.NoError(t, err)

	e2, err := New(DefaultConfig)
	require.NoError(t, err)
	exec2, err := e2.compileFresh(context.Background(), wasmBytes, [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)
	data2, err := exec2.Serialize()
	require.NoError(t, err)

	require.Equal(t, data1, data2)
}
