// Package metering implements the gas-accounting transformation spec §4.F
// describes: a direct-call to the imported "gas"/"gas64" host functions with
// a literal i32/i64 argument is intrinsified into an inline update of the
// instance's FastGasCounter instead of an actual call, and every function's
// native stack usage is checked once in its prologue against a configured
// limit rather than per-call.
//
// Grounded on original_source/tests/compilers/fast_gas_metering.rs and
// stack_limiter.rs for exact edge-case semantics: the add saturates instead
// of wrapping, and a zero-argument "burn nothing" call must still be
// recognized as intrinsifiable (it can still trip the limit if BurntGas is
// already at GasLimit).
package metering

import (
	"math"

	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// HostGasModule/HostGasField/HostGas64Field are the well-known import names
// codegen recognizes for intrinsification, matching the Rust test's
// `(import "host" "gas")` / `(import "host" "gas64")` convention.
const (
	HostGasModule    = "host"
	HostGasField     = "gas"
	HostGas64Field   = "gas64"
)

// Intrinsic describes one call site codegen can fold into an inline gas
// update instead of an actual call instruction.
type Intrinsic struct {
	FuncIndex wasm.Index
	Is64      bool
}

// Intrinsics scans a ModuleInfo's imports for "host.gas"/"host.gas64" and
// returns a lookup table codegen consults before emitting a `call`: a direct
// call whose sole operand is a constant, to one of these import indices, is
// replaced by the sequence codegen's emitInlineGasCharge generates instead.
func Intrinsics(info *wasm.ModuleInfo) map[wasm.Index]Intrinsic {
	out := map[wasm.Index]Intrinsic{}
	for i, imp := range info.Imports {
		if imp.Type != wasm.ExternTypeFunc || imp.Module != HostGasModule {
			continue
		}
		switch imp.Field {
		case HostGasField:
			out[wasm.Index(i)] = Intrinsic{FuncIndex: wasm.Index(i), Is64: false}
		case HostGas64Field:
			out[wasm.Index(i)] = Intrinsic{FuncIndex: wasm.Index(i), Is64: true}
		}
	}
	return out
}

// ChargeLiteral performs the host-side equivalent of the inline sequence
// codegen emits for an intrinsified gas call with a literal argument: used
// directly by an interpreter fallback and by tests that want to exercise the
// accounting semantics without running machine code. Saturates BurntGas at
// math.MaxUint64 and traps GasLimitExceeded once BurntGas would exceed
// GasLimit, matching the Rust suite's zero-gas-limit and i64::MAX-crossing
// cases.
func ChargeLiteral(counter *instance.FastGasCounter, amount uint64) error {
	if counter == nil {
		return nil
	}
	if counter.BurntGas == instance.GasInterrupt {
		return trap.Buffer{Code: trap.CodeInterrupt}
	}
	sum := counter.BurntGas + amount
	if sum < counter.BurntGas {
		sum = math.MaxUint64
	}
	counter.BurntGas = sum
	if counter.BurntGas > counter.GasLimit {
		return trap.Buffer{Code: trap.CodeGasLimitExceeded}
	}
	return nil
}

// MaxOpcodeCost is the i32::MAX ceiling of the Rust suite's `opcode_cost`
// dial, which this port carries as the uint64 Config.OpcodeCost /
// FastGasCounter.OpcodeCost. Nothing in this engine enforces the ceiling or
// reads OpcodeCost back: codegen emits no per-opcode charge, and an
// intrinsified gas call adds its literal argument to BurntGas without
// multiplying it by OpcodeCost.
const MaxOpcodeCost = math.MaxInt32

// StackDepthCheck is the information InitLocals-style prologue emission
// needs to hoist the stack-depth check spec §4.F describes: compare the
// post-prologue stack pointer against vmctx's configured StackLimitOffset
// and trap StackOverflow rather than faulting on the guard page, when the
// limit is tighter than the guard page alone would catch.
type StackDepthCheck struct {
	FrameBytes    uint32
	StackLimitRef int32 // VMOffsets.StackLimitOffset
}
