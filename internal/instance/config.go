package instance

import "github.com/tetratelabs/wasmxc/internal/sigregistry"

// FastGasCounter is pinned in the caller's memory and read/updated directly
// by emitted code (spec §3). The field order and widths are load-bearing:
// codegen's gas-check sequence addresses these by fixed offset, not by Go
// struct reflection.
type FastGasCounter struct {
	BurntGas   uint64
	GasLimit   uint64
	OpcodeCost uint64
}

// GasInterrupt is the sentinel a host can write into BurntGas to force the next gas check to trap Interrupt rather than GasLimitExceeded,
// per spec §5's "Cancellation" (the engine has no preemptive stop otherwise).
const GasInterrupt = ^uint64(0)

// Config bundles the enumerated instance configuration options spec §6
// lists: gas metering, the native stack limit, and the opcode cost multiplier.
type Config struct {
	GasCounter *FastGasCounter
	StackLimit uint64
	OpcodeCost uint64
	// Signatures is the engine-wide registry New uses to resolve a function
	// import's declared FunctionType to a comparable sigregistry.Index for
	// checkFunc, independent of which Artifact the import came from.
	Signatures *sigregistry.Registry
}
