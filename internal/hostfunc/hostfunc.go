// Package hostfunc implements the one generic adapter this engine provides
// for calling host-defined (Go) functions from compiled Wasm code: a single
// assembly bridge, hostCallBridge (hostfunc_amd64.s), that any host import
// is wired through regardless of its actual arity, together with the Go
// dispatcher it forwards into.
//
// Grounded on internal/instance/memgrow_amd64.s's own native-to-Go bridge
// (SysV integer registers saved to a fixed stack frame, then a plain Go
// CALL), generalized from that file's single fixed signature to up to five
// uint64 arguments plus the FuncEnv-supplied entry pointer every dynamic
// import trampoline already shifts into RDI ahead of the wasm arguments
// (see internal/artifact/trampoline.go).
package hostfunc

import (
	"reflect"
	"unsafe"

	"github.com/tetratelabs/wasmxc/internal/trap"
)

// Func is a host function body. args always holds five entries, one per
// argument register the bridge forwards, whatever the import's own arity;
// integers and floats alike reinterpreted bit-for-bit the way spec §6
// describes every VM-boundary value, and the single allowed result (if any)
// is returned the same way.
type Func func(args []uint64) (uint64, error)

// entry pins one registered Func behind a stable address: FuncEnv in the
// dynamic-import trampoline sense is literally &entry, and hostDispatch
// recovers the Func from it without any separate lookup table.
type entry struct {
	fn Func
	// lastTrap records the trap raised by the most recent call through this
	// entry (CodeUnreachable for an error that is not a trap.Buffer); the
	// failed call itself returns 0 to the compiled caller. Nothing outside
	// this package reads lastTrap, so a failed host call is not reported to
	// the caller of CallExported.
	lastTrap *trap.Buffer
}

// registeredEntries keeps every entry reachable from the Go heap for the
// engine's lifetime: FuncEnv only stores the bare address, so the
// corresponding *entry must never be collected while an Artifact can still
// call through it.
var registeredEntries []*entry

// Register pins fn and returns the address to store as an import's FuncEnv;
// FuncBody for every registered Func is always BridgePointer().
func Register(fn Func) uintptr {
	e := &entry{fn: fn}
	registeredEntries = append(registeredEntries, e)
	return uintptr(unsafe.Pointer(e))
}

// hostCallBridge is implemented in hostfunc_amd64.s: it is CALLed with the
// registered entry's address in RDI (placed there by the dynamic-import
// trampoline's register shift) and up to five wasm arguments in
// RSI/RDX/RCX/R8/R9, and forwards to hostDispatch.
func hostCallBridge()

// BridgePointer resolves hostCallBridge's native entry address, the same
// reflect.ValueOf(...).Pointer() trick instance.memoryGrowBridgePointer uses.
func BridgePointer() uintptr {
	return reflect.ValueOf(hostCallBridge).Pointer()
}

// hostDispatch is hostCallBridge's Go-side half.
func hostDispatch(envPtr uintptr, a0, a1, a2, a3, a4 uint64) uint64 {
	e := (*entry)(unsafe.Pointer(envPtr))
	ret, err := e.fn([]uint64{a0, a1, a2, a3, a4})
	if err != nil {
		if buf, ok := err.(trap.Buffer); ok {
			e.lastTrap = &buf
		} else {
			e.lastTrap = &trap.Buffer{Code: trap.CodeUnreachable}
		}
		return 0
	}
	e.lastTrap = nil
	return ret
}
