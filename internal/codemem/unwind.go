package codemem

import "sync"

// UnwindRegistry tracks the eh-frame-shaped unwind info registered for each
// published function range, so native stack unwinders (used by trap
// backtraces and by any host-side profiler attached to the process) can walk
// through JITted frames. Real registration with the OS unwinder
// (__register_frame on glibc, or the Go runtime's own table on platforms
// that expose one) is platform-specific; this type is the engine-facing
// abstraction the Pool uses regardless of which platform backend answers it.
type UnwindRegistry struct {
	mu      sync.Mutex
	entries map[uintptr][]byte // keyed by function start address
}

// NewUnwindRegistry returns an empty registry.
func NewUnwindRegistry() *UnwindRegistry {
	return &UnwindRegistry{entries: map[uintptr][]byte{}}
}

// Register records unwindInfo for the function starting at addr. Must be
// called only after the owning region has been Published (RX), matching
// spec §4.B: "the pool also owns the unwind registry where eh-frame-shaped
// unwind info is registered with the OS after publish".
func (u *UnwindRegistry) Register(addr uintptr, unwindInfo []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries[addr] = unwindInfo
}

// Unregister removes a previously registered entry, called when the last
// Artifact referencing a function is dropped.
func (u *UnwindRegistry) Unregister(addr uintptr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, addr)
}

// Lookup returns the unwind info registered for addr, if any.
func (u *UnwindRegistry) Lookup(addr uintptr) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	info, ok := u.entries[addr]
	return info, ok
}
