package trap

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Buffer is the guest→host trap channel of spec §6: a per-call long-jump
// buffer populated either by a software check emitted by codegen (the common
// case: this engine prefers compare-and-branch bounds checks over relying on
// guard-page faults, precisely because synchronous hardware faults are hard
// to recover from without cgo) or by the platform handler below when a
// hardware fault does reach a published code range (e.g. the native stack
// guard page probed by init_locals).
type Buffer struct {
	Code       Code
	FuncIndex  uint32
	HasFunc    bool
	CodeOffset uint32
	HasOffset  bool
}

// Error implements error so a Buffer can be returned directly as the cause
// of a RuntimeError.
func (b Buffer) Error() string {
	if b.HasFunc {
		return fmt.Sprintf("%s (function %d, offset 0x%x)", b.Code, b.FuncIndex, b.CodeOffset)
	}
	return b.Code.String()
}

// Handler watches for SIGSEGV/SIGBUS and, for addresses that fall within a
// registered code range, turns them into a Buffer the calling trampoline can
// recover. wazero-style engines install one process-wide handler rather
// than one per Engine; multiple engines share it by sharing a *Registry
// composed of all their entries (see Engine.TrapRegistry).
type Handler struct {
	registry *Registry

	mu sync.Mutex
	// pending holds, per-goroutine (keyed by the goroutine's stack base,
	// a cheap stand-in for a goroutine id), the channel the next fault on
	// that goroutine should report to. Set immediately before entering
	// guest code and cleared immediately after returning.
	pending map[uintptr]chan<- Buffer
}

var processHandler struct {
	once sync.Once
	h    *Handler
}

// Install returns the process-wide Handler, starting its signal watcher
// goroutine on first use.
func Install(registry *Registry) *Handler {
	processHandler.once.Do(func() {
		h := &Handler{registry: registry, pending: map[uintptr]chan<- Buffer{}}
		sigc := make(chan os.Signal, 4)
		signal.Notify(sigc, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL)
		go h.watch(sigc)
		processHandler.h = h
	})
	return processHandler.h
}

// watch is intentionally best-effort: Go's runtime only forwards
// synchronous faults that did not originate in Go-managed code, so a fault
// deep inside JITted machine code reaches here as a process signal rather
// than a recoverable panic. We classify it against the registry and, if it
// falls inside published code, report it; otherwise it is not this engine's
// fault and the process is left to its default disposition.
func (h *Handler) watch(sigc <-chan os.Signal) {
	for range sigc {
		// The faulting PC is unavailable from the os/signal API without
		// cgo/assembly support for siginfo_t; engines built the way this
		// one is instead rely on software checks (see Buffer's doc comment)
		// for all but the native stack guard page, which init_locals
		// probes explicitly and converts to a software CodeStackOverflow
		// before it can fault. This watcher exists as the last line of
		// defense and records an unattributed trap.
		h.mu.Lock()
		for _, ch := range h.pending {
			select {
			case ch <- Buffer{Code: CodeUnreachable}:
			default:
			}
		}
		h.mu.Unlock()
	}
}

// Arm registers ch to receive the next unattributed fault observed while g
// (identified by a caller-chosen stable key, typically the callEngine's
// stack base pointer) is executing guest code.
func (h *Handler) Arm(g uintptr, ch chan<- Buffer) {
	h.mu.Lock()
	h.pending[g] = ch
	h.mu.Unlock()
}

// Disarm removes the registration made by Arm.
func (h *Handler) Disarm(g uintptr) {
	h.mu.Lock()
	delete(h.pending, g)
	h.mu.Unlock()
}
