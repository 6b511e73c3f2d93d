package trap

import (
	"sort"
	"sync"
)

// Entry binds a range of published code memory to the module and function
// that occupies it, letting the Registry answer "what Wasm function owns
// this instruction pointer" for a faulting or executing address.
type Entry struct {
	Start, End uintptr // [Start, End), End exclusive
	ModuleName string
	FuncIndex  uint32
	FuncName   string
	Frame      *FrameInfo
}

// Registry maps code addresses back to their owning function. One Registry
// exists per Engine; Artifacts register their function ranges on link and
// never unregister them for the lifetime of the Engine (functions may still
// be referenced by an in-flight backtrace after their Instance is dropped).
//
// Registration uses a lazily-initialized sorted slice behind a mutex, the
// same "build once, binary-search many" shape as a frame-info lookup table;
// the mutex is only held during registration, never during lookup (lookup
// takes a snapshot of the current slice header, which is safe to read
// concurrently with appends because Register never mutates in place).
type Registry struct {
	mu      sync.Mutex
	entries []Entry // kept sorted by Start
}

// Register adds a contiguous code range to the registry. Called once per
// function immediately after codegen copies its bytes into published code
// memory and before the function pointer is handed to any caller.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Start >= e.Start })
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// Lookup finds the Entry whose range contains pc, if any.
func (r *Registry) Lookup(pc uintptr) (Entry, bool) {
	r.mu.Lock()
	entries := r.entries
	r.mu.Unlock()

	i := sort.Search(len(entries), func(i int) bool { return entries[i].Start > pc }) - 1
	if i < 0 || i >= len(entries) {
		return Entry{}, false
	}
	e := entries[i]
	if pc < e.Start || pc >= e.End {
		return Entry{}, false
	}
	return e, true
}

// Classify resolves a faulting/trapping pc to a Code and the Entry that
// contains it, for use by the platform fault handler (see handler.go) and by
// the call trampoline when a TrapCode bubbles up through a software check
// instead of a hardware fault.
func (r *Registry) Classify(pc uintptr) (Code, Entry, bool) {
	e, ok := r.Lookup(pc)
	if !ok {
		return 0, Entry{}, false
	}
	offset := uint32(pc - e.Start)
	if e.Frame != nil {
		if code, ok := e.Frame.LookupTrapCode(offset); ok {
			return code, e, true
		}
	}
	return CodeUnreachable, e, true
}
