// Package sigregistry implements the engine-wide signature registry (spec
// §4.A): it interns FunctionTypes into dense, stable SharedSignatureIndex
// values so that indirect-call checks at call sites reduce to a single u32
// compare, regardless of which module declared the signature.
package sigregistry

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// Index is the engine-wide, portable identity of a FunctionType: two
// registrations of equal types always yield the same Index, even across
// different modules loaded into the same Engine. Corresponds to
// VMSharedSignatureIndex in spec.md.
type Index uint32

// Registry maps FunctionType -> Index bijectively. Safe for concurrent use;
// guarded by a single lock held briefly during registration, matching the
// teacher engine's own sync.RWMutex-guarded per-engine maps
// (internal/engine/compiler/engine.go's `codes map[...][]*code`).
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]Index
	byIndex []*wasm.FunctionType
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byKey: map[string]Index{}}
}

// Register interns ty, returning its existing Index if an equal type was
// already registered (idempotent), or minting a new one otherwise. Panics if
// more than 2^32-1 distinct signatures would be registered, per spec.md
// §4.A ("fails only by panic").
func (r *Registry) Register(ty *wasm.FunctionType) Index {
	key := signatureKey(ty)

	r.mu.RLock()
	if idx, ok := r.byKey[key]; ok {
		r.mu.RUnlock()
		return idx
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another goroutine may have registered
	// the same signature between the RUnlock above and this Lock.
	if idx, ok := r.byKey[key]; ok {
		return idx
	}
	if uint64(len(r.byIndex)) >= 1<<32-1 {
		panic("sigregistry: more than 2^32-1 distinct signatures registered")
	}
	idx := Index(len(r.byIndex))
	r.byIndex = append(r.byIndex, ty)
	r.byKey[key] = idx
	return idx
}

// Lookup returns the FunctionType previously registered at idx.
func (r *Registry) Lookup(idx Index) (*wasm.FunctionType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.byIndex) {
		return nil, false
	}
	return r.byIndex[idx], true
}

// Len returns the number of distinct signatures registered so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}

func signatureKey(ty *wasm.FunctionType) string {
	buf := make([]byte, 0, len(ty.Params)+len(ty.Results)+2)
	buf = append(buf, byte(len(ty.Params)))
	for _, p := range ty.Params {
		buf = append(buf, byte(p))
	}
	buf = append(buf, byte(len(ty.Results)))
	for _, r := range ty.Results {
		buf = append(buf, byte(r))
	}
	return string(buf)
}

// MustLookup is a convenience wrapper for call sites that have already
// established idx came from this Registry (e.g. via a prior Register call
// recorded in an Artifact); it panics rather than returning an error since a
// miss indicates an engine-internal bookkeeping bug.
func (r *Registry) MustLookup(idx Index) *wasm.FunctionType {
	ty, ok := r.Lookup(idx)
	if !ok {
		panic(fmt.Sprintf("sigregistry: no signature registered at index %d", idx))
	}
	return ty
}
