package sigregistry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

func TestRegistry_RegisterIsIdempotentForEqualTypes(t *testing.T) {
	r := New()

	t1 := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI64}}
	t2 := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI64}}

	idx1 := r.Register(t1)
	idx2 := r.Register(t2)
	require.Equal(t, idx1, idx2)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_DistinctTypesGetDistinctIndices(t *testing.T) {
	r := New()

	idxEmpty := r.Register(&wasm.FunctionType{})
	idxI32 := r.Register(&wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}})
	idxI64 := r.Register(&wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI64}})

	require.NotEqual(t, idxEmpty, idxI32)
	require.NotEqual(t, idxI32, idxI64)
	require.Equal(t, 3, r.Len())
}

func TestRegistry_LookupRoundTrips(t *testing.T) {
	r := New()
	ty := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{wasm.ValueTypeF32}}
	idx := r.Register(ty)

	got, ok := r.Lookup(idx)
	require.True(t, ok)
	require.True(t, got.Equal(ty))

	_, ok = r.Lookup(idx + 1)
	require.False(t, ok)
}

// TestRegistry_ConcurrentRegisterIsSafe exercises the RLock/Lock re-check
// pattern: many goroutines racing to register the same signature must all
// observe a single minted index.
func TestRegistry_ConcurrentRegisterIsSafe(t *testing.T) {
	r := New()
	const n = 64
	indices := make([]Index, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			indices[i] = r.Register(&wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}})
		}()
	}
	wg.Wait()

	for _, idx := range indices {
		require.Equal(t, indices[0], idx)
	}
	require.Equal(t, 1, r.Len())
}
