package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/codemem"
	"github.com/tetratelabs/wasmxc/internal/instance"
)

// helloModule is `(module (func (export "f") (result i32) i32.const 42))`
// hand-assembled, the same fixture internal/translate's own tests use.
func helloModule() []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 1, 5, 1, 0x60, 0, 1, 0x7f)
	b = append(b, 3, 2, 1, 0)
	b = append(b, 7, 5, 1, 1, 'f', 0, 0)
	b = append(b, 10, 6, 1, 4, 0, 0x41, 42, 0x0b)
	return b
}

func TestEngine_CompileLinksAndExportsFunction(t *testing.T) {
	e, err := New(Config{CodeMemory: codemem.DefaultLimits, CompiledCacheSize: 4})
	require.NoError(t, err)

	art, err := e.Compile(context.Background(), helloModule(), instance.DefaultTunables{}, "hello")
	require.NoError(t, err)

	idx, ok := art.ExportedFunctionIndex("f")
	require.True(t, ok)
	require.Zero(t, idx)
	require.NotZero(t, art.LocalFunctionPointer(0))
}

func TestEngine_CompileIsCachedByContentHash(t *testing.T) {
	e, err := New(DefaultConfig)
	require.NoError(t, err)

	wasmBytes := helloModule()
	art1, err := e.Compile(context.Background(), wasmBytes, instance.DefaultTunables{}, "hello")
	require.NoError(t, err)
	art2, err := e.Compile(context.Background(), wasmBytes, instance.DefaultTunables{}, "hello-again")
	require.NoError(t, err)

	// Same underlying compiled code, because the second call hit the cache
	// instead of recompiling: both Artifacts' function 0 lands at the same
	// offset shape even though each has its own code-memory region.
	require.NotZero(t, art1.LocalFunctionPointer(0))
	require.NotZero(t, art2.LocalFunctionPointer(0))
}

func TestEngine_CompileRejectsInvalidModule(t *testing.T) {
	e, err := New(DefaultConfig)
	require.NoError(t, err)

	_, err = e.Compile(context.Background(), []byte{0, 0, 0, 0}, instance.DefaultTunables{}, "bad")
	require.Error(t, err)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "translate", cerr.Stage)
}

func TestEngine_HeadlessRoundTripsThroughSerialize(t *testing.T) {
	e, err := New(DefaultConfig)
	require.NoError(t, err)

	exec, err := e.compileFresh(context.Background(), helloModule(), [32]byte{}, instance.DefaultTunables{})
	require.NoError(t, err)

	data, err := exec.Serialize()
	require.NoError(t, err)

	art, err := e.Headless(data, "hello-headless")
	require.NoError(t, err)

	idx, ok := art.ExportedFunctionIndex("f")
	require.True(t, ok)
	require.Zero(t, idx)
}
