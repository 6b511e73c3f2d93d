package metering

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

func TestIntrinsics_FindsGasImports(t *testing.T) {
	info := &wasm.ModuleInfo{
		Imports: []*wasm.Import{
			{Module: "host", Field: "hit", Type: wasm.ExternTypeFunc},
			{Module: "host", Field: "gas", Type: wasm.ExternTypeFunc},
			{Module: "host", Field: "gas64", Type: wasm.ExternTypeFunc},
			{Module: "other", Field: "gas", Type: wasm.ExternTypeFunc},
		},
	}
	got := Intrinsics(info)
	require.Len(t, got, 2)
	require.Equal(t, Intrinsic{FuncIndex: 1, Is64: false}, got[1])
	require.Equal(t, Intrinsic{FuncIndex: 2, Is64: true}, got[2])
}

func TestChargeLiteral_CrossesLimit(t *testing.T) {
	c := &instance.FastGasCounter{GasLimit: 300}
	require.NoError(t, ChargeLiteral(c, 126))
	require.NoError(t, ChargeLiteral(c, 149))
	err := ChargeLiteral(c, 150)
	require.Error(t, err)
	var b trap.Buffer
	require.ErrorAs(t, err, &b)
	require.Equal(t, trap.CodeGasLimitExceeded, b.Code)
}

func TestChargeLiteral_ZeroLimitRejectsAnyCharge(t *testing.T) {
	c := &instance.FastGasCounter{GasLimit: 0}
	require.NoError(t, ChargeLiteral(c, 0))
	require.Error(t, ChargeLiteral(c, 1))
}

func TestChargeLiteral_SaturatesAtMaxUint64(t *testing.T) {
	c := &instance.FastGasCounter{BurntGas: ^uint64(0) - 5, GasLimit: ^uint64(0) - 10}
	require.Error(t, ChargeLiteral(c, 100))
}

func TestChargeLiteral_InterruptSentinel(t *testing.T) {
	c := &instance.FastGasCounter{BurntGas: instance.GasInterrupt, GasLimit: 1000}
	err := ChargeLiteral(c, 1)
	require.Error(t, err)
	var b trap.Buffer
	require.ErrorAs(t, err, &b)
	require.Equal(t, trap.CodeInterrupt, b.Code)
}
