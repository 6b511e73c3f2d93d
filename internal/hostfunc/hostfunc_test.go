package hostfunc

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmxc/internal/trap"
)

func TestRegister_PinsDistinctAddresses(t *testing.T) {
	addr1 := Register(func(args []uint64) (uint64, error) { return args[0] + 1, nil })
	addr2 := Register(func(args []uint64) (uint64, error) { return args[0] + 2, nil })
	require.NotEqual(t, addr1, addr2)
}

func TestHostDispatch_ForwardsArgsAndReturnsResult(t *testing.T) {
	addr := Register(func(args []uint64) (uint64, error) {
		return args[0] + args[1] + args[2] + args[3] + args[4], nil
	})

	got := hostDispatch(addr, 1, 2, 3, 4, 5)
	require.Equal(t, uint64(15), got)
}

func TestHostDispatch_RecordsTrapOnError(t *testing.T) {
	addr := Register(func(args []uint64) (uint64, error) {
		return 0, errors.New("boom")
	})

	got := hostDispatch(addr, 0, 0, 0, 0, 0)
	require.Equal(t, uint64(0), got)

	e := (*entry)(unsafe.Pointer(addr))
	require.NotNil(t, e.lastTrap)
	require.Equal(t, trap.CodeUnreachable, e.lastTrap.Code)
}

func TestHostDispatch_ClearsTrapOnSuccessAfterFailure(t *testing.T) {
	fail := true
	addr := Register(func(args []uint64) (uint64, error) {
		if fail {
			return 0, errors.New("boom")
		}
		return 42, nil
	})

	hostDispatch(addr, 0, 0, 0, 0, 0)
	fail = false
	got := hostDispatch(addr, 0, 0, 0, 0, 0)
	require.Equal(t, uint64(42), got)

	e := (*entry)(unsafe.Pointer(addr))
	require.Nil(t, e.lastTrap)
}

func TestBridgePointer_IsNonZero(t *testing.T) {
	require.NotZero(t, BridgePointer())
}
