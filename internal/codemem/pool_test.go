package codemem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool_AllocateCopiesDataAndTracksBytes(t *testing.T) {
	p := NewPool(Limits{MaxRegions: 4, MaxBytes: 1 << 20})

	data := []byte{0xc3, 0x90, 0x90} // ret; nop; nop
	r, err := p.Allocate(len(data), ProtRX, data)
	require.NoError(t, err)
	require.Equal(t, data, r.Bytes())
	require.Equal(t, 1, p.RegionCount())
}

func TestPool_AllocateEnforcesRegionCountLimit(t *testing.T) {
	p := NewPool(Limits{MaxRegions: 1, MaxBytes: 1 << 20})

	_, err := p.Allocate(8, ProtRX, nil)
	require.NoError(t, err)

	_, err = p.Allocate(8, ProtRX, nil)
	require.Error(t, err)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
}

func TestPool_AllocateEnforcesByteCap(t *testing.T) {
	p := NewPool(Limits{MaxRegions: 100, MaxBytes: pageSize})

	_, err := p.Allocate(pageSize, ProtRX, nil)
	require.NoError(t, err)

	_, err = p.Allocate(1, ProtRX, nil)
	require.Error(t, err)
}

func TestPool_PublishFlipsProtectionAndIsIdempotent(t *testing.T) {
	p := NewPool(DefaultLimits)
	r, err := p.Allocate(64, ProtRX, nil)
	require.NoError(t, err)
	require.Equal(t, ProtRW, r.current)

	require.NoError(t, p.Publish(r))
	require.Equal(t, ProtRX, r.current)

	// Publishing again is a no-op, not an error.
	require.NoError(t, p.Publish(r))
}

func TestPool_AllocateManyPreservesOrder(t *testing.T) {
	p := NewPool(DefaultLimits)
	regions, err := p.AllocateMany(
		[]int{16, 32, 8},
		[]Protection{ProtRX, ProtRX, ProtR},
		[][]byte{{1}, {2}, {3}},
	)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	require.Equal(t, byte(1), regions[0].Bytes()[0])
	require.Equal(t, byte(2), regions[1].Bytes()[0])
	require.Equal(t, byte(3), regions[2].Bytes()[0])
}

func TestPool_ReleaseUnmapsAndDecrementsCount(t *testing.T) {
	p := NewPool(DefaultLimits)
	r, err := p.Allocate(64, ProtRX, nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.RegionCount())

	require.NoError(t, p.Release(r))
	require.Equal(t, 0, p.RegionCount())
}

func TestUnwindRegistry_RegisterLookupUnregister(t *testing.T) {
	u := NewUnwindRegistry()
	info := []byte{0xde, 0xad}
	u.Register(0x1000, info)

	got, ok := u.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, info, got)

	u.Unregister(0x1000)
	_, ok = u.Lookup(0x1000)
	require.False(t, ok)
}
