package u64

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeBytes(t *testing.T) {
	for _, v := range []uint64{0, math.MaxUint32, math.MaxUint64} {
		expected := make([]byte, 8)
		binary.LittleEndian.PutUint64(expected, v)
		require.Equal(t, expected, LeBytes(v))
	}
}
