package u32

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeBytes(t *testing.T) {
	for _, v := range []uint32{0, math.MaxInt32, math.MaxUint32} {
		expected := make([]byte, 4)
		binary.LittleEndian.PutUint32(expected, v)
		require.Equal(t, expected, LeBytes(v))
	}
}
