package trap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupFindsContainingRange(t *testing.T) {
	r := &Registry{}
	r.Register(Entry{Start: 0x2000, End: 0x2100, FuncIndex: 1})
	r.Register(Entry{Start: 0x1000, End: 0x1100, FuncIndex: 0})
	r.Register(Entry{Start: 0x3000, End: 0x3200, FuncIndex: 2})

	tests := []struct {
		name      string
		pc        uintptr
		wantFound bool
		wantFunc  uint32
	}{
		{"start of first range", 0x1000, true, 0},
		{"middle of first range", 0x1050, true, 0},
		{"end exclusive of first range", 0x1100, false, 0},
		{"middle of second range", 0x2050, true, 1},
		{"middle of third range", 0x3100, true, 2},
		{"before all ranges", 0x0500, false, 0},
		{"gap between ranges", 0x1500, false, 0},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			e, ok := r.Lookup(tc.pc)
			require.Equal(t, tc.wantFound, ok)
			if tc.wantFound {
				require.Equal(t, tc.wantFunc, e.FuncIndex)
			}
		})
	}
}

func TestRegistry_ClassifyUsesTrapSites(t *testing.T) {
	r := &Registry{}
	frame := &FrameInfo{TrapSites: []Site{{CodeOffset: 0x10, Code: CodeBadSignature}}}
	r.Register(Entry{Start: 0x4000, End: 0x4100, FuncIndex: 5, Frame: frame})

	code, entry, ok := r.Classify(0x4010)
	require.True(t, ok)
	require.Equal(t, CodeBadSignature, code)
	require.Equal(t, uint32(5), entry.FuncIndex)

	// An address inside the range but not a registered trap site falls
	// back to CodeUnreachable, never to a found=false result.
	code, _, ok = r.Classify(0x4020)
	require.True(t, ok)
	require.Equal(t, CodeUnreachable, code)
}

func TestFrameInfo_LookupSourcePosition(t *testing.T) {
	f := &FrameInfo{SourceMap: []SourcePosition{
		{CodeOffset: 0, WasmOffset: 2},
		{CodeOffset: 10, WasmOffset: 5},
		{CodeOffset: 20, WasmOffset: 9},
	}}

	pos, ok := f.LookupSourcePosition(15)
	require.True(t, ok)
	require.Equal(t, uint32(5), pos)

	pos, ok = f.LookupSourcePosition(0)
	require.True(t, ok)
	require.Equal(t, uint32(2), pos)

	empty := &FrameInfo{}
	_, ok = empty.LookupSourcePosition(0)
	require.False(t, ok)

	pos, ok = f.LookupSourcePosition(100)
	require.True(t, ok)
	require.Equal(t, uint32(9), pos)
}
