package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFunctionType_Equal(t *testing.T) {
	tests := []struct {
		name     string
		a, b     *FunctionType
		expected bool
	}{
		{
			name:     "both empty",
			a:        &FunctionType{},
			b:        &FunctionType{},
			expected: true,
		},
		{
			name:     "same params and results",
			a:        &FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI64}},
			b:        &FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI64}},
			expected: true,
		},
		{
			name:     "different params",
			a:        &FunctionType{Params: []ValueType{ValueTypeI32}},
			b:        &FunctionType{Params: []ValueType{ValueTypeI64}},
			expected: false,
		},
		{
			name:     "different arity",
			a:        &FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI32}},
			b:        &FunctionType{Params: []ValueType{ValueTypeI32}},
			expected: false,
		},
		{
			name:     "nil rhs",
			a:        &FunctionType{},
			b:        nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.a.Equal(tc.b))
		})
	}
}

func TestCounts_FunctionIndexRoundTrip(t *testing.T) {
	c := Counts{ImportedFunctions: 3}

	for local := Index(0); local < 5; local++ {
		full := c.FunctionIndex(local)
		require.False(t, c.IsImportedFunction(full))
		require.Equal(t, local, c.LocalFunctionIndex(full))
	}

	for imported := Index(0); imported < c.ImportedFunctions; imported++ {
		require.True(t, c.IsImportedFunction(imported))
	}
}

func TestModuleInfo_TypeOfAndCodeOf(t *testing.T) {
	m := &ModuleInfo{
		Types:     []*FunctionType{{Results: []ValueType{ValueTypeI32}}},
		Functions: []Index{0, 0},
		Codes:     []Code{{Body: []byte{0x0b}}},
		Counts:    Counts{ImportedFunctions: 1},
	}

	require.True(t, m.TypeOf(0).Equal(m.TypeOf(1)))
	require.Equal(t, []byte{0x0b}, m.CodeOf(1).Body)
}
