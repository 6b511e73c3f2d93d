package executable

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tetratelabs/wasmxc/internal/codegen"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/leb128"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// frame wraps a raw msgpack payload in the spec §6 header/length/trailer
// shape, the same framing Serialize itself applies, so tests can construct
// malformed-but-otherwise-valid buffers without duplicating Serialize's
// logic wholesale.
func frame(t *testing.T, schemaVersion byte, payload []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	out.Write(magic)
	reserved := make([]byte, headerLen-len(magic))
	reserved[0] = schemaVersion
	out.Write(reserved)
	out.Write(leb128.EncodeUint32(uint32(len(payload))))
	out.Write(payload)
	var trailer [trailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:], 0)
	out.Write(trailer[:])
	return out.Bytes()
}

func sampleExecutable() *Executable {
	info := &wasm.ModuleInfo{
		Types:     []*wasm.FunctionType{{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}},
		Functions: []wasm.Index{0},
		Codes:     []wasm.Code{{}},
	}
	cmi := &wasm.CompileModuleInfo{ModuleInfo: info}
	return &Executable{
		ModuleInfo: cmi,
		Offsets:    instance.NewVMOffsets(info),
		Functions: []Function{{
			LocalIndex:  0,
			Signature:   3,
			Code:        []byte{0xc3},
			Relocations: []codegen.Relocation{{Kind: codegen.RelocationLocalCall, Offset: 4, Target: 1}},
		}},
		Signatures:          info.Types,
		RequiredCPUFeatures: 0x1,
	}
}

func TestExecutable_SerializeDeserializeRoundTrips(t *testing.T) {
	exec := sampleExecutable()

	data, err := exec.Serialize()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.True(t, bytes.HasPrefix(data, magic))

	got, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, CurrentFormatVersion, int(got.FormatVersion))
	require.Equal(t, exec.RequiredCPUFeatures, got.RequiredCPUFeatures)
	require.Len(t, got.Functions, 1)
	require.Equal(t, exec.Functions[0].Code, got.Functions[0].Code)
	require.Equal(t, exec.Functions[0].Relocations, got.Functions[0].Relocations)
}

func TestExecutable_SerializeWritesSpecSixHeader(t *testing.T) {
	exec := sampleExecutable()
	data, err := exec.Serialize()
	require.NoError(t, err)

	require.Equal(t, []byte("\x00wasmer-universal"), data[:len(magic)])
	require.Equal(t, byte(reservedSchemaVersion), data[len(magic)])
	require.Greater(t, len(data), headerLen+trailerLen)

	trailer := data[len(data)-trailerLen:]
	rootPosition := binary.LittleEndian.Uint64(trailer)
	require.Zero(t, rootPosition)
}

func TestDeserialize_RejectsMissingMagic(t *testing.T) {
	exec := sampleExecutable()
	data, err := exec.Serialize()
	require.NoError(t, err)
	data[0] = 'X' // corrupt the leading magic byte

	_, err = Deserialize(data)
	require.Error(t, err)
}

func TestDeserialize_RejectsForeignBuffer(t *testing.T) {
	_, err := Deserialize([]byte("not a wasmxc executable at all"))
	require.Error(t, err)
}

func TestDeserialize_RejectsUnknownSchemaVersion(t *testing.T) {
	payload, err := msgpack.Marshal(sampleExecutable())
	require.NoError(t, err)

	data := frame(t, reservedSchemaVersion+1, payload)
	_, err = Deserialize(data)
	require.Error(t, err)
}

func TestDeserialize_RejectsUnknownFormatVersion(t *testing.T) {
	exec := sampleExecutable()
	exec.FormatVersion = CurrentFormatVersion + 1 // Serialize always stamps the current version, so encode directly.

	payload, err := msgpack.Marshal(exec)
	require.NoError(t, err)

	data := frame(t, reservedSchemaVersion, payload)
	_, err = Deserialize(data)
	require.Error(t, err)
}

func TestDeserialize_RejectsTruncatedPayload(t *testing.T) {
	exec := sampleExecutable()
	data, err := exec.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(data[:len(data)-trailerLen-1])
	require.Error(t, err)
}

func TestExecutable_FunctionByLocalIndex(t *testing.T) {
	exec := sampleExecutable()

	fn := exec.FunctionByLocalIndex(0)
	require.NotNil(t, fn)
	require.Equal(t, []byte{0xc3}, fn.Code)

	require.Nil(t, exec.FunctionByLocalIndex(1))
}
