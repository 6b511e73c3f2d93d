// Package executable implements the serializable compiled output of one
// module (spec §4.G): every local function's machine code and relocations,
// the per-import dynamic-import trampoline shape, custom sections carried
// through for embedder use, and the CPU feature bitmask the artifact loader
// checks before publishing the code into executable memory.
//
// Grounded on the teacher's internal/engine/compiler/compiler.go's
// compiledFunction/staticData split (one compiled unit per function, kept
// separate from the per-instance runtime state) and on
// internal/wasm/binary's custom-section carry-through; the on-disk payload
// is msgpack, the corpus's convention, rather than the teacher's own
// gob-free in-memory-only design, wrapped in the fixed wasmer-universal
// magic header, LEB128 length prefix, and little-endian root-position
// trailer spec §6 requires of any serialized Executable.
package executable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tetratelabs/wasmxc/internal/codegen"
	"github.com/tetratelabs/wasmxc/internal/instance"
	"github.com/tetratelabs/wasmxc/internal/leb128"
	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/trap"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// CustomSection is a named, un-interpreted payload carried from the binary's
// custom sections (e.g. name section, producers section) through to
// wherever an embedder wants to inspect it, per spec §4.G.
type CustomSection struct {
	Name string
	Data []byte
}

// Function is one local function's compiled output, plus the bookkeeping
// the artifact linker needs to resolve its relocations and register its
// frame info.
type Function struct {
	LocalIndex  wasm.Index
	Signature   sigregistry.Index
	Code        []byte
	Relocations []codegen.Relocation
	Frame       trap.FrameInfo
	FrameBytes  uint32
}

// Executable is the durable, serializable result of compiling one
// ModuleInfo: no code memory has been allocated yet, and no addresses have
// been resolved. Loading an Executable into a usable Artifact is a separate
// step (internal/artifact) that the headless load-only path can skip, per
// spec §4.I's "headless() loads without requiring a compiler".
type Executable struct {
	ModuleInfo *wasm.CompileModuleInfo
	Offsets    *instance.VMOffsets

	Functions []Function
	// Signatures holds the module's type section (ModuleInfo.Types) in
	// type-index order. Loading does not register these into a Registry:
	// Functions[i].Signature keeps the indices of the Engine that compiled
	// this Executable (see DESIGN.md §H).
	Signatures []*wasm.FunctionType

	CustomSections []CustomSection

	// RequiredCPUFeatures is the bitmask platform.CPUFeatures().Bitmask()
	// produced on the machine that compiled this Executable; artifact.Link
	// rejects publishing on a host whose own bitmask doesn't satisfy it.
	RequiredCPUFeatures uint64

	// FormatVersion guards against loading an Executable serialized by an
	// incompatible build of this engine; bump whenever the wire shape here
	// or in codegen.Relocation changes in a way old loaders can't ignore.
	FormatVersion uint32
}

// CurrentFormatVersion is written into every Executable this build produces.
const CurrentFormatVersion = 1

// magic is the fixed header every serialized Executable starts with: a NUL
// byte followed by "wasmer-universal", 17 bytes total. A loader MUST reject
// any buffer not starting with this exact sequence.
var magic = []byte("\x00wasmer-universal")

// headerLen is len(magic) plus 5 reserved bytes, for 22 header bytes total.
// Backward-incompatibility is signalled by bumping reservedSchemaVersion,
// the first reserved byte; the remaining four are zeroed and ignored by this
// build.
const headerLen = 22

// reservedSchemaVersion is this build's value for the header's first
// reserved byte (spec §9's "one-byte schemaVersion already left in the
// header's reserved bytes for a future non-portable variant"). This engine
// resolves the Open Question in favor of non-portable signature indices
// (DESIGN.md §H), so a loader encountering a schemaVersion other than this
// one cannot assume the payload's SharedSignatureIndex values were computed
// against a compatible registry shape.
const reservedSchemaVersion = 1

// trailerLen is the 8-byte little-endian root-position trailer's width.
const trailerLen = 8

// Serialize encodes e into the spec §6 wire format: the fixed magic header,
// a LEB128-encoded length prefix, the msgpack-encoded payload (this
// engine's stand-in for the spec's zero-copy archival serializer — the
// corpus's compact self-describing choice wherever a teacher-adjacent repo
// needed one without pulling in protobuf's code generation step), and an
// 8-byte little-endian root-position trailer. Since msgpack decodes
// recursively from the start of its own buffer rather than through pointer
// offsets into an arena, the root position is always 0: the root object is
// the first (and only) thing the payload decodes to.
func (e *Executable) Serialize() ([]byte, error) {
	e.FormatVersion = CurrentFormatVersion

	var payload bytes.Buffer
	enc := msgpack.NewEncoder(&payload)
	enc.SetCustomStructTag("msgpack")
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("executable: serialize: %w", err)
	}

	var out bytes.Buffer
	out.Write(magic)
	reserved := make([]byte, headerLen-len(magic))
	reserved[0] = reservedSchemaVersion
	out.Write(reserved)
	out.Write(leb128.EncodeUint32(uint32(payload.Len())))
	out.Write(payload.Bytes())

	var trailer [trailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:], 0) // root position: payload offset 0
	out.Write(trailer[:])

	return out.Bytes(), nil
}

// Deserialize decodes an Executable previously produced by Serialize,
// rejecting any buffer not starting with the spec §6 magic header.
func Deserialize(data []byte) (*Executable, error) {
	if len(data) < headerLen || !bytes.HasPrefix(data, magic) {
		return nil, fmt.Errorf("executable: deserialize: missing wasmer-universal magic header")
	}
	schemaVersion := data[len(magic)]
	if schemaVersion != reservedSchemaVersion {
		return nil, fmt.Errorf("executable: deserialize: schema version %d unsupported (want %d)", schemaVersion, reservedSchemaVersion)
	}

	body := data[headerLen:]
	payloadLen, n, err := leb128.LoadUint32(body)
	if err != nil {
		return nil, fmt.Errorf("executable: deserialize: reading payload length: %w", err)
	}
	body = body[n:]
	if uint64(len(body)) < uint64(payloadLen)+trailerLen {
		return nil, fmt.Errorf("executable: deserialize: buffer truncated before end of payload and root-position trailer")
	}
	payload := body[:payloadLen]
	trailer := body[payloadLen : payloadLen+trailerLen]
	rootPosition := binary.LittleEndian.Uint64(trailer)
	if rootPosition != 0 {
		return nil, fmt.Errorf("executable: deserialize: unsupported non-zero root position %d", rootPosition)
	}

	var e Executable
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("executable: deserialize: %w", err)
	}
	if e.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("executable: format version %d unsupported (want %d)", e.FormatVersion, CurrentFormatVersion)
	}
	return &e, nil
}

// FunctionByLocalIndex returns the compiled Function for the given
// post-import local index, or nil if out of range.
func (e *Executable) FunctionByLocalIndex(local wasm.Index) *Function {
	if int(local) >= len(e.Functions) {
		return nil
	}
	return &e.Functions[local]
}
