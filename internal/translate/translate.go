// Package translate decodes a binary Wasm module into a wasm.ModuleInfo, the
// "translate" stage spec.md's control-flow diagram names but leaves
// unspecified ("source bytes -> validate -> translate ... -> middleware
// chain ... -> codegen"). Grounded directly on the teacher repo's own
// internal/wasm/binary section-reader conventions (one decode function per
// section id, LEB128-prefixed vectors throughout), rather than on
// github.com/tetratelabs/wabin: wabin's exact exported API could not be
// confirmed from the retrieved pack (only a thin wrapper project referenced
// it, with no copy of its source), so the decoder below is written directly
// against the teacher's own documented format instead of guessing at a
// third-party signature. See DESIGN.md for the full justification.
package translate

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/leb128"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// DecodeError reports a malformed or invalid binary, surfaced from Engine's
// compile path as CompileError.Wasm (spec §7).
type DecodeError struct {
	Pos int
	Msg string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("translate: offset %d: %s", e.Pos, e.Msg) }

const (
	sectionCustom = iota
	sectionType
	sectionImport
	sectionFunction
	sectionTable
	sectionMemory
	sectionGlobal
	sectionExport
	sectionStart
	sectionElement
	sectionCode
	sectionData
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d}
var version = []byte{0x01, 0x00, 0x00, 0x00}

// reader is a cursor over a binary module; every decode method advances pos
// and returns a *DecodeError on truncation, mirroring the teacher's own
// `*bytes.Reader`-based section decoders but without allocating a
// bytes.Reader per call.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, &DecodeError{r.pos, "unexpected EOF"}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, &DecodeError{r.pos, "unexpected EOF"}
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) varU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(r.buf[r.pos:])
	if err != nil {
		return 0, &DecodeError{r.pos, err.Error()}
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) varI32() (int32, error) {
	v, n, err := leb128.LoadInt32(r.buf[r.pos:])
	if err != nil {
		return 0, &DecodeError{r.pos, err.Error()}
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) varI64() (int64, error) {
	v, n, err := leb128.LoadInt64(r.buf[r.pos:])
	if err != nil {
		return 0, &DecodeError{r.pos, err.Error()}
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) name() (string, error) {
	n, err := r.varU32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) valueType() (wasm.ValueType, error) {
	b, err := r.u8()
	return wasm.ValueType(b), err
}

// Decode parses a complete binary Wasm module into a ModuleInfo. It runs
// before validation (Engine.Compile hands the decoded ModuleInfo to
// validate.Module afterwards), so Decode itself only enforces the structural
// shape needed to build a ModuleInfo, not full type-soundness.
func Decode(data []byte) (*wasm.ModuleInfo, error) {
	if len(data) < 8 {
		return nil, &DecodeError{0, "too short to contain a header"}
	}
	for i := 0; i < 4; i++ {
		if data[i] != magic[i] {
			return nil, &DecodeError{i, "bad magic"}
		}
		if data[4+i] != version[i] {
			return nil, &DecodeError{4 + i, "unsupported version"}
		}
	}

	m := &wasm.ModuleInfo{StartFunc: wasm.NullIndex, FunctionNames: map[wasm.Index]string{}}
	r := &reader{buf: data, pos: 8}

	var funcTypeIdx []wasm.Index // function section: index into Types, per local function
	var codeBodies [][]byte
	var codeLocalTypes [][]wasm.ValueType

	for r.pos < len(data) {
		id, err := r.u8()
		if err != nil {
			return nil, err
		}
		size, err := r.varU32()
		if err != nil {
			return nil, err
		}
		sectionEnd := r.pos + int(size)
		if sectionEnd > len(data) {
			return nil, &DecodeError{r.pos, "section size overruns module"}
		}

		switch id {
		case sectionCustom:
			r.pos = sectionEnd // custom sections (incl. "name") are not needed for execution semantics
		case sectionType:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.Types = make([]*wasm.FunctionType, n)
			for i := range m.Types {
				tag, err := r.u8()
				if err != nil {
					return nil, err
				}
				if tag != 0x60 {
					return nil, &DecodeError{r.pos - 1, "expected func type tag 0x60"}
				}
				ft, err := decodeFuncType(r)
				if err != nil {
					return nil, err
				}
				m.Types[i] = ft
			}
		case sectionImport:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.Imports = make([]*wasm.Import, n)
			for i := range m.Imports {
				imp, err := decodeImport(r)
				if err != nil {
					return nil, err
				}
				m.Imports[i] = imp
				switch imp.Type {
				case wasm.ExternTypeFunc:
					m.Counts.ImportedFunctions++
					m.Functions = append(m.Functions, imp.DescFunc)
				case wasm.ExternTypeTable:
					m.Counts.ImportedTables++
					m.Tables = append(m.Tables, imp.DescTable)
				case wasm.ExternTypeMemory:
					m.Counts.ImportedMemories++
					m.Memories = append(m.Memories, imp.DescMemory)
				case wasm.ExternTypeGlobal:
					m.Counts.ImportedGlobals++
				}
			}
		case sectionFunction:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			funcTypeIdx = make([]wasm.Index, n)
			for i := range funcTypeIdx {
				idx, err := r.varU32()
				if err != nil {
					return nil, err
				}
				funcTypeIdx[i] = idx
			}
		case sectionTable:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				tt, err := decodeTableType(r)
				if err != nil {
					return nil, err
				}
				m.Tables = append(m.Tables, tt)
			}
		case sectionMemory:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				mt, err := decodeMemoryType(r)
				if err != nil {
					return nil, err
				}
				m.Memories = append(m.Memories, mt)
			}
		case sectionGlobal:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.Globals = make([]wasm.Global, n)
			for i := range m.Globals {
				vt, err := r.valueType()
				if err != nil {
					return nil, err
				}
				mutByte, err := r.u8()
				if err != nil {
					return nil, err
				}
				ce, err := decodeConstExpr(r)
				if err != nil {
					return nil, err
				}
				m.Globals[i] = wasm.Global{Type: wasm.GlobalType{ValType: vt, Mutable: mutByte != 0}, Init: ce}
			}
		case sectionExport:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.Exports = make([]*wasm.Export, n)
			for i := range m.Exports {
				name, err := r.name()
				if err != nil {
					return nil, err
				}
				kind, err := r.u8()
				if err != nil {
					return nil, err
				}
				idx, err := r.varU32()
				if err != nil {
					return nil, err
				}
				m.Exports[i] = &wasm.Export{Name: name, Type: wasm.ExternType(kind), Index: idx}
			}
		case sectionStart:
			idx, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.StartFunc = idx
		case sectionElement:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.ElementSegments = make([]wasm.ElementSegment, n)
			for i := range m.ElementSegments {
				seg, err := decodeElementSegment(r)
				if err != nil {
					return nil, err
				}
				m.ElementSegments[i] = seg
			}
		case sectionCode:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			codeBodies = make([][]byte, n)
			codeLocalTypes = make([][]wasm.ValueType, n)
			for i := uint32(0); i < n; i++ {
				bodySize, err := r.varU32()
				if err != nil {
					return nil, err
				}
				bodyEnd := r.pos + int(bodySize)
				locals, err := decodeLocals(r)
				if err != nil {
					return nil, err
				}
				if bodyEnd > len(data) {
					return nil, &DecodeError{r.pos, "code body overruns module"}
				}
				body, err := r.bytes(bodyEnd - r.pos)
				if err != nil {
					return nil, err
				}
				codeLocalTypes[i] = locals
				codeBodies[i] = body
			}
		case sectionData:
			n, err := r.varU32()
			if err != nil {
				return nil, err
			}
			m.DataSegments = make([]wasm.DataSegment, n)
			for i := range m.DataSegments {
				seg, err := decodeDataSegment(r)
				if err != nil {
					return nil, err
				}
				m.DataSegments[i] = seg
			}
		default:
			r.pos = sectionEnd
		}

		if r.pos != sectionEnd {
			return nil, &DecodeError{r.pos, fmt.Sprintf("section %d decoded to wrong length", id)}
		}
	}

	for _, idx := range funcTypeIdx {
		m.Functions = append(m.Functions, idx)
	}
	m.Codes = make([]wasm.Code, len(codeBodies))
	for i := range codeBodies {
		m.Codes[i] = wasm.Code{LocalTypes: codeLocalTypes[i], Body: codeBodies[i]}
	}
	m.ID = sha256.Sum256(data)
	return m, nil
}

func decodeFuncType(r *reader) (*wasm.FunctionType, error) {
	np, err := r.varU32()
	if err != nil {
		return nil, err
	}
	params := make([]wasm.ValueType, np)
	for i := range params {
		if params[i], err = r.valueType(); err != nil {
			return nil, err
		}
	}
	nr, err := r.varU32()
	if err != nil {
		return nil, err
	}
	results := make([]wasm.ValueType, nr)
	for i := range results {
		if results[i], err = r.valueType(); err != nil {
			return nil, err
		}
	}
	return &wasm.FunctionType{Params: params, Results: results}, nil
}

func decodeLimits(r *reader) (min, max uint32, hasMax bool, err error) {
	flag, err := r.u8()
	if err != nil {
		return
	}
	if min, err = r.varU32(); err != nil {
		return
	}
	if flag&0x1 != 0 {
		hasMax = true
		if max, err = r.varU32(); err != nil {
			return
		}
	}
	return
}

func decodeTableType(r *reader) (wasm.TableType, error) {
	elem, err := r.valueType()
	if err != nil {
		return wasm.TableType{}, err
	}
	min, max, hasMax, err := decodeLimits(r)
	if err != nil {
		return wasm.TableType{}, err
	}
	return wasm.TableType{ElemType: elem, Min: min, Max: max, HasMax: hasMax}, nil
}

func decodeMemoryType(r *reader) (wasm.MemoryType, error) {
	flag, err := r.u8()
	if err != nil {
		return wasm.MemoryType{}, err
	}
	shared := flag&0x2 != 0
	hasMax := flag&0x1 != 0
	min, err := r.varU32()
	if err != nil {
		return wasm.MemoryType{}, err
	}
	var max uint32
	if hasMax {
		if max, err = r.varU32(); err != nil {
			return wasm.MemoryType{}, err
		}
	}
	return wasm.MemoryType{Min: min, Max: max, HasMax: hasMax, Shared: shared}, nil
}

func decodeImport(r *reader) (*wasm.Import, error) {
	mod, err := r.name()
	if err != nil {
		return nil, err
	}
	field, err := r.name()
	if err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	imp := &wasm.Import{Module: mod, Field: field, Type: wasm.ExternType(kind)}
	switch imp.Type {
	case wasm.ExternTypeFunc:
		idx, err := r.varU32()
		if err != nil {
			return nil, err
		}
		imp.DescFunc = idx
	case wasm.ExternTypeTable:
		tt, err := decodeTableType(r)
		if err != nil {
			return nil, err
		}
		imp.DescTable = tt
	case wasm.ExternTypeMemory:
		mt, err := decodeMemoryType(r)
		if err != nil {
			return nil, err
		}
		imp.DescMemory = mt
	case wasm.ExternTypeGlobal:
		vt, err := r.valueType()
		if err != nil {
			return nil, err
		}
		mutByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		imp.DescGlobal = wasm.GlobalType{ValType: vt, Mutable: mutByte != 0}
	default:
		return nil, &DecodeError{r.pos, "unknown import kind"}
	}
	return imp, nil
}

// decodeConstExpr reads a single-instruction constant expression followed by
// the `end` opcode (0x0b), the only form ModuleInfo.ConstExpr represents.
func decodeConstExpr(r *reader) (wasm.ConstExpr, error) {
	op, err := r.u8()
	if err != nil {
		return wasm.ConstExpr{}, err
	}
	var ce wasm.ConstExpr
	switch op {
	case 0x41: // i32.const
		v, err := r.varI32()
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstI32, ImmI64: int64(v)}
	case 0x42: // i64.const
		v, err := r.varI64()
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstI64, ImmI64: v}
	case 0x43: // f32.const
		b, err := r.bytes(4)
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstF32, ImmI64: int64(binary.LittleEndian.Uint32(b))}
	case 0x44: // f64.const
		b, err := r.bytes(8)
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstF64, ImmI64: int64(binary.LittleEndian.Uint64(b))}
	case 0x23: // global.get
		idx, err := r.varU32()
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstGlobalGet, ImmRefIndex: idx}
	case 0xd0: // ref.null
		if _, err := r.u8(); err != nil { // reftype byte
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstRefNull}
	case 0xd2: // ref.func
		idx, err := r.varU32()
		if err != nil {
			return wasm.ConstExpr{}, err
		}
		ce = wasm.ConstExpr{Opcode: wasm.ConstRefFunc, ImmRefIndex: idx}
	default:
		return wasm.ConstExpr{}, &DecodeError{r.pos - 1, fmt.Sprintf("unsupported const expr opcode 0x%x", op)}
	}
	end, err := r.u8()
	if err != nil {
		return wasm.ConstExpr{}, err
	}
	if end != 0x0b {
		return wasm.ConstExpr{}, &DecodeError{r.pos - 1, "const expr missing end opcode"}
	}
	return ce, nil
}

func decodeElementSegment(r *reader) (wasm.ElementSegment, error) {
	flag, err := r.varU32()
	if err != nil {
		return wasm.ElementSegment{}, err
	}
	seg := wasm.ElementSegment{Type: wasm.ValueTypeFuncref}
	switch flag {
	case 0: // active, table 0, funcidx vector
		ce, err := decodeConstExpr(r)
		if err != nil {
			return wasm.ElementSegment{}, err
		}
		seg.OffsetExpr = ce
		n, err := r.varU32()
		if err != nil {
			return wasm.ElementSegment{}, err
		}
		seg.Init = make([]wasm.Index, n)
		for i := range seg.Init {
			if seg.Init[i], err = r.varU32(); err != nil {
				return wasm.ElementSegment{}, err
			}
		}
	default:
		return wasm.ElementSegment{}, &DecodeError{r.pos, fmt.Sprintf("element segment flag %d not supported", flag)}
	}
	return seg, nil
}

func decodeDataSegment(r *reader) (wasm.DataSegment, error) {
	flag, err := r.varU32()
	if err != nil {
		return wasm.DataSegment{}, err
	}
	seg := wasm.DataSegment{}
	switch flag {
	case 0: // active, memory 0
		ce, err := decodeConstExpr(r)
		if err != nil {
			return wasm.DataSegment{}, err
		}
		seg.OffsetExpr = ce
	case 1: // passive
		seg.Passive = true
	case 2: // active, explicit memory index
		idx, err := r.varU32()
		if err != nil {
			return wasm.DataSegment{}, err
		}
		seg.MemoryIndex = idx
		ce, err := decodeConstExpr(r)
		if err != nil {
			return wasm.DataSegment{}, err
		}
		seg.OffsetExpr = ce
	default:
		return wasm.DataSegment{}, &DecodeError{r.pos, fmt.Sprintf("data segment flag %d not supported", flag)}
	}
	n, err := r.varU32()
	if err != nil {
		return wasm.DataSegment{}, err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return wasm.DataSegment{}, err
	}
	seg.Init = append([]byte(nil), b...)
	return seg, nil
}

func decodeLocals(r *reader) ([]wasm.ValueType, error) {
	n, err := r.varU32()
	if err != nil {
		return nil, err
	}
	var types []wasm.ValueType
	for i := uint32(0); i < n; i++ {
		count, err := r.varU32()
		if err != nil {
			return nil, err
		}
		vt, err := r.valueType()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < count; j++ {
			types = append(types, vt)
		}
	}
	return types, nil
}
