// Package wasm holds the decoded representation of a Wasm module, shared by
// translation, validation, codegen, and the instance runtime. It intentionally
// mirrors only the Wasm core spec plus the small set of post-1.0 features this
// engine supports (reference types, bulk memory); multi-value is out of scope.
package wasm

import "fmt"

// ValueType is a Wasm value type, encoded the same as its binary format byte.
type ValueType byte

const (
	ValueTypeI32     ValueType = 0x7f
	ValueTypeI64     ValueType = 0x7e
	ValueTypeF32     ValueType = 0x7d
	ValueTypeF64     ValueType = 0x7c
	ValueTypeFuncref ValueType = 0x70
	ValueTypeExternref ValueType = 0x6f
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	default:
		return fmt.Sprintf("unknown(0x%x)", byte(v))
	}
}

// IsReference reports whether v is a reference type (funcref or externref).
func (v ValueType) IsReference() bool {
	return v == ValueTypeFuncref || v == ValueTypeExternref
}

// FunctionType is a Wasm function signature: an ordered list of parameter
// types and an ordered list of result types. NON-GOAL: the multi-value
// proposal is not implemented, but the struct itself does not enforce
// len(Results) <= 1 since validate does that, keeping FunctionType reusable
// for block types as well.
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

// key is a cheap, comparable representation of the type used by the
// signature registry to deduplicate identical signatures.
func (t *FunctionType) key() string {
	buf := make([]byte, 0, len(t.Params)+len(t.Results)+2)
	buf = append(buf, byte(len(t.Params)))
	for _, p := range t.Params {
		buf = append(buf, byte(p))
	}
	buf = append(buf, byte(len(t.Results)))
	for _, r := range t.Results {
		buf = append(buf, byte(r))
	}
	return string(buf)
}

// Equal reports whether t and o describe the same signature.
func (t *FunctionType) Equal(o *FunctionType) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	return t.key() == o.key()
}

func (t *FunctionType) String() string {
	return fmt.Sprintf("%v->%v", t.Params, t.Results)
}

// Index is an index into one of a module's index spaces (functions, tables,
// memories, globals, types). Imports occupy the low end of each space;
// locally-defined entities follow.
type Index = uint32

// ExternType distinguishes the four kinds of importable/exportable entities.
type ExternType byte

const (
	ExternTypeFunc ExternType = iota
	ExternTypeTable
	ExternTypeMemory
	ExternTypeGlobal
)

func (e ExternType) String() string {
	switch e {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Import describes one entry of the import section, keyed by
// (module, field, occurrence-index) per spec: occurrence-index disambiguates
// modules that import the same (module, field) pair more than once (legal in
// the binary format though rare in practice).
type Import struct {
	Module, Field string
	Type          ExternType
	// DescFunc/DescTable/DescMemory/DescGlobal hold the declared type,
	// exactly one of which is meaningful per Type.
	DescFunc   Index // index into Types
	DescTable  TableType
	DescMemory MemoryType
	DescGlobal GlobalType
}

// Export describes one entry of the export section.
type Export struct {
	Name  string
	Type  ExternType
	Index Index
}

// TableType describes the shape of a table.
type TableType struct {
	ElemType ValueType // ValueTypeFuncref or ValueTypeExternref
	Min      uint32
	Max      uint32 // meaningful only if HasMax
	HasMax   bool
}

// MemoryType describes the shape of a linear memory, in Wasm pages (64KiB).
type MemoryType struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// GlobalType describes the shape of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// ConstExpr is a constant initializer expression: i32/i64/f32/f64.const,
// global.get of an imported immutable global, or ref.null/ref.func.
type ConstExpr struct {
	Opcode ConstOpcode
	// ImmI64 holds the immediate for all integer/float consts, reinterpreted
	// bit-for-bit; ImmRefIndex holds the referenced function index for
	// ref.func, or the global index for global.get.
	ImmI64      int64
	ImmRefIndex Index
}

type ConstOpcode byte

const (
	ConstI32 ConstOpcode = iota
	ConstI64
	ConstF32
	ConstF64
	ConstGlobalGet
	ConstRefNull
	ConstRefFunc
)

// Global is a module-defined (i.e. non-imported) global.
type Global struct {
	Type GlobalType
	Init ConstExpr
}

// DataSegment is either active (copied into a memory at instantiation, at an
// offset given by OffsetExpr) or passive (copied on demand by memory.init).
type DataSegment struct {
	MemoryIndex Index
	OffsetExpr  ConstExpr
	Passive     bool
	Init        []byte
}

// ElementSegment is the table analogue of DataSegment.
type ElementSegment struct {
	TableIndex Index
	OffsetExpr ConstExpr
	Passive    bool
	Type       ValueType
	// Init holds one entry per element: a function index for funcref
	// elements initialized via ref.func, or NullIndex for ref.null.
	Init []Index
}

// NullIndex marks a ref.null entry in an ElementSegment, or the absence of a
// start function.
const NullIndex Index = 0xffffffff

// Code is the decoded body of a single local (non-imported) function:
// its local declarations (run-length-encoded by type, as in the binary
// format) and the raw operator byte stream validate/translate will walk.
type Code struct {
	LocalTypes []ValueType // fully expanded, one entry per local
	Body       []byte      // the function body's opcode stream, post-header
	BodyOffset uint32      // byte offset of Body within the original section, for source maps
}

// Counts records how many entities of each kind are imports, letting callers
// convert between a full Index and a LocalFunctionIndex (etc.) without
// scanning the import section repeatedly.
type Counts struct {
	ImportedFunctions uint32
	ImportedTables    uint32
	ImportedMemories  uint32
	ImportedGlobals   uint32
}

// IsImportedFunction reports whether the function at the given full index is
// an import (i.e. index < ImportedFunctions).
func (c Counts) IsImportedFunction(idx Index) bool { return idx < c.ImportedFunctions }

// LocalFunctionIndex converts a full function Index to a local (post-import)
// index. The caller must have already checked !IsImportedFunction(idx).
func (c Counts) LocalFunctionIndex(idx Index) Index { return idx - c.ImportedFunctions }

// FunctionIndex is the inverse of LocalFunctionIndex.
func (c Counts) FunctionIndex(local Index) Index { return local + c.ImportedFunctions }

// ModuleInfo is the immutable, fully-decoded module, produced once by
// translation and shared read-only by every later pipeline stage.
//
// Invariants (spec §3): import indices occupy 0..Counts.ImportedX, local
// indices follow; FunctionIndex f is imported iff f < Counts.ImportedFunctions.
type ModuleInfo struct {
	Types   []*FunctionType
	Imports []*Import
	// Functions holds, for every function (imported and local), the index
	// into Types. Imported entries are populated from Imports; local
	// entries from the function section.
	Functions []Index
	Tables    []TableType
	Memories  []MemoryType
	Globals   []Global
	Exports   []*Export
	StartFunc Index // NullIndex if absent
	DataSegments    []DataSegment
	ElementSegments []ElementSegment
	Codes           []Code // len(Codes) == len(Functions) - Counts.ImportedFunctions
	Counts          Counts
	// FunctionNames maps a full function index to its name section entry,
	// when present; used only for diagnostics and trap messages.
	FunctionNames map[Index]string
	// ID is a content hash of the original binary, used as a cache key by
	// the engine's compiled-artifact cache and by DeserializeError checks.
	ID [32]byte
}

// NumImportedFunctions is sugar for Counts.ImportedFunctions.
func (m *ModuleInfo) NumImportedFunctions() uint32 { return m.Counts.ImportedFunctions }

// TypeOf returns the signature of the function at the given full index.
func (m *ModuleInfo) TypeOf(funcIdx Index) *FunctionType {
	return m.Types[m.Functions[funcIdx]]
}

// CodeOf returns the decoded body of the local function at the given full
// index. Panics if funcIdx names an import; callers must check
// Counts.IsImportedFunction first.
func (m *ModuleInfo) CodeOf(funcIdx Index) *Code {
	return &m.Codes[m.Counts.LocalFunctionIndex(funcIdx)]
}

// GlobalTypeOf returns the declared type of the global at the given full
// index, whether imported or local.
func (m *ModuleInfo) GlobalTypeOf(idx Index) GlobalType {
	if idx < m.Counts.ImportedGlobals {
		var seen uint32
		for _, imp := range m.Imports {
			if imp.Type != ExternTypeGlobal {
				continue
			}
			if seen == idx {
				return imp.DescGlobal
			}
			seen++
		}
		return GlobalType{}
	}
	return m.Globals[idx-m.Counts.ImportedGlobals].Type
}

// MemoryStyle selects how a linear memory's address space is reserved,
// chosen per-memory by the embedder's Tunables at compile time.
type MemoryStyle struct {
	// Bound is the number of bytes the style treats as statically sized,
	// meaningful only when Static is true. A Static memory lets codegen
	// elide repeated bounds checks when Bound equals the declared maximum.
	Static bool
	Bound  uint64
	// GuardSize is the number of unmapped guard bytes placed after the
	// memory, letting small-offset out-of-bounds accesses trap via the
	// hardware instead of an explicit compare.
	GuardSize uint64
}

// TableStyle selects the indirect-call-check strategy for a table.
type TableStyle byte

const (
	// TableStyleCallerChecksSignature: codegen emits the signature compare
	// at the call site (this engine's only supported style; spec.md's
	// Non-goals exclude an alternative callee-checks style).
	TableStyleCallerChecksSignature TableStyle = iota
)

// CompileModuleInfo augments ModuleInfo with the embedder's per-memory and
// per-table styles, resolved once before codegen runs.
type CompileModuleInfo struct {
	*ModuleInfo
	MemoryStyles []MemoryStyle // parallel to Memories
	TableStyles  []TableStyle  // parallel to Tables
}
