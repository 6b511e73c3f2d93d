package instance

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// Export is what a Resolver hands back for one resolved import: enough to
// both type-check the import and, for functions, to build the
// VMContext-inline FunctionImport entry codegen's call sites address.
type Export struct {
	Type ExportKind

	// Func fields.
	FuncBody      uintptr // native code pointer to call (host body, or another instance's compiled function)
	FuncEnv       uintptr // opaque pointer passed as the body's first argument
	FuncSignature sigregistry.Index

	// Table fields.
	TableElemType wasm.ValueType
	TableMin      uint32
	TableMax      uint32
	TableHasMax   bool
	TableDataPtr  uintptr
	TableLen      uint32

	// Memory fields.
	MemoryMin      uint32
	MemoryMax      uint32
	MemoryHasMax   bool
	MemoryShared   bool
	MemoryStatic   bool
	MemoryDataPtr  uintptr
	MemoryLen      uint32

	// Global fields.
	GlobalType  wasm.GlobalType
	GlobalAddr  uintptr // address of the 8-byte slot backing the global
}

type ExportKind byte

const (
	ExportFunc ExportKind = iota
	ExportTable
	ExportMemory
	ExportGlobal
)

// Resolver looks up one import by (module, field, occurrence-index), per
// spec §4.J step 1. occurrence disambiguates the rare case of a module
// importing the same (module, field) pair more than once.
type Resolver interface {
	Resolve(module, field string, occurrence int) (Export, bool)
}

// LinkError is returned from New when import resolution or type-checking
// fails; it is never recovered internally (spec §7).
type LinkError struct {
	Kind     LinkErrorKind
	Module   string
	Field    string
	Expected string
	Actual   string
}

type LinkErrorKind byte

const (
	LinkErrorUnknownImport LinkErrorKind = iota
	LinkErrorIncompatibleType
	LinkErrorResource
)

func (e *LinkError) Error() string {
	switch e.Kind {
	case LinkErrorUnknownImport:
		return fmt.Sprintf("unknown import: %s.%s", e.Module, e.Field)
	case LinkErrorIncompatibleType:
		return fmt.Sprintf("incompatible import type for %s.%s: expected %s, got %s", e.Module, e.Field, e.Expected, e.Actual)
	default:
		return fmt.Sprintf("resource error resolving %s.%s", e.Module, e.Field)
	}
}

// checkFunc validates a resolved function import against its declared
// signature, per spec §4.J: "exported signature's VMSharedSignatureIndex
// equals imported signature's index."
func checkFunc(imp *wasm.Import, exp Export, expected sigregistry.Index) *LinkError {
	if exp.Type != ExportFunc {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "func", Actual: "non-func"}
	}
	if exp.FuncSignature != expected {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "matching signature", Actual: "different signature"}
	}
	return nil
}

// checkTable validates a table import: element type must match; the
// exported table's minimum must be >= the imported minimum; if the import
// declares a maximum, the export must also declare one no greater.
func checkTable(imp *wasm.Import, exp Export) *LinkError {
	want := imp.DescTable
	if exp.Type != ExportTable || exp.TableElemType != want.ElemType {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "table", Actual: "mismatched table"}
	}
	if exp.TableMin < want.Min {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "table minimum", Actual: "too small"}
	}
	if want.HasMax {
		if !exp.TableHasMax || exp.TableMax > want.Max {
			return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "bounded table maximum", Actual: "unbounded or too large"}
		}
	}
	return nil
}

// checkMemory is the memory analogue of checkTable, plus the `shared` exact
// match and the Static-style bound/guard comparison spec §4.J calls out.
func checkMemory(imp *wasm.Import, exp Export) *LinkError {
	want := imp.DescMemory
	if exp.Type != ExportMemory {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "memory", Actual: "non-memory"}
	}
	if exp.MemoryShared != want.Shared {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "matching shared flag", Actual: "mismatched shared flag"}
	}
	if exp.MemoryMin < want.Min {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "memory minimum", Actual: "too small"}
	}
	if want.HasMax {
		if !exp.MemoryHasMax || exp.MemoryMax > want.Max {
			return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "bounded memory maximum", Actual: "unbounded or too large"}
		}
	}
	return nil
}

// checkGlobal requires exact type equality including mutability.
func checkGlobal(imp *wasm.Import, exp Export) *LinkError {
	want := imp.DescGlobal
	if exp.Type != ExportGlobal || exp.GlobalType != want {
		return &LinkError{Kind: LinkErrorIncompatibleType, Module: imp.Module, Field: imp.Field, Expected: "matching global type", Actual: "mismatched global type"}
	}
	return nil
}
