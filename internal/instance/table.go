package instance

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tetratelabs/wasmxc/internal/sigregistry"
	"github.com/tetratelabs/wasmxc/internal/wasm"
)

// TableElement is one funcref slot: a native code pointer plus the
// VMSharedSignatureIndex used for the indirect-call BadSignature check
// (spec §4.K). A nil FuncPtr represents wasm.NullIndex ("ref.null").
type TableElement struct {
	FuncPtr   uintptr
	FuncEnv   uintptr
	Signature sigregistry.Index
}

const tableElementSize = int(unsafe.Sizeof(TableElement{}))

// TableElementSize/TableElementFuncPtrOffset/TableElementSignatureOffset
// expose TableElement's native layout to codegen, which emits indirect-call
// sequences that index a table's backing array and load these fields
// directly via [tableDataPtr + i*TableElementSize + fieldOffset] rather than
// going through a Go-side accessor.
const (
	TableElementSize              = tableElementSize
	TableElementFuncPtrOffset     = int32(unsafe.Offsetof(TableElement{}.FuncPtr))
	TableElementSignatureOffset   = int32(unsafe.Offsetof(TableElement{}.Signature))
)

// Table is the native backing store for a table, mmap'd as a flat array of
// TableElement so emitted indirect-call code can index
// [tableDataPtr + i*sizeof(TableElement)] without a Go-side bounds check
// helper (the bounds check itself is still emitted, per spec §4.K
// TableOutOfBounds).
type Table struct {
	data     []byte
	elemType wasm.ValueType
	len      uint32
	max      uint32
	hasMax   bool
}

func NewTable(tt wasm.TableType) (*Table, error) {
	cap := tt.Min
	if tt.HasMax && tt.Max > cap {
		cap = tt.Max
	}
	if cap == 0 {
		cap = 1
	}
	size := int(cap) * tableElementSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &Table{data: data, elemType: tt.ElemType, len: tt.Min, max: tt.Max, hasMax: tt.HasMax}, nil
}

func (t *Table) Len() uint32 { return t.len }

func (t *Table) DataPtr() uintptr {
	if len(t.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&t.data[0]))
}

func (t *Table) elements() []TableElement {
	return unsafe.Slice((*TableElement)(unsafe.Pointer(&t.data[0])), len(t.data)/tableElementSize)
}

func (t *Table) Get(i uint32) (TableElement, bool) {
	if i >= t.len {
		return TableElement{}, false
	}
	return t.elements()[i], true
}

func (t *Table) Set(i uint32, e TableElement) bool {
	if i >= t.len {
		return false
	}
	t.elements()[i] = e
	return true
}

// Grow adds delta elements filled with init, or fails if it would exceed max
// or the backing mmap's reserved capacity (Tables are reserved at their
// declared max, or at min if unbounded — growth past an unbounded table's
// initial reservation is rejected, matching spec §4.H's "fixed-capacity
// table regions" Non-goal on dynamic table resizing beyond the artifact's
// declared bound).
func (t *Table) Grow(delta uint32, init TableElement) (previous uint32, ok bool) {
	newLen := t.len + delta
	if t.hasMax && newLen > t.max {
		return 0, false
	}
	if int(newLen)*tableElementSize > len(t.data) {
		return 0, false
	}
	prev := t.len
	elems := t.elements()
	for i := prev; i < newLen; i++ {
		elems[i] = init
	}
	t.len = newLen
	return prev, true
}
