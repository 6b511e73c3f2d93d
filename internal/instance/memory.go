package instance

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tetratelabs/wasmxc/internal/wasm"
)

const wasmPageSize = 64 * 1024

// Memory is a linear memory's native backing store: a single mmap'd region
// sized according to its MemoryStyle (spec §3). Static memories reserve
// their full bound up front so Grow never moves the base address (codegen
// never needs to reload [vmctx+memoryDataPtr] after a table/memory
// operation); Dynamic memories reserve only the current size plus guard and
// reallocate-and-copy on Grow.
type Memory struct {
	data   []byte // full mmap'd slice; len(data) may exceed usedBytes for the guard region
	used   uint32 // current size in Wasm pages
	max    uint32
	hasMax bool
	style  wasm.MemoryStyle
}

// NewMemory allocates a Memory per style, pre-zeroed by mmap semantics.
func NewMemory(mt wasm.MemoryType, style wasm.MemoryStyle) (*Memory, error) {
	reserve := uint64(mt.Min) * wasmPageSize
	if style.Static {
		reserve = style.Bound
	}
	reserve += style.GuardSize
	if reserve == 0 {
		reserve = wasmPageSize
	}
	data, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("instance: mmap memory: %w", err)
	}
	return &Memory{data: data, used: mt.Min, max: mt.Max, hasMax: mt.HasMax, style: style}, nil
}

// DataPtr returns the address emitted code stores at
// VMOffsets.MemoryDataPtrOffset; stable across Grow for Static memories.
func (m *Memory) DataPtr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0]))
}

// LenBytes is the current usable length in bytes (not including guard).
func (m *Memory) LenBytes() uint32 { return m.used * wasmPageSize }

// Grow adds delta pages, returning the previous page count, or (0, false) if
// the growth would exceed max or (for Dynamic memories) fails to reallocate.
func (m *Memory) Grow(delta uint32) (previous uint32, ok bool) {
	newSize := m.used + delta
	if m.hasMax && newSize > m.max {
		return 0, false
	}
	if m.style.Static {
		if uint64(newSize)*wasmPageSize > m.style.Bound {
			return 0, false
		}
		prev := m.used
		m.used = newSize
		return prev, true
	}
	needed := uint64(newSize)*wasmPageSize + m.style.GuardSize
	if needed <= uint64(len(m.data)) {
		prev := m.used
		m.used = newSize
		return prev, true
	}
	bigger, err := unix.Mmap(-1, 0, int(needed), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, false
	}
	copy(bigger, m.data)
	_ = unix.Munmap(m.data)
	m.data = bigger
	prev := m.used
	m.used = newSize
	return prev, true
}

// Bytes returns the writable, bounds-checked-by-caller view of the current
// usable region; used by data-segment copies during instantiation.
func (m *Memory) Bytes() []byte { return m.data[:m.LenBytes()] }
