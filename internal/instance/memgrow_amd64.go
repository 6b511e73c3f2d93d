package instance

import (
	"encoding/binary"
	"reflect"
)

// memoryGrowBridge is implemented in memgrow_amd64.s. It is never called
// from Go directly (hence no Go-visible signature beyond its address); every
// Instance's VMContext is wired to call it in place of an ordinary local or
// imported function for the memory.grow opcode, per spec §4.E's "growth can
// reallocate, so it cannot be a fixed inline sequence" constraint.
func memoryGrowBridge()

// memoryGrowBridgePointer resolves memoryGrowBridge's native entry address,
// the same funcPC-by-reflection trick used wherever this engine needs a
// stable uintptr for a Go-declared assembly stub without depending on cgo.
func memoryGrowBridgePointer() uintptr {
	return reflect.ValueOf(memoryGrowBridge).Pointer()
}

// memoryGrowDispatch is memoryGrowBridge's Go-side half: it resolves the
// sole local memory (multi-memory growth is a Non-goal) and forwards to
// Memory.Grow, then refreshes the VMContext's cached data pointer/length so
// the next memory access compiled against this instance sees the grown
// region — required even when Grow didn't reallocate, since LenBytes always
// changes.
func memoryGrowDispatch(inst *Instance, delta uint32) uint32 {
	mem := inst.Memory(inst.artifact.Info().Counts.ImportedMemories)
	if mem == nil {
		return ^uint32(0)
	}
	prev, ok := mem.Grow(delta)
	if !ok {
		return ^uint32(0)
	}
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryDataPtrOffset(inst.artifact.Info().Counts.ImportedMemories):], uint64(mem.DataPtr()))
	binary.LittleEndian.PutUint64(inst.vmctx[inst.offsets.MemoryLenOffset(inst.artifact.Info().Counts.ImportedMemories):], uint64(mem.LenBytes()))
	return prev
}
