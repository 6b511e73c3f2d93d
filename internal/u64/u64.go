// Package u64 holds tiny byte-serialization helpers for uint64, used by the
// archival serializer for the serialized Executable's trailing root-position
// field (spec §6: "little-endian u64: byte offset ... of the root node").
package u64

import "encoding/binary"

// LeBytes returns v as 8 little-endian bytes.
func LeBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
