// Package u32 holds tiny byte-serialization helpers for uint32, used by the
// archival serializer (spec §4.G) for fields it writes outside the msgpack
// payload (the magic header's reserved bytes, relocation site offsets).
package u32

import "encoding/binary"

// LeBytes returns v as 4 little-endian bytes.
func LeBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
