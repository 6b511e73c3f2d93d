// Package leb128 implements signed/unsigned LEB128 encoding, used both for
// decoding the Wasm binary format's constant expressions and indices, and for
// the length prefix of the archival payload in the serialized Executable
// format (spec §6).
package leb128

import "fmt"

// EncodeInt32 returns the signed LEB128 encoding of v.
func EncodeInt32(v int32) []byte { return encodeInt64(int64(v)) }

// EncodeInt64 returns the signed LEB128 encoding of v.
func EncodeInt64(v int64) []byte { return encodeInt64(v) }

func encodeInt64(v int64) []byte {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			buf = append(buf, b)
			return buf
		}
		buf = append(buf, b|0x80)
	}
}

// LoadInt32 decodes a signed LEB128 value from buf, returning the value, the
// number of bytes consumed, and an error if buf is truncated or the encoding
// runs past 64 bits. An encoded value outside the int32 range is not
// rejected: only its low 32 bits are returned.
func LoadInt32(buf []byte) (int32, uint64, error) {
	v, n, err := loadInt64(buf, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed LEB128 value from buf.
func LoadInt64(buf []byte) (int64, uint64, error) {
	return loadInt64(buf, 64)
}

func loadInt64(buf []byte, bitWidth int) (int64, uint64, error) {
	var result int64
	var shift uint
	var i uint64
	for {
		if int(i) >= len(buf) {
			return 0, 0, fmt.Errorf("leb128: buffer truncated")
		}
		b := buf[i]
		i++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < uint(bitWidth) && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i, nil
		}
		if shift >= 64 {
			return 0, 0, fmt.Errorf("leb128: value overflows 64 bits")
		}
	}
}

// EncodeUint32 returns the unsigned LEB128 encoding of v, used for Wasm
// indices and the archival payload length prefix.
func EncodeUint32(v uint32) []byte { return encodeUint64(uint64(v)) }

// EncodeUint64 returns the unsigned LEB128 encoding of v.
func EncodeUint64(v uint64) []byte { return encodeUint64(v) }

func encodeUint64(v uint64) []byte {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf = append(buf, b)
			return buf
		}
		buf = append(buf, b|0x80)
	}
}

// LoadUint32 decodes an unsigned LEB128 value from buf.
func LoadUint32(buf []byte) (uint32, uint64, error) {
	v, n, err := loadUint64(buf, 32)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned LEB128 value from buf.
func LoadUint64(buf []byte) (uint64, uint64, error) {
	return loadUint64(buf, 64)
}

func loadUint64(buf []byte, bitWidth int) (uint64, uint64, error) {
	var result uint64
	var shift uint
	var i uint64
	for {
		if int(i) >= len(buf) {
			return 0, 0, fmt.Errorf("leb128: buffer truncated")
		}
		b := buf[i]
		i++
		if shift >= 64 {
			return 0, 0, fmt.Errorf("leb128: value overflows 64 bits")
		}
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			_ = bitWidth
			return result, i, nil
		}
	}
}
