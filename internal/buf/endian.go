// Package buf contains little-endian field helpers for the image codecs.
package buf

import "encoding/binary"

// U16LE reads a little-endian uint16 from b. Returns 0 when b is too short.
func U16LE(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32LE reads a little-endian uint32 from b. Returns 0 when b is too short.
func U32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// PutU16LE writes v at the start of b. Short buffers are left untouched.
func PutU16LE(b []byte, v uint16) bool {
	if len(b) < 2 {
		return false
	}
	binary.LittleEndian.PutUint16(b, v)
	return true
}

// PutU32LE writes v at the start of b. Short buffers are left untouched.
func PutU32LE(b []byte, v uint32) bool {
	if len(b) < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

// PutU64LE writes v at the start of b. Short buffers are left untouched.
func PutU64LE(b []byte, v uint64) bool {
	if len(b) < 8 {
		return false
	}
	binary.LittleEndian.PutUint64(b, v)
	return true
}
