package format

import (
	"bytes"
	"fmt"

	"github.com/joshuapare/hubkernel/internal/buf"
)

// Header is the fixed image header.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x00    4    'H' 'U' 'B' 'I'
//	 0x04    1    Version (1)
//	 0x05    1    Payload type (app, key, os)
//	 0x06    2    Flags (signed, encrypted, key-delete)
//	 0x08    8    App id; the top 40 bits are the vendor tag
//	 0x10    4    App version
//	 0x14    4    Length of the body that follows the headers
//	 0x18    8    Reserved, zero
//
// All fields are little-endian.
type Header struct {
	Type       PayloadType
	Flags      uint16
	AppID      uint64
	AppVersion uint32
	DataLen    uint32
}

// Signed reports whether signature records follow the body.
func (h Header) Signed() bool { return h.Flags&FlagSigned != 0 }

// Encrypted reports whether an encryption header precedes the body.
func (h Header) Encrypted() bool { return h.Flags&FlagEncrypted != 0 }

// ParseHeader validates and decodes an image header.
func ParseHeader(b []byte) (Header, error) {
	b, ok := buf.Span(b, 0, HeaderSize)
	if !ok {
		return Header{}, fmt.Errorf("image header: %w", ErrTruncated)
	}
	if !bytes.Equal(b[MagicOffset:MagicOffset+len(Magic)], Magic[:]) {
		return Header{}, fmt.Errorf("image header: %w", ErrBadMagic)
	}
	if v := b[VersionOffset]; v != Version {
		return Header{}, fmt.Errorf("image header: version %d: %w", v, ErrUnsupported)
	}
	h := Header{
		Type:       PayloadType(b[TypeOffset]),
		Flags:      buf.U16LE(b[FlagsOffset:]),
		AppID:      buf.U64LE(b[AppIDOffset:]),
		AppVersion: buf.U32LE(b[AppVersionOffset:]),
		DataLen:    buf.U32LE(b[DataLenOffset:]),
	}
	switch h.Type {
	case PayloadApp, PayloadKey, PayloadOS:
	default:
		return Header{}, fmt.Errorf("image header: payload type %d: %w", h.Type, ErrUnsupported)
	}
	if h.Flags&^knownFlags != 0 {
		return Header{}, fmt.Errorf("image header: flags %#x: %w", h.Flags, ErrUnsupported)
	}
	if h.Flags&FlagKeyDelete != 0 && h.Type != PayloadKey {
		return Header{}, fmt.Errorf("image header: key-delete on %s image: %w", h.Type, ErrUnsupported)
	}
	if !buf.AllZero(b[ReservedOffset : ReservedOffset+ReservedSize]) {
		return Header{}, fmt.Errorf("image header: %w", ErrReserved)
	}
	return h, nil
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("image header: %w", ErrTruncated)
	}
	copy(b[MagicOffset:], Magic[:])
	b[VersionOffset] = Version
	b[TypeOffset] = byte(h.Type)
	buf.PutU16LE(b[FlagsOffset:], h.Flags)
	buf.PutU64LE(b[AppIDOffset:], h.AppID)
	buf.PutU32LE(b[AppVersionOffset:], h.AppVersion)
	buf.PutU32LE(b[DataLenOffset:], h.DataLen)
	clear(b[ReservedOffset : ReservedOffset+ReservedSize])
	return nil
}

// Bytes returns the encoded header.
func (h Header) Bytes() []byte {
	out := make([]byte, HeaderSize)
	_ = h.Put(out)
	return out
}

// EncHeader describes an encrypted body.
//
//	Offset  Size  Description
//	------  ----  ----------------------------------------------------------
//	 0x00    8    Key id looked up in the key store
//	 0x08    4    Plaintext length
//	 0x0C    4    Reserved, zero
//	 0x10   16    CBC initialization vector
type EncHeader struct {
	KeyID    uint64
	PlainLen uint32
	IV       [BlockSize]byte
}

// ParseEncHeader validates and decodes an encryption header.
func ParseEncHeader(b []byte) (EncHeader, error) {
	b, ok := buf.Span(b, 0, EncHeaderSize)
	if !ok {
		return EncHeader{}, fmt.Errorf("encryption header: %w", ErrTruncated)
	}
	if buf.U32LE(b[EncReservedOffset:]) != 0 {
		return EncHeader{}, fmt.Errorf("encryption header: %w", ErrReserved)
	}
	e := EncHeader{
		KeyID:    buf.U64LE(b[EncKeyIDOffset:]),
		PlainLen: buf.U32LE(b[EncPlainLenOffset:]),
	}
	copy(e.IV[:], b[EncIVOffset:EncIVOffset+BlockSize])
	return e, nil
}

// Put encodes e into the first EncHeaderSize bytes of b.
func (e EncHeader) Put(b []byte) error {
	if len(b) < EncHeaderSize {
		return fmt.Errorf("encryption header: %w", ErrTruncated)
	}
	buf.PutU64LE(b[EncKeyIDOffset:], e.KeyID)
	buf.PutU32LE(b[EncPlainLenOffset:], e.PlainLen)
	buf.PutU32LE(b[EncReservedOffset:], 0)
	copy(b[EncIVOffset:], e.IV[:])
	return nil
}

// Bytes returns the encoded encryption header.
func (e EncHeader) Bytes() []byte {
	out := make([]byte, EncHeaderSize)
	_ = e.Put(out)
	return out
}

// CipherLen returns the body length for plainLen bytes of plaintext: the
// plaintext and its digest, zero-padded to a whole number of blocks.
func CipherLen(plainLen uint32) uint32 {
	n := uint64(plainLen) + DigestSize
	n = (n + BlockSize - 1) &^ (BlockSize - 1)
	return uint32(n)
}

// CheckLengths reports whether an encrypted header pair is self-consistent.
func CheckLengths(h Header, e EncHeader) error {
	if uint64(e.PlainLen)+DigestSize > uint64(^uint32(0)) || CipherLen(e.PlainLen) != h.DataLen {
		return fmt.Errorf("encrypted body %d for plaintext %d: %w", h.DataLen, e.PlainLen, ErrBadLength)
	}
	return nil
}

// KeyRecord is the body of a key image.
type KeyRecord struct {
	ID  uint64
	Key [KeySize]byte
}

// ParseKeyRecord decodes a key image body.
func ParseKeyRecord(b []byte) (KeyRecord, error) {
	if len(b) != KeyRecordSize {
		return KeyRecord{}, fmt.Errorf("key record of %d bytes: %w", len(b), ErrBadLength)
	}
	r := KeyRecord{ID: buf.U64LE(b)}
	copy(r.Key[:], b[8:])
	return r, nil
}

// Bytes encodes r.
func (r KeyRecord) Bytes() []byte {
	out := make([]byte, KeyRecordSize)
	buf.PutU64LE(out, r.ID)
	copy(out[8:], r.Key[:])
	return out
}
