// Package format houses the codecs for hub image headers. The goal is to keep
// the layouts in one place, allocation-free where possible, and independent of
// the streaming verifier so host tooling and the kernel share one definition.
package format

// Magic is the four-byte marker at the start of every hub image.
//
//	0x00  'H' 'U' 'B' 'I'
var Magic = [4]byte{'H', 'U', 'B', 'I'}

// PayloadType says what an image installs.
type PayloadType uint8

const (
	// PayloadApp is a loadable hub app.
	PayloadApp PayloadType = 1
	// PayloadKey carries a symmetric key to add to or remove from the key store.
	PayloadKey PayloadType = 2
	// PayloadOS is a kernel update; it is staged but never run by the loader.
	PayloadOS PayloadType = 3
)

func (p PayloadType) String() string {
	switch p {
	case PayloadApp:
		return "app"
	case PayloadKey:
		return "key"
	case PayloadOS:
		return "os"
	default:
		return "unknown"
	}
}

// Header flag bits.
const (
	FlagSigned    uint16 = 1 << 0
	FlagEncrypted uint16 = 1 << 1
	FlagKeyDelete uint16 = 1 << 2

	knownFlags = FlagSigned | FlagEncrypted | FlagKeyDelete
)

const (
	// Version is the only header version understood.
	Version = 1

	// HeaderSize is the size of the image header in bytes.
	HeaderSize = 32

	// Header field offsets.
	MagicOffset      = 0x00
	VersionOffset    = 0x04
	TypeOffset       = 0x05
	FlagsOffset      = 0x06
	AppIDOffset      = 0x08
	AppVersionOffset = 0x10
	DataLenOffset    = 0x14
	ReservedOffset   = 0x18
	ReservedSize     = 8

	// EncHeaderSize is the size of the encryption header that follows the
	// image header when FlagEncrypted is set.
	EncHeaderSize = 32

	// Encryption header field offsets.
	EncKeyIDOffset    = 0x00
	EncPlainLenOffset = 0x08
	EncReservedOffset = 0x0C
	EncIVOffset       = 0x10

	// BlockSize is the cipher block size; encrypted bodies are a multiple of it.
	BlockSize = 16

	// DigestSize is the length of the plaintext digest trailing an encrypted body.
	DigestSize = 32

	// KeySize is the length of a symmetric key.
	KeySize = 32

	// SigSize and ModulusSize describe one signature record: an RSA-2048
	// signature followed by the signer's modulus, both big-endian.
	SigSize       = 256
	ModulusSize   = 256
	SigRecordSize = SigSize + ModulusSize

	// PublicExponent is the fixed RSA public exponent.
	PublicExponent = 65537

	// KeyRecordSize is the body of a key image: key id then key material.
	KeyRecordSize = 8 + KeySize
)
