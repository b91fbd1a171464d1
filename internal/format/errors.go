package format

import "errors"

var (
	// ErrBadMagic indicates a buffer that does not start with Magic.
	ErrBadMagic = errors.New("format: bad magic")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrUnsupported indicates an unknown version, payload type or flag.
	ErrUnsupported = errors.New("format: unsupported feature")
	// ErrReserved indicates a reserved field that is not zero.
	ErrReserved = errors.New("format: reserved field set")
	// ErrBadLength indicates inconsistent length fields.
	ErrBadLength = errors.New("format: inconsistent length")
	// ErrBadVendor indicates a vendor tag that cannot be encoded.
	ErrBadVendor = errors.New("format: bad vendor tag")
)
