package appsec

import (
	"crypto/sha256"
	"fmt"

	"github.com/joshuapare/hubkernel/internal/buf"
	"github.com/joshuapare/hubkernel/internal/format"
)

// Info describes an image without verifying it.
type Info struct {
	Header     format.Header
	Enc        *format.EncHeader
	BodyOffset int
	// KeyHashes holds the modulus hash of each signature record, in order.
	KeyHashes [][32]byte
	// Trailing counts bytes after the last whole signature record.
	Trailing int
}

// Inspect decodes the headers and signature records of a complete image.
// Nothing is verified; use State for that.
func Inspect(img []byte) (Info, error) {
	hdr, err := format.ParseHeader(img)
	if err != nil {
		return Info{}, err
	}
	info := Info{Header: hdr, BodyOffset: format.HeaderSize}
	if hdr.Encrypted() {
		e, err := format.ParseEncHeader(img[format.HeaderSize:])
		if err != nil {
			return Info{}, err
		}
		if err := format.CheckLengths(hdr, e); err != nil {
			return Info{}, err
		}
		info.Enc = &e
		info.BodyOffset += format.EncHeaderSize
	}

	body, ok := buf.Span(img, info.BodyOffset, int(hdr.DataLen))
	if !ok {
		return Info{}, fmt.Errorf("image body: %w", format.ErrTruncated)
	}
	rest := img[info.BodyOffset+len(body):]
	if hdr.Signed() {
		for len(rest) >= format.SigRecordSize {
			info.KeyHashes = append(info.KeyHashes, sha256.Sum256(rest[format.SigSize:format.SigRecordSize]))
			rest = rest[format.SigRecordSize:]
		}
	}
	info.Trailing = len(rest)
	return info, nil
}
