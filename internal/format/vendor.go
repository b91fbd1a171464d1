package format

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// VendorBytes is the width of the vendor tag in the top bits of an app id.
const VendorBytes = 5

const vendorShift = 64 - 8*VendorBytes

// VendorName decodes the Latin-1 vendor tag held in the top 40 bits of an
// app id, most significant byte first. Trailing NUL bytes are dropped.
func VendorName(appID uint64) string {
	raw := make([]byte, 0, VendorBytes)
	for i := VendorBytes - 1; i >= 0; i-- {
		raw = append(raw, byte(appID>>(vendorShift+8*uint(i))))
	}
	raw = []byte(strings.TrimRight(string(raw), "\x00"))

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// MakeAppID builds an app id from a vendor tag of at most five Latin-1
// characters and a 24-bit sequence number.
func MakeAppID(vendor string, seq uint32) (uint64, error) {
	raw, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(vendor))
	if err != nil {
		return 0, fmt.Errorf("vendor %q: %w", vendor, ErrBadVendor)
	}
	if len(raw) == 0 || len(raw) > VendorBytes {
		return 0, fmt.Errorf("vendor %q: %w", vendor, ErrBadVendor)
	}
	if seq >= 1<<vendorShift {
		return 0, fmt.Errorf("sequence %d exceeds 24 bits: %w", seq, ErrBadVendor)
	}
	var id uint64
	for i, c := range raw {
		id |= uint64(c) << (vendorShift + 8*uint(VendorBytes-1-i))
	}
	return id | uint64(seq), nil
}

// AppSeq returns the low 24 bits of an app id.
func AppSeq(appID uint64) uint32 {
	return uint32(appID & (1<<vendorShift - 1))
}

// KeyID scopes a 24-bit key index to the vendor of appID, so vendors cannot
// replace each other's keys.
func KeyID(appID uint64, idx uint64) uint64 {
	const seqMask = 1<<vendorShift - 1
	return appID&^seqMask | idx&seqMask
}
