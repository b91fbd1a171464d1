package appsec

import (
	"crypto/subtle"
	"math/big"

	"github.com/joshuapare/hubkernel/internal/format"
)

// expSquarings is log2(PublicExponent - 1): 65537 = 2^16 + 1.
const expSquarings = 16

// modexp raises a signature to the public exponent one modular
// multiplication at a time.
type modexp struct {
	n, sig, acc big.Int
	step        int
}

func (m *modexp) start(sig, n *big.Int) {
	m.sig.Set(sig)
	m.n.Set(n)
	m.acc.Set(sig)
	m.step = 0
}

// next performs one multiplication and reports whether the result is ready.
func (m *modexp) next() bool {
	if m.step < expSquarings {
		m.acc.Mul(&m.acc, &m.acc)
	} else {
		m.acc.Mul(&m.acc, &m.sig)
	}
	m.acc.Mod(&m.acc, &m.n)
	m.step++
	return m.step > expSquarings
}

func (m *modexp) clear() {
	m.sig.SetInt64(0)
	m.acc.SetInt64(0)
	m.step = 0
}

// DER prefix of a SHA-256 DigestInfo.
var sha256Prefix = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// pkcs1Matches reports whether em is the PKCS#1 v1.5 encoding of digest.
func pkcs1Matches(em []byte, digest []byte) bool {
	if len(em) != format.SigSize || len(digest) != 32 {
		return false
	}
	sep := len(em) - len(digest) - len(sha256Prefix) - 1
	ok := subtle.ConstantTimeByteEq(em[0], 0) & subtle.ConstantTimeByteEq(em[1], 1)
	for _, b := range em[2:sep] {
		ok &= subtle.ConstantTimeByteEq(b, 0xff)
	}
	ok &= subtle.ConstantTimeByteEq(em[sep], 0)
	ok &= subtle.ConstantTimeCompare(em[sep+1:sep+1+len(sha256Prefix)], sha256Prefix)
	ok &= subtle.ConstantTimeCompare(em[len(em)-len(digest):], digest)
	return ok == 1
}

// validModulus reports whether n is an odd modulus of exactly the signature
// width.
func validModulus(n *big.Int) bool {
	return n.BitLen() == format.ModulusSize*8 && n.Bit(0) == 1
}
