package buf

import "math"

// Add returns a+b for non-negative lengths, or false if either operand is
// negative or the sum does not fit in an int.
func Add(a, b int) (int, bool) {
	if a < 0 || b < 0 || a > math.MaxInt-b {
		return 0, false
	}
	return a + b, true
}

// Span returns b[off:off+n], capped at its own length, when the whole range
// lies inside b.
func Span(b []byte, off, n int) ([]byte, bool) {
	end, ok := Add(off, n)
	if !ok || end > len(b) {
		return nil, false
	}
	return b[off:end:end], true
}

// Fits reports whether n bytes starting at off lie inside b.
func Fits(b []byte, off, n int) bool {
	end, ok := Add(off, n)
	return ok && end <= len(b)
}

// AllZero reports whether every byte of b is zero.
func AllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
