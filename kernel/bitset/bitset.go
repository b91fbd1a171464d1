// Package bitset provides a lock-free, fixed-size bit allocator.
//
// A Bitset hands out indices in [0, Len()) by atomically claiming a clear
// bit. It is safe to use from any number of goroutines at once, including
// code standing in for interrupt handlers: no operation blocks, and the only
// retry loop is a compare-and-swap on a single word.
//
// Bits at or beyond Len() in the last word are kept permanently set, so a
// search for a clear bit can never produce an out-of-range index.
//
// # Usage
//
//	bs := bitset.New(40)
//	idx, ok := bs.FindClearAndSet()
//	if !ok {
//	    // every bit is taken
//	}
//	defer bs.ClearBit(idx)
package bitset

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Bitset is a fixed-size set of bits backed by atomic words.
//
// The zero value is an empty bitset with no usable bits; use New or Init.
type Bitset struct {
	n     uint32
	words []atomic.Uint64
}

// New returns a bitset of n bits, all clear.
func New(n uint32) *Bitset {
	b := &Bitset{}
	b.Init(n)
	return b
}

// Init (re)initializes b to hold n clear bits. It must not race with any
// other operation on b.
func (b *Bitset) Init(n uint32) {
	nw := (n + wordBits - 1) / wordBits
	b.n = n
	b.words = make([]atomic.Uint64, nw)

	// Pad the tail so FindClearAndSet never sees bits past n.
	if rem := n % wordBits; rem != 0 {
		b.words[nw-1].Store(^uint64(0) << rem)
	}
}

// Len returns the number of usable bits.
func (b *Bitset) Len() uint32 { return b.n }

// GetBit reports whether bit idx is set. Out-of-range indices report false.
func (b *Bitset) GetBit(idx uint32) bool {
	if idx >= b.n {
		return false
	}
	return b.words[idx/wordBits].Load()&(1<<(idx%wordBits)) != 0
}

// SetBit sets bit idx. Out-of-range indices are ignored.
func (b *Bitset) SetBit(idx uint32) {
	if idx >= b.n {
		return
	}
	b.words[idx/wordBits].Or(1 << (idx % wordBits))
}

// ClearBit clears bit idx, making it eligible for FindClearAndSet again.
// Out-of-range indices are ignored.
func (b *Bitset) ClearBit(idx uint32) {
	if idx >= b.n {
		return
	}
	b.words[idx/wordBits].And(^uint64(1 << (idx % wordBits)))
}

// FindClearAndSet atomically claims some clear bit and returns its index.
// It returns false when every bit is set. No ordering of returned indices
// is promised.
func (b *Bitset) FindClearAndSet() (uint32, bool) {
	for i := range b.words {
		w := &b.words[i]
		for {
			old := w.Load()
			if old == ^uint64(0) {
				break
			}
			bit := uint32(bits.TrailingZeros64(^old))
			if w.CompareAndSwap(old, old|1<<bit) {
				return uint32(i)*wordBits + bit, true
			}
			// Lost the race for this word; look at it again.
		}
	}
	return 0, false
}

// BulkRead copies a snapshot of the first len(dst)*64 bits into dst, with
// padding bits past Len() cleared. Each word is read atomically but the
// snapshot as a whole is not.
func (b *Bitset) BulkRead(dst []uint64) int {
	n := min(len(dst), len(b.words))
	for i := 0; i < n; i++ {
		dst[i] = b.words[i].Load()
	}
	if n == len(b.words) && n > 0 {
		if rem := b.n % wordBits; rem != 0 {
			dst[n-1] &= (1 << rem) - 1
		}
	}
	return n
}

// Count returns the number of set bits among the first Len() bits.
func (b *Bitset) Count() uint32 {
	var c int
	for i := range b.words {
		c += bits.OnesCount64(b.words[i].Load())
	}
	pad := len(b.words)*wordBits - int(b.n)
	return uint32(c - pad)
}

