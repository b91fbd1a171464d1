package slab

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/joshuapare/hubkernel/kernel/bitset"
)

// MaxAlign is the largest supported item alignment (one machine word).
const MaxAlign = 8

// Allocator hands out fixed-size byte items from a fixed arena.
type Allocator struct {
	itemSize uint32
	stride   uint32
	count    uint32

	arena   []byte
	release func() error
	used    bitset.Bitset
}

// New creates an allocator of count items, each itemSize bytes aligned to
// itemAlign.
func New(itemSize, itemAlign, count uint32) (*Allocator, error) {
	if itemSize == 0 || count == 0 {
		return nil, ErrBadSize
	}
	if itemAlign == 0 || itemAlign&(itemAlign-1) != 0 || itemAlign > MaxAlign {
		return nil, fmt.Errorf("align %d: %w", itemAlign, ErrBadAlign)
	}

	stride := (uint64(itemSize) + uint64(itemAlign) - 1) &^ (uint64(itemAlign) - 1)
	total := stride * uint64(count)
	if stride > math.MaxUint32 || total > math.MaxInt32 {
		return nil, fmt.Errorf("slab: %d items of %d bytes is too large", count, stride)
	}

	arena, release, err := mapArena(int(total))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		itemSize: itemSize,
		stride:   uint32(stride),
		count:    count,
		arena:    arena,
		release:  release,
	}
	a.used.Init(count)
	return a, nil
}

// Alloc claims a free item. It returns false when the slab is exhausted.
// The item's previous contents are not cleared.
func (a *Allocator) Alloc() ([]byte, bool) {
	idx, ok := a.used.FindClearAndSet()
	if !ok {
		return nil, false
	}
	return a.item(idx), true
}

// Free returns item to the slab.
func (a *Allocator) Free(item []byte) error {
	idx, ok := a.IndexOf(item)
	if !ok {
		return ErrBadItem
	}
	if !a.used.GetBit(idx) {
		return ErrDoubleFree
	}
	a.used.ClearBit(idx)
	return nil
}

// ItemByIndex returns the item at idx if it is currently allocated.
func (a *Allocator) ItemByIndex(idx uint32) ([]byte, bool) {
	if idx >= a.count || !a.used.GetBit(idx) {
		return nil, false
	}
	return a.item(idx), true
}

// IndexOf maps an item back to its index. It reports false for slices that
// do not start exactly at an item boundary inside this slab's arena.
func (a *Allocator) IndexOf(item []byte) (uint32, bool) {
	if len(item) == 0 || a.arena == nil {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.arena)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(item)))
	if p < base {
		return 0, false
	}
	off := p - base
	if off >= uintptr(len(a.arena)) || off%uintptr(a.stride) != 0 {
		return 0, false
	}
	return uint32(off / uintptr(a.stride)), true
}

// Cap returns the number of items the slab holds.
func (a *Allocator) Cap() uint32 { return a.count }

// InUse returns the number of currently allocated items.
func (a *Allocator) InUse() uint32 { return a.used.Count() }

// ItemSize returns the usable size of each item.
func (a *Allocator) ItemSize() uint32 { return a.itemSize }

// Stride returns the distance in bytes between consecutive items.
func (a *Allocator) Stride() uint32 { return a.stride }

// Close releases the arena. Items must not be used afterwards.
func (a *Allocator) Close() error {
	if a.arena == nil {
		return nil
	}
	a.arena = nil
	return a.release()
}

func (a *Allocator) item(idx uint32) []byte {
	off := idx * a.stride
	return a.arena[off : off+a.itemSize : off+a.itemSize]
}
