package slab

import (
	"unsafe"

	"github.com/joshuapare/hubkernel/kernel/bitset"
)

// Pool is a fixed-capacity allocator of T values.
type Pool[T any] struct {
	items []T
	used  bitset.Bitset
}

// NewPool creates a pool of count zeroed T values. T must have a non-zero size.
func NewPool[T any](count uint32) (*Pool[T], error) {
	var zero T
	if count == 0 || unsafe.Sizeof(zero) == 0 {
		return nil, ErrBadSize
	}
	p := &Pool[T]{items: make([]T, count)}
	p.used.Init(count)
	return p, nil
}

// Get claims a free object. The object is zeroed.
func (p *Pool[T]) Get() (*T, bool) {
	idx, ok := p.used.FindClearAndSet()
	if !ok {
		return nil, false
	}
	return &p.items[idx], true
}

// Put returns obj to the pool, zeroing it so it holds no references.
func (p *Pool[T]) Put(obj *T) error {
	idx, ok := p.IndexOf(obj)
	if !ok {
		return ErrBadItem
	}
	if !p.used.GetBit(idx) {
		return ErrDoubleFree
	}
	var zero T
	*obj = zero
	p.used.ClearBit(idx)
	return nil
}

// At returns the object at idx if it is currently allocated.
func (p *Pool[T]) At(idx uint32) (*T, bool) {
	if idx >= uint32(len(p.items)) || !p.used.GetBit(idx) {
		return nil, false
	}
	return &p.items[idx], true
}

// IndexOf maps an object pointer back to its index.
func (p *Pool[T]) IndexOf(obj *T) (uint32, bool) {
	if obj == nil {
		return 0, false
	}
	size := unsafe.Sizeof(*obj)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.items)))
	ptr := uintptr(unsafe.Pointer(obj))
	if ptr < base {
		return 0, false
	}
	off := ptr - base
	if off%size != 0 || off/size >= uintptr(len(p.items)) {
		return 0, false
	}
	return uint32(off / size), true
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() uint32 { return uint32(len(p.items)) }

// InUse returns the number of allocated objects.
func (p *Pool[T]) InUse() uint32 { return p.used.Count() }
