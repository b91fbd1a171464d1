package slab

import "errors"

var (
	// ErrBadItem indicates a pointer that does not address an item of this slab.
	ErrBadItem = errors.New("slab: item does not belong to this slab")

	// ErrDoubleFree indicates an attempt to free an item that is not allocated.
	ErrDoubleFree = errors.New("slab: item is not allocated")

	// ErrBadAlign indicates an alignment that is zero, not a power of two, or above MaxAlign.
	ErrBadAlign = errors.New("slab: alignment must be a power of two <= MaxAlign")

	// ErrBadSize indicates a zero item size or item count.
	ErrBadSize = errors.New("slab: item size and count must be positive")
)
