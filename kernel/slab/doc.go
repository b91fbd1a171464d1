// Package slab provides fixed-capacity, fixed-item-size allocators.
//
// # Overview
//
// A slab is carved out once at construction and never grows. Occupancy is
// tracked by a lock-free bitset, so Alloc and Free are safe from any number
// of goroutines (including code that stands in for interrupt handlers) and
// never block.
//
// Two flavours are provided:
//
//   - Allocator: raw byte items of a given size and alignment, carved from a
//     single arena. On unix the arena is an anonymous private mapping so it
//     sits outside the Go heap; elsewhere it is a plain byte slice.
//   - Pool[T]: typed kernel objects, for records that hold Go references
//     (callbacks, payload interfaces) and therefore must live on the Go heap.
//
// # Addressing
//
// Item i lives at base + i*stride, where stride is the item size rounded up
// to the requested alignment. Alignment must be a power of two no larger than
// MaxAlign; requests above MaxAlign are rejected rather than silently capped.
//
// # Ownership
//
// Each item is either free or owned by exactly one caller. Freeing an item
// that did not come from this slab, or one that is already free, is a
// contract violation and reported as ErrBadItem or ErrDoubleFree.
package slab
