// Package simpleq implements a single-producer, single-consumer queue of
// fixed-size entries copied by value.
//
// Entries are copied into preallocated slots; nothing is allocated after
// construction and no payload ownership changes hands. The producer and
// consumer may run concurrently. Besides head and tail, each slot has a
// state word; whoever moves the head first claims the head slot's state.
//
// When the queue holds Cap() entries, an enqueue marked possibly-discardable
// may evict the oldest entry that was itself enqueued as discardable. The
// evicted entry is handed to the Discarder, the entries ahead of it move up
// one slot and the head advances, so evictions never use up ring space.
package simpleq

import (
	"errors"
	"math/bits"
	"runtime"
	"sync/atomic"
)

var (
	// ErrBadSize indicates a zero capacity or entry size.
	ErrBadSize = errors.New("simpleq: capacity and entry size must be positive")
)

const (
	slotEmpty uint32 = iota
	slotReady
	slotReadyDiscardable
	// slotTaking is held by the consumer while it copies the head entry.
	slotTaking

	// slotLocked is or'ed onto ready states the producer is moving.
	slotLocked uint32 = 1 << 3
)

// Discarder receives evicted entries, and on Close every remaining entry
// with onClose set. The entry slice is only valid during the call.
type Discarder interface {
	Discard(entry []byte, onClose bool)
}

// DiscardFunc adapts a function to Discarder.
type DiscardFunc func(entry []byte, onClose bool)

// Discard calls f(entry, onClose).
func (f DiscardFunc) Discard(entry []byte, onClose bool) { f(entry, onClose) }

// Queue is a bounded SPSC queue of fixed-size entries.
type Queue struct {
	capacity  int32
	entrySize int
	mask      uint32
	data      []byte
	state     []atomic.Uint32

	head atomic.Uint32
	tail atomic.Uint32
	live atomic.Int32

	discard Discarder
}

// New creates a queue holding up to capacity entries of entrySize bytes.
// d may be nil.
func New(capacity, entrySize uint32, d Discarder) (*Queue, error) {
	if capacity == 0 || entrySize == 0 || capacity > 1<<24 {
		return nil, ErrBadSize
	}
	size := uint32(1) << bits.Len32(capacity*2-1)
	return &Queue{
		capacity:  int32(capacity),
		entrySize: int(entrySize),
		mask:      size - 1,
		data:      make([]byte, int(size)*int(entrySize)),
		state:     make([]atomic.Uint32, size),
		discard:   d,
	}, nil
}

// Cap returns the number of entries the queue accepts before eviction.
func (q *Queue) Cap() int { return int(q.capacity) }

// EntrySize returns the slot size in bytes.
func (q *Queue) EntrySize() int { return q.entrySize }

// Len returns the number of live entries.
func (q *Queue) Len() int { return int(q.live.Load()) }

// Enqueue copies data into the next slot. Shorter data is zero-padded;
// longer data is rejected. When the queue is full and possiblyDiscardable
// is set, the oldest discardable entry is evicted to make room. Only the
// single producer may call Enqueue.
func (q *Queue) Enqueue(data []byte, possiblyDiscardable bool) bool {
	if len(data) > q.entrySize {
		return false
	}

	t := q.tail.Load()
	if t-q.head.Load() > q.mask {
		return false
	}

	if q.live.Load() >= q.capacity {
		if !possiblyDiscardable {
			return false
		}
		if !q.evictOldest(t) {
			// The consumer may have made room while we searched.
			if q.live.Load() >= q.capacity {
				return false
			}
			q.live.Add(1)
		}
	} else {
		q.live.Add(1)
	}

	dst := q.slot(t)
	n := copy(dst, data)
	clear(dst[n:])

	st := slotReady
	if possiblyDiscardable {
		st = slotReadyDiscardable
	}
	q.state[t&q.mask].Store(st)
	q.tail.Store(t + 1)
	return true
}

// evictOldest removes the oldest discardable entry and closes the gap. Its
// live count passes to the entry being enqueued.
func (q *Queue) evictOldest(tail uint32) bool {
	for {
		h := q.head.Load()
		victim, retry := q.findDiscardable(h, tail)
		if retry {
			runtime.Gosched()
			continue
		}
		if victim == tail {
			return false
		}
		if !q.lockRange(h, victim) {
			runtime.Gosched()
			continue
		}

		if q.discard != nil {
			// Locked slots are invisible to the consumer.
			q.discard.Discard(q.slot(victim), false)
		}
		for pos := victim; pos != h; pos-- {
			copy(q.slot(pos), q.slot(pos-1))
			q.state[pos&q.mask].Store(q.state[(pos-1)&q.mask].Load())
		}
		q.state[h&q.mask].Store(slotEmpty)
		q.head.Store(h + 1)
		for pos := h + 1; pos != victim+1; pos++ {
			st := &q.state[pos&q.mask]
			st.Store(st.Load() &^ slotLocked)
		}
		return true
	}
}

// findDiscardable returns the position of the oldest discardable entry in
// [h, tail), or tail. retry is set while the consumer holds the head slot.
func (q *Queue) findDiscardable(h, tail uint32) (pos uint32, retry bool) {
	for pos = h; pos != tail; pos++ {
		switch q.state[pos&q.mask].Load() {
		case slotReadyDiscardable:
			return pos, false
		case slotReady:
		default:
			return tail, true
		}
	}
	return tail, false
}

// lockRange marks [h, last] as being moved. It fails, leaving nothing
// locked, if the consumer claimed the head slot first.
func (q *Queue) lockRange(h, last uint32) bool {
	for pos := h; pos != last+1; pos++ {
		st := &q.state[pos&q.mask]
		v := st.Load()
		if (v == slotReady || v == slotReadyDiscardable) && st.CompareAndSwap(v, v|slotLocked) {
			continue
		}
		for undo := h; undo != pos; undo++ {
			u := &q.state[undo&q.mask]
			u.Store(u.Load() &^ slotLocked)
		}
		return false
	}
	return true
}

// Dequeue copies the oldest entry into out, which must hold EntrySize()
// bytes. Only the single consumer may call Dequeue.
func (q *Queue) Dequeue(out []byte) bool {
	if len(out) < q.entrySize {
		return false
	}
	for {
		h := q.head.Load()
		if h == q.tail.Load() {
			return false
		}
		st := &q.state[h&q.mask]
		v := st.Load()
		if v != slotReady && v != slotReadyDiscardable {
			// The producer is moving entries.
			return false
		}
		if !st.CompareAndSwap(v, slotTaking) {
			continue
		}
		if q.head.Load() != h {
			// An eviction advanced the head and the slot was reused.
			st.Store(v)
			continue
		}
		copy(out, q.slot(h))
		q.live.Add(-1)
		st.Store(slotEmpty)
		q.head.Store(h + 1)
		return true
	}
}

// Close hands every remaining entry to the Discarder with onClose set.
// Neither side may use the queue concurrently.
func (q *Queue) Close() {
	for h, t := q.head.Load(), q.tail.Load(); h != t; h++ {
		prev := q.state[h&q.mask].Swap(slotEmpty)
		if (prev == slotReady || prev == slotReadyDiscardable) && q.discard != nil {
			q.discard.Discard(q.slot(h), true)
		}
	}
	q.head.Store(q.tail.Load())
	q.live.Store(0)
}

func (q *Queue) slot(pos uint32) []byte {
	off := int(pos&q.mask) * q.entrySize
	return q.data[off : off+q.entrySize : off+q.entrySize]
}
