// Package evtq implements the kernel's multi-producer, single-consumer event
// queue.
//
// Producers on the fast path never block and never take a lock: a slot is
// reserved by advancing the tail with compare-and-swap, the record is
// written, and the slot's sequence number is bumped to publish it.
//
// Admission is bounded by the logical capacity. When the queue is full the
// oldest queued event carrying the Discardable bit is evicted (its Discarder
// runs synchronously) and the new event is enqueued; if no such event
// exists the enqueue fails and nothing changes.
//
// Eviction closes the gap it makes: the events ahead of the victim move up
// one slot and the head advances, so the ring never fills with holes and a
// full queue always has physical room for the event that evicted. Evicting
// producers freeze the slots they move by setting the lock bit in their
// sequence numbers, which the consumer treats as "not ready yet". Eviction
// and front insertion are serialized among producers; the consumer never
// waits on them.
package evtq

import (
	"context"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrBadCapacity indicates a zero or oversized queue capacity.
var ErrBadCapacity = errors.New("evtq: capacity must be in [1, 1<<30]")

// seqLocked marks a published slot that the consumer or an evicting
// producer has claimed.
const seqLocked = uint64(1) << 63

type slot struct {
	seq atomic.Uint64
	rec atomic.Pointer[Event]
}

// Queue is a bounded MPSC event queue.
type Queue struct {
	capacity int64
	size     uint64
	mask     uint64
	slots    []slot

	head atomic.Uint64
	tail atomic.Uint64
	live atomic.Int64

	// slow serializes eviction and front insertion.
	slow sync.Mutex

	wake    chan struct{}
	discard Discarder
}

// New creates a queue admitting up to capacity events. d may be nil.
func New(capacity uint32, d Discarder) (*Queue, error) {
	if capacity == 0 || capacity > 1<<30 {
		return nil, ErrBadCapacity
	}
	size := uint64(1) << bits.Len64(uint64(capacity)*2-1)
	if size < 4 {
		size = 4
	}
	q := &Queue{
		capacity: int64(capacity),
		size:     size,
		mask:     size - 1,
		slots:    make([]slot, size),
		wake:     make(chan struct{}, 1),
		discard:  d,
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q, nil
}

// Cap returns the logical capacity.
func (q *Queue) Cap() int { return int(q.capacity) }

// Len returns the number of live (not evicted, not dequeued) events.
func (q *Queue) Len() int { return int(q.live.Load()) }

// Enqueue appends an event. It is safe from any number of goroutines.
func (q *Queue) Enqueue(typ uint32, data any, free FreeTag) bool {
	ev := &Event{Type: typ, Data: data, Free: free}
	for {
		if q.reserve() {
			if !q.pushBack(ev) {
				q.live.Add(-1)
				return false
			}
			q.signal()
			return true
		}
		q.slow.Lock()
		victim, ok := q.evict(nil)
		q.slow.Unlock()
		if !ok {
			if q.live.Load() < q.capacity {
				// The consumer made room while we searched.
				continue
			}
			return false
		}
		// The victim's unit of capacity passes to ev. Eviction advanced the
		// head, so the tail slot is free.
		if q.discard != nil {
			q.discard.Discard(*victim)
		}
		if !q.pushBack(ev) {
			q.live.Add(-1)
			return false
		}
		q.signal()
		return true
	}
}

// EnqueueFront inserts an event ahead of everything queued.
//
// Deprecated: front insertion bypasses FIFO ordering and only exists for
// legacy urgent deferrals. Its ordering against concurrent producers is
// unspecified. On a full queue it evicts the oldest discardable event the
// same way Enqueue does and takes the head position; with nothing to evict
// it fails. It may also fail, without evicting, while the consumer is
// recycling the slot in front of the head. New code must use Enqueue.
func (q *Queue) EnqueueFront(typ uint32, data any, free FreeTag) bool {
	ev := &Event{Type: typ, Data: data, Free: free}
	q.slow.Lock()
	defer q.slow.Unlock()
	for {
		if q.reserve() {
			if !q.pushFront(ev) {
				q.live.Add(-1)
				return false
			}
			q.signal()
			return true
		}
		victim, ok := q.evict(ev)
		if !ok {
			if q.live.Load() < q.capacity {
				continue
			}
			return false
		}
		if q.discard != nil {
			q.discard.Discard(*victim)
		}
		q.signal()
		return true
	}
}

// reserve takes one unit of logical capacity if any is left.
func (q *Queue) reserve() bool {
	for {
		n := q.live.Load()
		if n >= q.capacity {
			return false
		}
		if q.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// evict removes the oldest discardable event. The published events ahead of
// it shift up one slot. With front nil the head then advances past the
// freed slot; otherwise front is stored there and becomes the new head
// event. The caller holds q.slow.
func (q *Queue) evict(front *Event) (*Event, bool) {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		victim, retry := q.findDiscardable(h, t)
		if retry {
			runtime.Gosched()
			continue
		}
		if victim == t {
			return nil, false
		}
		if !q.lockRange(h, victim) {
			runtime.Gosched()
			continue
		}

		// Only the holder of slot h's lock moves the head now, and front
		// insertion is excluded by q.slow, so head is still h.
		ev := q.slots[victim&q.mask].rec.Load()
		for pos := victim; pos != h; pos-- {
			q.slots[pos&q.mask].rec.Store(q.slots[(pos-1)&q.mask].rec.Load())
		}
		hs := &q.slots[h&q.mask]
		if front != nil {
			hs.rec.Store(front)
			for pos := h; pos != victim+1; pos++ {
				q.slots[pos&q.mask].seq.Store(pos + 1)
			}
			return ev, true
		}
		hs.rec.Store(nil)
		q.head.Store(h + 1)
		for pos := h + 1; pos != victim+1; pos++ {
			q.slots[pos&q.mask].seq.Store(pos + 1)
		}
		hs.seq.Store(h + q.size)
		return ev, true
	}
}

// findDiscardable returns the position of the oldest discardable event in
// [h, t), or t if there is none. retry is set when a slot in the way is
// still being published or is held by the consumer.
func (q *Queue) findDiscardable(h, t uint64) (pos uint64, retry bool) {
	for pos = h; pos != t; pos++ {
		s := &q.slots[pos&q.mask]
		if s.seq.Load() != pos+1 {
			return t, true
		}
		if ev := s.rec.Load(); ev != nil && ev.Discardable() {
			return pos, false
		}
	}
	return t, false
}

// lockRange claims the published slots [h, last]. On failure nothing stays
// claimed.
func (q *Queue) lockRange(h, last uint64) bool {
	for pos := h; pos != last+1; pos++ {
		if q.slots[pos&q.mask].seq.CompareAndSwap(pos+1, (pos+1)|seqLocked) {
			continue
		}
		for undo := h; undo != pos; undo++ {
			q.slots[undo&q.mask].seq.Store(undo + 1)
		}
		return false
	}
	return true
}

func (q *Queue) pushBack(ev *Event) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		dif := int64(s.seq.Load() - pos)
		switch {
		case dif == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.rec.Store(ev)
				s.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			// The slot still holds an event one lap behind.
			return false
		}
	}
}

// pushFront places ev in the slot before the head. The caller holds q.slow.
func (q *Queue) pushFront(ev *Event) bool {
	for {
		h := q.head.Load()
		p := h - 1
		s := &q.slots[p&q.mask]
		free := p + q.size

		// Claim the slot with a value no producer or consumer will accept.
		if !s.seq.CompareAndSwap(free, free-1) {
			if q.head.Load() != h {
				continue
			}
			return false
		}
		if !q.head.CompareAndSwap(h, p) {
			s.seq.Store(free)
			continue
		}
		s.rec.Store(ev)
		s.seq.Store(p + 1)
		return true
	}
}

// TryDequeue removes the next event without blocking. Only the single
// consumer may call it.
func (q *Queue) TryDequeue() (Event, bool) {
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		if s.seq.Load() != pos+1 {
			if q.head.Load() != pos {
				continue
			}
			return Event{}, false
		}
		if !s.seq.CompareAndSwap(pos+1, (pos+1)|seqLocked) {
			continue
		}
		if !q.head.CompareAndSwap(pos, pos+1) {
			// A front insertion moved the head.
			s.seq.Store(pos + 1)
			continue
		}
		ev := s.rec.Swap(nil)
		s.seq.Store(pos + q.size)
		if ev == nil {
			continue
		}
		q.live.Add(-1)
		return *ev, true
	}
}

// Dequeue removes the next event. With wait set it blocks until an event
// arrives or ctx is done. Only the single consumer may call it.
func (q *Queue) Dequeue(ctx context.Context, wait bool) (Event, bool) {
	for {
		if ev, ok := q.TryDequeue(); ok {
			return ev, true
		}
		if !wait {
			return Event{}, false
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Close drains the queue, handing every remaining event to the Discarder.
// Producers must have stopped.
func (q *Queue) Close() {
	for {
		ev, ok := q.TryDequeue()
		if !ok {
			return
		}
		if q.discard != nil {
			q.discard.Discard(ev)
		}
	}
}
