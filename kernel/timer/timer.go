// Package timer implements the kernel's software timer table.
//
// The table holds at most Capacity timers. Slots are claimed through an
// atomic bitset; entry contents are guarded by a short critical section that
// the tick handler also takes, so Set and Cancel may race with HandleIRQ.
//
// Due callbacks run synchronously inside HandleIRQ, after the critical
// section is released, so a callback may set or cancel timers. A timer
// cancelled before its callback starts never fires; one already running
// cannot be stopped.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/hubkernel/kernel/bitset"
)

// Capacity is the fixed number of timer slots.
const Capacity = 8

// Callback is invoked when a timer fires.
type Callback interface {
	Fire(id uint32, data any)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(id uint32, data any)

// Fire calls f(id, data).
func (f CallbackFunc) Fire(id uint32, data any) { f(id, data) }

// Clock returns monotonic nanoseconds since an arbitrary reference.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

// Now calls f.
func (f ClockFunc) Now() uint64 { return f() }

// SystemClock is a Clock backed by the Go monotonic clock.
type SystemClock struct{ start time.Time }

// NewSystemClock returns a clock whose reference is the moment of the call.
func NewSystemClock() *SystemClock { return &SystemClock{start: time.Now()} }

// Now returns nanoseconds since the clock was created.
func (c *SystemClock) Now() uint64 { return uint64(time.Since(c.start)) }

// ClockRequester receives the next wakeup the table needs, with the
// tightest jitter and drift tolerance among armed timers. next is zero when
// no timer is armed.
type ClockRequester interface {
	RequestClock(next uint64, jitterPPM, driftPPM uint32)
}

type slotState uint8

const (
	slotIdle slotState = iota
	slotArmed
	slotFiring
)

type entry struct {
	id      uint32
	state   slotState
	expires uint64
	period  uint64
	jitter  uint32
	drift   uint32
	oneShot bool
	tid     uint32
	cb      Callback
	data    any
}

// Table is a bounded set of software timers.
type Table struct {
	clock Clock
	req   ClockRequester

	used    bitset.Bitset
	mu      sync.Mutex
	entries [Capacity]entry
	nextID  atomic.Uint32
}

// New creates an empty table. req may be nil.
func New(clock Clock, req ClockRequester) *Table {
	if clock == nil {
		clock = NewSystemClock()
	}
	t := &Table{clock: clock, req: req}
	t.used.Init(Capacity)
	return t
}

// Now returns the table clock's current time.
func (t *Table) Now() uint64 { return t.clock.Now() }

// Set arms a timer firing after length nanoseconds, and every length
// nanoseconds after that unless oneShot is set. It returns the timer id,
// or 0 when the table is full or cb is nil.
func (t *Table) Set(length uint64, jitterPPM, driftPPM uint32, cb Callback, data any, oneShot bool) uint32 {
	return t.SetAsOwner(length, jitterPPM, driftPPM, cb, data, oneShot, 0)
}

// SetAsOwner is Set with an owning task, so CancelAll(tid) can reclaim
// the timer when the task ends.
func (t *Table) SetAsOwner(length uint64, jitterPPM, driftPPM uint32, cb Callback, data any, oneShot bool, tid uint32) uint32 {
	if cb == nil {
		return 0
	}
	idx, ok := t.used.FindClearAndSet()
	if !ok {
		return 0
	}
	id := t.newID()

	t.mu.Lock()
	t.entries[idx] = entry{
		id:      id,
		state:   slotArmed,
		expires: t.clock.Now() + length,
		period:  length,
		jitter:  jitterPPM,
		drift:   driftPPM,
		oneShot: oneShot,
		tid:     tid,
		cb:      cb,
		data:    data,
	}
	t.mu.Unlock()

	t.requestClock()
	return id
}

func (t *Table) newID() uint32 {
	for {
		if id := t.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Cancel removes the timer with the given id. It reports whether a timer
// was removed.
func (t *Table) Cancel(id uint32) bool {
	if id == 0 {
		return false
	}
	t.mu.Lock()
	found := false
	for i := range t.entries {
		if t.entries[i].id == id {
			t.release(uint32(i))
			found = true
			break
		}
	}
	t.mu.Unlock()

	if found {
		t.requestClock()
	}
	return found
}

// CancelAll removes every timer owned by tid and returns how many were
// removed. Timers without an owner are never matched.
func (t *Table) CancelAll(tid uint32) int {
	if tid == 0 {
		return 0
	}
	t.mu.Lock()
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.state != slotIdle && e.tid == tid {
			t.release(uint32(i))
			n++
		}
	}
	t.mu.Unlock()

	if n > 0 {
		t.requestClock()
	}
	return n
}

// Active returns the number of occupied slots.
func (t *Table) Active() int { return int(t.used.Count()) }

// release frees slot i. The caller holds mu.
func (t *Table) release(i uint32) {
	t.entries[i] = entry{}
	t.used.ClearBit(i)
}

type due struct {
	idx uint32
	id  uint32
}

// HandleIRQ fires every due timer and re-arms periodic ones. The platform
// tick driver calls it once per tick. It reports whether any callback ran.
func (t *Table) HandleIRQ() bool {
	var (
		list [Capacity]due
		n    int
	)
	now := t.clock.Now()

	t.mu.Lock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.state != slotArmed || e.expires > now {
			continue
		}
		list[n] = due{idx: uint32(i), id: e.id}
		n++
		if e.oneShot {
			e.state = slotFiring
			continue
		}
		e.expires += e.period
		if e.expires <= now {
			// Missed ticks are not replayed.
			e.expires = now + e.period
		}
	}
	t.mu.Unlock()

	fired := false
	for _, d := range list[:n] {
		t.mu.Lock()
		e := &t.entries[d.idx]
		if e.id != d.id {
			t.mu.Unlock()
			continue
		}
		cb, data := e.cb, e.data
		if e.oneShot {
			t.release(d.idx)
		}
		t.mu.Unlock()

		cb.Fire(d.id, data)
		fired = true
	}

	t.requestClock()
	return fired
}

func (t *Table) requestClock() {
	if t.req == nil {
		return
	}
	var (
		next          uint64
		jitter, drift uint32
		armed         bool
	)
	t.mu.Lock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.state != slotArmed {
			continue
		}
		if !armed || e.expires < next {
			next = e.expires
		}
		if !armed || e.jitter < jitter {
			jitter = e.jitter
		}
		if !armed || e.drift < drift {
			drift = e.drift
		}
		armed = true
	}
	t.mu.Unlock()
	t.req.RequestClock(next, jitter, drift)
}
