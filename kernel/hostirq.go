package kernel

import (
	"sync"

	"github.com/joshuapare/hubkernel/kernel/bitset"
)

// Host interrupt bits.
const (
	HostIntWakeComplete uint32 = 0
	HostIntWakeup       uint32 = 1
	HostIntNonWakeup    uint32 = 2
	// HostIntCmdWait tells the host that a command it was told to retry
	// can now make progress.
	HostIntCmdWait uint32 = 3

	// MaxHostInterrupts is the number of host interrupt bits.
	MaxHostInterrupts = 256
)

// HostLineFunc drives one of the two interrupt lines to the host. wakeup
// selects the wakeup line (pending unmasked bits) or the non-wakeup line
// (pending masked bits). It runs with the interrupt state locked and must
// not call back into the kernel.
type HostLineFunc func(wakeup, asserted bool)

// hostIRQ tracks pending host interrupts. A masked bit still becomes
// pending but only raises the non-wakeup line.
type hostIRQ struct {
	mu      sync.Mutex
	pending *bitset.Bitset
	masked  *bitset.Bitset
	wake    int
	nonWake int
	line    HostLineFunc
}

func newHostIRQ(line HostLineFunc) *hostIRQ {
	h := &hostIRQ{
		pending: bitset.New(MaxHostInterrupts),
		masked:  bitset.New(MaxHostInterrupts),
		line:    line,
	}
	h.masked.SetBit(HostIntNonWakeup)
	return h
}

func (h *hostIRQ) drive(wakeup, asserted bool) {
	if h.line != nil {
		h.line(wakeup, asserted)
	}
}

func (h *hostIRQ) inc(wakeup bool) {
	n := &h.nonWake
	if wakeup {
		n = &h.wake
	}
	*n++
	if *n == 1 {
		h.drive(wakeup, true)
	}
}

func (h *hostIRQ) dec(wakeup bool) {
	n := &h.nonWake
	if wakeup {
		n = &h.wake
	}
	*n--
	if *n == 0 {
		h.drive(wakeup, false)
	}
}

// SetHostInterrupt marks bit pending and raises the matching line if it
// was idle. Out-of-range bits are ignored.
func (k *Kernel) SetHostInterrupt(bit uint32) {
	h := k.hostIRQ
	if bit >= MaxHostInterrupts {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending.GetBit(bit) {
		return
	}
	h.pending.SetBit(bit)
	h.inc(!h.masked.GetBit(bit))
}

// ClearHostInterrupt acknowledges bit.
func (k *Kernel) ClearHostInterrupt(bit uint32) {
	h := k.hostIRQ
	if bit >= MaxHostInterrupts {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pending.GetBit(bit) {
		return
	}
	h.pending.ClearBit(bit)
	h.dec(!h.masked.GetBit(bit))
}

// HostInterrupt reports whether bit is pending.
func (k *Kernel) HostInterrupt(bit uint32) bool {
	return k.hostIRQ.pending.GetBit(bit)
}

// MaskHostInterrupt moves bit to the non-wakeup line.
func (k *Kernel) MaskHostInterrupt(bit uint32) {
	h := k.hostIRQ
	if bit >= MaxHostInterrupts {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.masked.GetBit(bit) {
		return
	}
	h.masked.SetBit(bit)
	if h.pending.GetBit(bit) {
		h.dec(true)
		h.inc(false)
	}
}

// UnmaskHostInterrupt moves bit back to the wakeup line.
func (k *Kernel) UnmaskHostInterrupt(bit uint32) {
	h := k.hostIRQ
	if bit >= MaxHostInterrupts {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.masked.GetBit(bit) {
		return
	}
	h.masked.ClearBit(bit)
	if h.pending.GetBit(bit) {
		h.inc(true)
		h.dec(false)
	}
}

// HostInterruptMasked reports whether bit is on the non-wakeup line.
func (k *Kernel) HostInterruptMasked(bit uint32) bool {
	return k.hostIRQ.masked.GetBit(bit)
}

// HostInterrupts clears every bit set in ack, then copies the pending bits
// into dst. It returns the number of words written. This is the host's
// read-and-acknowledge request.
func (k *Kernel) HostInterrupts(ack, dst []uint64) int {
	for w, word := range ack {
		for b := uint32(0); word != 0 && b < 64; b++ {
			if word&(1<<b) != 0 {
				k.ClearHostInterrupt(uint32(w)*64 + b)
				word &^= 1 << b
			}
		}
	}
	return k.hostIRQ.pending.BulkRead(dst)
}
