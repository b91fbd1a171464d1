package kernel

import (
	"github.com/joshuapare/hubkernel/kernel/evtq"
	"github.com/joshuapare/hubkernel/kernel/timer"
)

type timerOwner struct {
	tid    TaskID
	cookie any
}

// SetTimer arms a timer owned by tid. Each expiry posts EvtTimer with a
// TimerEvent to the task. It returns the timer id, or 0 when tid is not
// running or the timer table is full.
func (k *Kernel) SetTimer(tid TaskID, length uint64, jitterPPM, driftPPM uint32, oneShot bool, cookie any) uint32 {
	if k.task(tid) == nil {
		return 0
	}
	id := k.timers.SetAsOwner(length, jitterPPM, driftPPM,
		timer.CallbackFunc(k.timerFired), timerOwner{tid: tid, cookie: cookie}, oneShot, uint32(tid))
	if id == 0 {
		k.log.Warn("kernel: timer table full", "tid", tid)
	}
	return id
}

// CancelTimer cancels a timer set with SetTimer.
func (k *Kernel) CancelTimer(id uint32) bool { return k.timers.Cancel(id) }

// TimerIRQ services the platform timer tick. It reports whether any timer
// fired.
func (k *Kernel) TimerIRQ() bool { return k.timers.HandleIRQ() }

// Now returns the kernel clock in nanoseconds.
func (k *Kernel) Now() uint64 { return k.timers.Now() }

func (k *Kernel) timerFired(id uint32, data any) {
	o := data.(timerOwner)
	if !k.EnqueuePrivate(EvtTimer, TimerEvent{ID: id, Cookie: o.cookie}, evtq.NoFree(), o.tid) {
		k.log.Warn("kernel: timer event dropped", "timer", id, "tid", o.tid)
	}
}
