package kernel

import (
	"slices"

	"github.com/joshuapare/hubkernel/kernel/evtq"
)

// App is the code a task runs. Every method runs on the loop goroutine,
// with two exceptions. Init runs on whichever goroutine called AddApp.
// Handle(EvtAppFreeEventData) runs on the producer's goroutine when an
// event whose payload the task owns is evicted to make room, or is
// refused by EnqueueOrFree, so an app that posts with EnqueueAsApp must
// tolerate that call arriving concurrently with its other methods.
type App interface {
	// Init prepares the app; returning false aborts the start.
	Init(k *Kernel, tid TaskID) bool
	// Handle receives subscribed broadcasts and private events.
	Handle(evt uint32, data any)
	// End runs once when the task stops.
	End()
}

// TaskInfo describes a running task.
type TaskInfo struct {
	TID           TaskID
	AppID         uint64
	Subscriptions []uint32
}

type task struct {
	tid   TaskID
	appID uint64
	app   App
	subs  []uint32
}

// AddApp starts app as a new task. Init runs before AddApp returns; the
// task then receives EvtAppStart as its first event.
func (k *Kernel) AddApp(app App, appID uint64) (TaskID, bool) {
	if app == nil || k.closed.Load() {
		return 0, false
	}

	k.taskMu.Lock()
	slot := slices.Index(k.tasks, nil)
	if slot < 0 {
		k.taskMu.Unlock()
		k.log.Warn("kernel: task table full", "app", appID, "max", k.cfg.MaxTasks)
		return 0, false
	}
	t := &task{
		tid:   k.allocTidLocked(),
		appID: appID,
		app:   app,
		subs:  make([]uint32, 0, k.cfg.MaxSubscriptions),
	}
	k.tasks[slot] = t
	k.taskMu.Unlock()

	if !app.Init(k, t.tid) {
		k.removeTask(t.tid)
		k.timers.CancelAll(uint32(t.tid))
		k.log.Warn("kernel: app init failed", "app", appID, "tid", t.tid)
		return 0, false
	}
	if !k.EnqueuePrivate(EvtAppStart, nil, evtq.NoFree(), t.tid) {
		k.log.Warn("kernel: app start event dropped", "tid", t.tid)
	}
	k.log.Info("kernel: task started", "app", appID, "tid", t.tid)
	return t.tid, true
}

func (k *Kernel) allocTidLocked() TaskID {
	for {
		k.nextTid++
		tid := TaskID(k.nextTid)
		if tid != 0 && k.findLocked(tid) == nil {
			return tid
		}
	}
}

// StopTask ends a task: it leaves the table, its timers are cancelled and
// its subscriptions dropped, then End runs. Events already queued for it
// are released when they come up.
func (k *Kernel) StopTask(tid TaskID) bool {
	t := k.removeTask(tid)
	if t == nil {
		return false
	}
	n := k.timers.CancelAll(uint32(tid))
	t.app.End()
	k.log.Info("kernel: task stopped", "app", t.appID, "tid", tid, "timers", n)
	return true
}

func (k *Kernel) removeTask(tid TaskID) *task {
	k.taskMu.Lock()
	defer k.taskMu.Unlock()
	for i, t := range k.tasks {
		if t != nil && t.tid == tid {
			k.tasks[i] = nil
			return t
		}
	}
	return nil
}

// FindApp returns the task running appID.
func (k *Kernel) FindApp(appID uint64) (TaskID, bool) {
	k.taskMu.RLock()
	defer k.taskMu.RUnlock()
	for _, t := range k.tasks {
		if t != nil && t.appID == appID {
			return t.tid, true
		}
	}
	return 0, false
}

// Tasks lists the running tasks in table order.
func (k *Kernel) Tasks() []TaskInfo {
	k.taskMu.RLock()
	defer k.taskMu.RUnlock()
	var out []TaskInfo
	for _, t := range k.tasks {
		if t != nil {
			out = append(out, TaskInfo{TID: t.tid, AppID: t.appID, Subscriptions: slices.Clone(t.subs)})
		}
	}
	return out
}

func (k *Kernel) task(tid TaskID) *task {
	k.taskMu.RLock()
	defer k.taskMu.RUnlock()
	return k.findLocked(tid)
}

func (k *Kernel) findLocked(tid TaskID) *task {
	for _, t := range k.tasks {
		if t != nil && t.tid == tid {
			return t
		}
	}
	return nil
}

func (k *Kernel) subscribers(evt uint32) []*task {
	k.taskMu.RLock()
	defer k.taskMu.RUnlock()
	var out []*task
	for _, t := range k.tasks {
		if t != nil && slices.Contains(t.subs, evt) {
			out = append(out, t)
		}
	}
	return out
}

func (k *Kernel) applySubscription(tid TaskID, evt uint32, add bool) {
	k.taskMu.Lock()
	defer k.taskMu.Unlock()
	t := k.findLocked(tid)
	if t == nil {
		k.log.Debug("kernel: subscription for missing task", "tid", tid, "evt", evt)
		return
	}
	idx := slices.Index(t.subs, evt)
	switch {
	case add && idx >= 0:
	case add && len(t.subs) >= k.cfg.MaxSubscriptions:
		k.log.Warn("kernel: subscription table full", "tid", tid, "evt", evt)
	case add:
		t.subs = append(t.subs, evt)
	case idx >= 0:
		t.subs = slices.Delete(t.subs, idx, idx+1)
	}
}
