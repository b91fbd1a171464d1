package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/hubkernel/internal/logger"
	"github.com/joshuapare/hubkernel/kernel/evtq"
	"github.com/joshuapare/hubkernel/kernel/slab"
	"github.com/joshuapare/hubkernel/kernel/systable"
	"github.com/joshuapare/hubkernel/kernel/timer"
)

// Kernel owns the event loop and every table the loop serves.
type Kernel struct {
	cfg Config
	log *slog.Logger

	queue   *evtq.Queue
	records *slab.Pool[record]

	clock    timer.Clock
	clockReq timer.ClockRequester
	timers   *timer.Table

	sys *systable.Trie

	hostLine HostLineFunc
	hostIRQ  *hostIRQ

	taskMu  sync.RWMutex
	tasks   []*task
	nextTid uint32

	// Loop goroutine only.
	cur *current

	closed atomic.Bool
}

// New builds a kernel sized by cfg.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:   cfg,
		log:   logger.L,
		tasks: make([]*task, cfg.MaxTasks),
	}
	for _, opt := range opts {
		opt(k)
	}

	var err error
	if k.queue, err = evtq.New(cfg.QueueCapacity, evtq.DiscardFunc(k.discard)); err != nil {
		return nil, fmt.Errorf("kernel: event queue: %w", err)
	}
	if k.records, err = slab.NewPool[record](cfg.ControlRecords); err != nil {
		return nil, fmt.Errorf("kernel: control records: %w", err)
	}
	k.timers = timer.New(k.clock, k.clockReq)
	k.hostIRQ = newHostIRQ(k.hostLine)
	if k.sys, err = newSyscalls(k); err != nil {
		return nil, fmt.Errorf("kernel: syscalls: %w", err)
	}

	k.log.Debug("kernel: ready",
		"queue", cfg.QueueCapacity,
		"records", cfg.ControlRecords,
		"tasks", cfg.MaxTasks)
	return k, nil
}

// Close stops the kernel. Queued events are released through their free
// tags, then every task is ended and its timers cancelled. Close must not
// run concurrently with Step.
func (k *Kernel) Close() {
	if !k.closed.CompareAndSwap(false, true) {
		return
	}
	k.queue.Close()

	k.taskMu.RLock()
	var live []TaskID
	for _, t := range k.tasks {
		if t != nil {
			live = append(live, t.tid)
		}
	}
	k.taskMu.RUnlock()
	for _, tid := range live {
		k.StopTask(tid)
	}
	k.log.Debug("kernel: closed")
}

// Step dispatches one event. With wait set it blocks until an event
// arrives or ctx is done. It reports whether an event was dispatched.
func (k *Kernel) Step(ctx context.Context, wait bool) bool {
	if k.closed.Load() {
		return false
	}
	ev, ok := k.queue.Dequeue(ctx, wait)
	if !ok {
		return false
	}
	k.dispatch(ev)
	return true
}

// Run dispatches events until ctx is done or the kernel is closed.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if k.Step(ctx, true) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if k.closed.Load() {
			return nil
		}
	}
}

// Pending returns the number of queued events.
func (k *Kernel) Pending() int { return k.queue.Len() }

func (k *Kernel) dispatch(ev evtq.Event) {
	typ := ev.Type & evtq.TypeMask
	switch typ {
	case EvtSubscribe, EvtUnsubscribe:
		rec := ev.Data.(*record)
		k.applySubscription(rec.tid, rec.evt, rec.kind == recSubscribe)
		k.release(ev.Type, ev.Data, ev.Free)

	case EvtDeferredCallback:
		rec := ev.Data.(*record)
		rec.fn()
		k.release(ev.Type, ev.Data, ev.Free)

	case EvtPrivateEvent:
		rec := ev.Data.(*record)
		if t := k.task(rec.tid); t != nil {
			cur := &current{typ: rec.evt, data: rec.data, free: rec.free}
			k.deliver(t, cur)
			if cur.taken {
				rec.free = evtq.NoFree()
			}
		} else {
			k.log.Debug("kernel: private event for missing task", "tid", rec.tid, "evt", rec.evt)
		}
		k.release(ev.Type, ev.Data, ev.Free)

	default:
		cur := &current{typ: typ, data: ev.Data, free: ev.Free}
		for _, t := range k.subscribers(typ) {
			k.deliver(t, cur)
		}
		if !cur.taken {
			k.release(ev.Type, ev.Data, ev.Free)
		}
	}
}

func (k *Kernel) deliver(t *task, cur *current) {
	k.cur = cur
	t.app.Handle(cur.typ, cur.data)
	k.cur = nil
}

// discard releases an event evicted from, or left in, the queue.
func (k *Kernel) discard(ev evtq.Event) {
	k.log.Debug("kernel: event discarded", "evt", ev.Type&evtq.TypeMask, "free", ev.Free.Kind())
	k.release(ev.Type, ev.Data, ev.Free)
}

// release frees a payload according to its tag.
func (k *Kernel) release(typ uint32, data any, free evtq.FreeTag) {
	switch free.Kind() {
	case evtq.FreeFunc:
		fn, _ := free.Func()
		fn(data)
	case evtq.FreeTask:
		tid, _ := free.Task()
		t := k.task(TaskID(tid))
		if t == nil {
			k.log.Warn("kernel: payload owner gone", "tid", tid, "evt", typ&evtq.TypeMask)
			return
		}
		t.app.Handle(EvtAppFreeEventData, FreeEventData{Type: typ & evtq.TypeMask, Data: data})
	}
}

func (k *Kernel) releaseRecord(data any) {
	rec := data.(*record)
	if rec.kind == recPrivate {
		k.release(rec.evt, rec.data, rec.free)
	}
	if err := k.records.Put(rec); err != nil {
		k.log.Error("kernel: control record release", "err", err)
	}
}

// RetainCurrentEvent takes ownership of the payload of the event being
// handled, so it is not released when the handler returns. Only one
// subscriber can take a given event. It must be called from inside
// App.Handle.
func (k *Kernel) RetainCurrentEvent() (Retained, bool) {
	if k.cur == nil || k.cur.taken {
		return Retained{}, false
	}
	k.cur.taken = true
	return Retained{Type: k.cur.typ, Data: k.cur.data, Free: k.cur.free}, true
}

// FreeRetained releases a payload taken with RetainCurrentEvent.
func (k *Kernel) FreeRetained(r Retained) {
	k.release(r.Type, r.Data, r.Free)
}
