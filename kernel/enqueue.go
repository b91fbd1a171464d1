package kernel

import "github.com/joshuapare/hubkernel/kernel/evtq"

// Enqueue posts a broadcast event to every task subscribed to its type.
// It fails for control types, after Close, and when the queue is full
// with nothing discardable to evict; the payload is then still the
// caller's.
func (k *Kernel) Enqueue(evt uint32, data any, free evtq.FreeTag) bool {
	if evt&evtq.TypeMask < FirstBroadcastEvent {
		k.log.Debug("kernel: control event type rejected", "evt", evt&evtq.TypeMask)
		return false
	}
	return k.post(evt, data, free, false)
}

// EnqueueOrFree is Enqueue, releasing the payload through free when the
// event cannot be queued.
func (k *Kernel) EnqueueOrFree(evt uint32, data any, free evtq.FreeTag) bool {
	if k.Enqueue(evt, data, free) {
		return true
	}
	k.release(evt, data, free)
	return false
}

// EnqueueAsApp posts a broadcast event whose payload belongs to from. The
// task receives EvtAppFreeEventData once the event is done with.
func (k *Kernel) EnqueueAsApp(evt uint32, data any, from TaskID) bool {
	if from == 0 {
		return false
	}
	return k.Enqueue(evt, data, evtq.FreeByTask(uint32(from)))
}

// EnqueuePrivate posts evt to a single task, bypassing subscriptions.
// Any type other than zero is allowed.
func (k *Kernel) EnqueuePrivate(evt uint32, data any, free evtq.FreeTag, to TaskID) bool {
	if to == 0 || evt&evtq.TypeMask == 0 {
		return false
	}
	rec, ok := k.newRecord(recPrivate)
	if !ok {
		return false
	}
	rec.tid = to
	rec.evt = evt & evtq.TypeMask
	rec.data = data
	rec.free = free
	return k.postRecord(EvtPrivateEvent, rec, false)
}

// Subscribe asks for tid to receive broadcasts of type evt. The change is
// applied on the loop, in queue order; the result only says whether the
// request was queued.
func (k *Kernel) Subscribe(tid TaskID, evt uint32) bool {
	return k.requestSubscription(recSubscribe, EvtSubscribe, tid, evt)
}

// Unsubscribe reverses Subscribe.
func (k *Kernel) Unsubscribe(tid TaskID, evt uint32) bool {
	return k.requestSubscription(recUnsubscribe, EvtUnsubscribe, tid, evt)
}

func (k *Kernel) requestSubscription(kind recordKind, typ uint32, tid TaskID, evt uint32) bool {
	if tid == 0 {
		return false
	}
	rec, ok := k.newRecord(kind)
	if !ok {
		return false
	}
	rec.tid = tid
	rec.evt = evt & evtq.TypeMask
	return k.postRecord(typ, rec, false)
}

// Defer runs fn on the loop. An urgent call is queued ahead of every
// pending event.
func (k *Kernel) Defer(fn func(), urgent bool) bool {
	if fn == nil {
		return false
	}
	rec, ok := k.newRecord(recDeferred)
	if !ok {
		return false
	}
	rec.fn = fn
	return k.postRecord(EvtDeferredCallback, rec, urgent)
}

func (k *Kernel) newRecord(kind recordKind) (*record, bool) {
	rec, ok := k.records.Get()
	if !ok {
		k.log.Warn("kernel: control records exhausted", "cap", k.records.Cap())
		return nil, false
	}
	rec.kind = kind
	return rec, true
}

// postRecord queues a control record, returning it to the pool when the
// queue refuses it. The record's payload stays with the caller in that case.
func (k *Kernel) postRecord(typ uint32, rec *record, front bool) bool {
	if k.post(typ, rec, evtq.FreeWith(k.releaseRecord), front) {
		return true
	}
	if err := k.records.Put(rec); err != nil {
		k.log.Error("kernel: control record release", "err", err)
	}
	return false
}

func (k *Kernel) post(typ uint32, data any, free evtq.FreeTag, front bool) bool {
	if k.closed.Load() {
		return false
	}
	var ok bool
	if front {
		ok = k.queue.EnqueueFront(typ, data, free) //nolint:staticcheck // urgent deferred calls
	} else {
		ok = k.queue.Enqueue(typ, data, free)
	}
	if !ok {
		k.log.Warn("kernel: event queue full", "evt", typ&evtq.TypeMask, "pending", k.queue.Len())
	}
	return ok
}
