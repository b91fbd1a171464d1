// Package kernel is the hub's event-driven core: a bounded task table, one
// event queue drained by a single loop goroutine, software timers and the
// syscall trie, tied together by a Kernel value.
//
// # Events
//
// Event types are 32-bit. The top bit (evtq.Discardable) marks an event the
// queue may evict under pressure. Types below FirstBroadcastEvent are kernel
// control events and cannot be enqueued through Enqueue; types from
// FirstBroadcastEvent up to FirstUserEvent are published by the kernel and
// its services; the rest belong to apps.
//
// Every event carries an evtq.FreeTag saying how its payload is released
// once all subscribers have seen it or it is evicted: not at all, by a
// function, or by the owning task, which then receives EvtAppFreeEventData.
// A handler that needs the payload past its return calls
// RetainCurrentEvent and later FreeRetained.
//
// # Threading
//
// Step and Run belong to one goroutine, the loop. App callbacks, deferred
// calls and subscription changes all run there. Enqueue, EnqueuePrivate,
// Defer, Subscribe, SetTimer and TimerIRQ may be called from any goroutine.
// Evicting an event releases its payload inside the enqueue that evicted
// it, so a FreeTask payload can reach its owner off the loop.
package kernel
