package kernel

import "github.com/joshuapare/hubkernel/kernel/evtq"

// TaskID identifies a running task. Zero is never a valid id.
type TaskID uint32

// Kernel control events. Apps never subscribe to these; the kernel
// delivers EvtAppStart, EvtAppFreeEventData and EvtTimer straight to the
// task concerned.
const (
	EvtSubscribe uint32 = iota + 1
	EvtUnsubscribe
	EvtDeferredCallback
	EvtPrivateEvent
	EvtAppStart
	EvtAppFreeEventData
	EvtTimer
)

const (
	// FirstBroadcastEvent is the first type Enqueue accepts.
	FirstBroadcastEvent uint32 = 0x80

	// EvtAppInstalled is published by the app loader after an upload
	// finishes. Its payload is a loader.InstallResult.
	EvtAppInstalled = FirstBroadcastEvent

	// FirstUserEvent is the first type reserved for apps.
	FirstUserEvent uint32 = 0x100
)

// FreeEventData is the payload of EvtAppFreeEventData: an event whose
// payload the receiving task owns and must now release.
type FreeEventData struct {
	Type uint32
	Data any
}

// TimerEvent is the payload of EvtTimer.
type TimerEvent struct {
	ID     uint32
	Cookie any
}

// Retained is an event payload kept alive past its handler by
// RetainCurrentEvent. Pass it to FreeRetained exactly once.
type Retained struct {
	Type uint32
	Data any
	Free evtq.FreeTag
}

type recordKind uint8

const (
	recSubscribe recordKind = iota + 1
	recUnsubscribe
	recDeferred
	recPrivate
)

// record is a kernel control message. Records come from a bounded pool so
// control traffic cannot grow without limit.
type record struct {
	kind recordKind
	tid  TaskID
	evt  uint32
	fn   func()
	data any
	free evtq.FreeTag
}

// current tracks the event being handed to subscribers so one of them can
// take ownership of its payload.
type current struct {
	typ   uint32
	data  any
	free  evtq.FreeTag
	taken bool
}
