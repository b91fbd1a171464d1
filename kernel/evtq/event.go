package evtq

// Discardable marks an event type as safe to evict under queue pressure.
const Discardable uint32 = 1 << 31

// TypeMask strips the discardable bit from an event type.
const TypeMask = ^Discardable

// FreeKind identifies how an event payload is released.
type FreeKind uint8

const (
	// FreeNone means the payload needs no release.
	FreeNone FreeKind = iota
	// FreeFunc means the payload is released by calling a function.
	FreeFunc
	// FreeTask means the payload belongs to a task, which is asked to release it.
	FreeTask
)

func (k FreeKind) String() string {
	switch k {
	case FreeNone:
		return "none"
	case FreeFunc:
		return "func"
	case FreeTask:
		return "task"
	default:
		return "unknown"
	}
}

// FreeTag says how an event's payload is released once the event has been
// handled or evicted. It carries either a release function or the id of the
// task that owns the payload, never both.
type FreeTag struct {
	kind FreeKind
	fn   func(data any)
	tid  uint32
}

// NoFree returns a tag for payloads that need no release.
func NoFree() FreeTag { return FreeTag{} }

// FreeWith returns a tag that releases the payload by calling fn.
// A nil fn is the same as NoFree.
func FreeWith(fn func(data any)) FreeTag {
	if fn == nil {
		return FreeTag{}
	}
	return FreeTag{kind: FreeFunc, fn: fn}
}

// FreeByTask returns a tag naming the task that must release the payload.
// Task id 0 is the same as NoFree.
func FreeByTask(tid uint32) FreeTag {
	if tid == 0 {
		return FreeTag{}
	}
	return FreeTag{kind: FreeTask, tid: tid}
}

// Kind reports which variant the tag holds.
func (t FreeTag) Kind() FreeKind { return t.kind }

// Func returns the release function for FreeFunc tags.
func (t FreeTag) Func() (func(data any), bool) { return t.fn, t.kind == FreeFunc }

// Task returns the owning task for FreeTask tags.
func (t FreeTag) Task() (uint32, bool) { return t.tid, t.kind == FreeTask }

// Event is one queued record.
type Event struct {
	Type uint32
	Data any
	Free FreeTag
}

// Discardable reports whether the event may be evicted under pressure.
func (e Event) Discardable() bool { return e.Type&Discardable != 0 }

// Discarder receives events evicted from a full queue or left behind when
// the queue is closed. Discard runs synchronously inside the call that
// triggered it, possibly on a producer goroutine.
type Discarder interface {
	Discard(ev Event)
}

// DiscardFunc adapts a function to Discarder.
type DiscardFunc func(ev Event)

// Discard calls f(ev).
func (f DiscardFunc) Discard(ev Event) { f(ev) }
