package wheel

import (
	"container/list"
	"sync/atomic"
)

// Entry is a scheduled item held by the wheel.
//
// The bucket back-reference (b, elem) makes removal O(1). It is owned by the
// wheel and must only be touched while the wheel's owner holds its lock.
// The tombstone is atomic so it can be set from any goroutine.
type Entry struct {
	deadline int64 // epoch ms
	Value    any

	cancelled atomic.Bool

	b     *bucket
	elem  *list.Element
	level int
}

// NewEntry creates an entry due at deadlineMs (epoch milliseconds).
func NewEntry(deadlineMs int64, v any) *Entry {
	return &Entry{deadline: deadlineMs, Value: v, level: -1}
}

// Deadline returns the absolute deadline in epoch milliseconds.
func (e *Entry) Deadline() int64 { return e.deadline }

// Cancel tombstones the entry. It reports whether this call set the tombstone.
func (e *Entry) Cancel() bool { return e.cancelled.CompareAndSwap(false, true) }

// Cancelled reports whether the entry was tombstoned.
func (e *Entry) Cancelled() bool { return e.cancelled.Load() }

// Level is the wheel level currently holding the entry, or -1 when it is not
// linked into any bucket. Read it under the owner's lock.
func (e *Entry) Level() int {
	if e.b == nil {
		return -1
	}
	return e.level
}
