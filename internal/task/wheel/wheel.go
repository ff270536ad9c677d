// Package wheel implements a hierarchical timing wheel.
//
// Level 0 has Size slots of one tick each. Level k has Size slots of
// Size^k ticks each, so it spans Tick*Size^(k+1). Entries are placed in the
// lowest level whose span covers their deadline and cascade one level down
// every time the level below completes a rotation.
//
//	level 2  [ 0 | 1 | 2 | ... ]   slot = Size^2 ticks
//	level 1  [ 0 | 1 | 2 | ... ]   slot = Size ticks
//	level 0  [ 0 | 1 | 2 | ... ]   slot = 1 tick   <- flushed every Advance
//
// A Wheel is not safe for concurrent use; its owner serializes access.
package wheel

import (
	"fmt"
	"math"
)

// Wheel is a hierarchical timing wheel over absolute tick indexes
// (epoch milliseconds divided by the tick width).
type Wheel struct {
	tick    int64 // ms per level-0 slot
	size    int64
	levels  []*level
	current int64 // absolute index of the last processed tick
	count   int
}

type level struct {
	unit    int64 // ticks per slot
	buckets []*bucket
}

// CheckGeometry reports whether a wheel of the given shape can be built.
// The top level's span, tick*size^levels ms, must fit in an int64.
func CheckGeometry(tickMs int64, size, levels int) error {
	if tickMs <= 0 {
		return fmt.Errorf("wheel: tick must be > 0, got %d", tickMs)
	}
	if size < 2 {
		return fmt.Errorf("wheel: size must be >= 2, got %d", size)
	}
	if levels < 1 {
		return fmt.Errorf("wheel: levels must be >= 1, got %d", levels)
	}
	span := tickMs
	for k := 0; k < levels; k++ {
		if span > math.MaxInt64/int64(size) {
			return fmt.Errorf("wheel: %d levels of %d slots at %dms overflow the top span", levels, size, tickMs)
		}
		span *= int64(size)
	}
	return nil
}

// New builds a wheel anchored at nowMs.
func New(tickMs int64, size, levels int, nowMs int64) (*Wheel, error) {
	if err := CheckGeometry(tickMs, size, levels); err != nil {
		return nil, err
	}
	w := &Wheel{tick: tickMs, size: int64(size)}
	unit := int64(1)
	for k := 0; k < levels; k++ {
		lv := &level{unit: unit, buckets: make([]*bucket, size)}
		for i := range lv.buckets {
			lv.buckets[i] = newBucket()
		}
		w.levels = append(w.levels, lv)
		unit *= int64(size)
	}
	w.current = floorDiv(nowMs, tickMs)
	return w, nil
}

// TickMs returns the level-0 slot width.
func (w *Wheel) TickMs() int64 { return w.tick }

// Size returns the number of slots per level.
func (w *Wheel) Size() int { return int(w.size) }

// Levels returns the number of levels.
func (w *Wheel) Levels() int { return len(w.levels) }

// Span returns the time covered by one full rotation of level k, in ms.
func (w *Wheel) Span(k int) int64 {
	if k < 0 || k >= len(w.levels) {
		return 0
	}
	return w.levels[k].unit * w.size * w.tick
}

// Current returns the absolute index of the last processed tick.
func (w *Wheel) Current() int64 { return w.current }

// NowMs returns the wheel's notion of now: the start of the current tick.
func (w *Wheel) NowMs() int64 { return w.current * w.tick }

// NextTickMs returns the epoch ms boundary at which the next Advance is due.
func (w *Wheel) NextTickMs() int64 { return (w.current + 1) * w.tick }

// Len returns the number of linked entries.
func (w *Wheel) Len() int { return w.count }

// Add links e into the bucket covering its deadline.
//
// It returns false, without linking, when the deadline falls on or before the
// current tick; the caller is expected to dispatch such entries immediately.
func (w *Wheel) Add(e *Entry) bool {
	if e.b != nil {
		w.Remove(e)
	}
	d := ceilDiv(e.deadline, w.tick)
	if d <= w.current {
		return false
	}
	w.place(e, d)
	w.count++
	return true
}

// place links e, due at tick d > current, without touching count.
func (w *Wheel) place(e *Entry, d int64) {
	for k, lv := range w.levels {
		if d/lv.unit-w.current/lv.unit <= w.size {
			lv.buckets[(d/lv.unit)%w.size].push(e)
			e.level = k
			return
		}
	}
	// Beyond the top level's span: park in the top slot that cascades last.
	// The cascade re-places the entry, closer each rotation.
	k := len(w.levels) - 1
	top := w.levels[k]
	top.buckets[(w.current/top.unit)%w.size].push(e)
	e.level = k
}

// Remove unlinks e in O(1). It reports false when e is not in the wheel.
func (w *Wheel) Remove(e *Entry) bool {
	if e.b == nil {
		return false
	}
	if !e.b.remove(e) {
		return false
	}
	w.count--
	return true
}

// Advance moves the wheel forward by one tick and returns the entries that
// became due, in bucket insertion order. Levels whose rotation wrapped on this
// tick are cascaded first, highest level first.
func (w *Wheel) Advance() []*Entry {
	w.current++

	for k := len(w.levels) - 1; k >= 1; k-- {
		lv := w.levels[k]
		if w.current%lv.unit != 0 {
			continue
		}
		w.cascade(lv)
	}

	slot := w.levels[0].buckets[w.current%w.size]
	flushed := slot.flush()
	w.count -= len(flushed)

	due := flushed[:0]
	for _, e := range flushed {
		if d := ceilDiv(e.deadline, w.tick); d > w.current {
			// Only reachable if the entry was linked against a stale current.
			w.place(e, d)
			w.count++
			continue
		}
		due = append(due, e)
	}
	return due
}

// cascade redistributes the slot of lv that starts at the current tick.
func (w *Wheel) cascade(lv *level) {
	b := lv.buckets[(w.current/lv.unit)%w.size]
	for _, e := range b.flush() {
		d := ceilDiv(e.deadline, w.tick)
		if d <= w.current {
			// Due on this very tick: join the level-0 slot about to be flushed.
			w.levels[0].buckets[w.current%w.size].push(e)
			e.level = 0
			continue
		}
		w.place(e, d)
	}
}

// Clear unlinks every entry and returns them.
func (w *Wheel) Clear() []*Entry {
	var out []*Entry
	for _, lv := range w.levels {
		for _, b := range lv.buckets {
			out = append(out, b.flush()...)
		}
	}
	w.count = 0
	return out
}

// Reset clears the wheel and re-anchors it at nowMs.
func (w *Wheel) Reset(nowMs int64) []*Entry {
	out := w.Clear()
	w.current = floorDiv(nowMs, w.tick)
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}
