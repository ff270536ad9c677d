package scheduler

import (
	"fmt"
	"time"

	"launcher/internal/eventbus"
	"launcher/internal/task/engine"
	"launcher/internal/task/wheel"
	logx "launcher/pkg/logx"
)

// firing is one activation handed from the clock to the engine.
type firing struct {
	sr       *series
	entry    *wheel.Entry
	deadline time.Time
	seq      uint64
	lag      time.Duration
}

// linkLocked inserts e, moving an entry that is already due to the next tick
// boundary. A due entry is at most one tick late that way.
func (s *Service) linkLocked(e *wheel.Entry) {
	if s.wheel.Add(e) {
		return
	}
	// Add rejected it, so the deadline is at or before the current tick; the
	// next boundary is always accepted.
	next := wheel.NewEntry(s.wheel.NextTickMs(), e.Value)
	if sr, ok := e.Value.(*series); ok && sr.entry == e {
		sr.entry = next
	}
	s.wheel.Add(next)
}

// expireLocked turns a flushed entry into a firing. One-shot series are
// retired; recurring series get their next activation linked before the lock
// is released, so a Cancel racing with this tick always finds the live entry.
func (s *Service) expireLocked(e *wheel.Entry, now time.Time) (firing, bool) {
	sr, ok := e.Value.(*series)
	if !ok || e.Cancelled() || s.series[sr.id] != sr || sr.entry != e {
		return firing{}, false
	}

	deadline := time.UnixMilli(e.Deadline())
	sr.fires++
	sr.lastFire = now
	f := firing{sr: sr, entry: e, deadline: deadline, seq: sr.fires, lag: now.Sub(deadline)}

	if sr.cron == nil {
		delete(s.series, sr.id)
		return f, true
	}

	next := sr.cron.Next(deadline)
	if !next.IsZero() && !next.After(now) {
		// The clock stalled past one or more activations: resume from now
		// instead of replaying every missed one.
		next = sr.cron.Next(now)
	}
	if next.IsZero() {
		delete(s.series, sr.id)
		s.log.Info("schedule exhausted", logx.String("schedule", sr.task.Name), logx.String("id", sr.id))
		return f, true
	}
	ne := wheel.NewEntry(next.UnixMilli(), sr)
	sr.entry = ne
	s.linkLocked(ne)
	return f, true
}

// dispatch enqueues firings in order. It never blocks: a full queue drops the
// activation and is reported, it never stalls the clock.
func (s *Service) dispatch(fs []firing) {
	for _, f := range fs {
		// A Cancel that lands between flush and enqueue still wins.
		if f.entry.Cancelled() {
			continue
		}
		s.fired.Add(1)
		sr := f.sr
		if s.bus != nil {
			fired := s.now()
			s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Time: fired, Data: ScheduleEvent{
				ID:       sr.id,
				Name:     sr.task.Name,
				Kind:     sr.kind,
				Spec:     sr.spec,
				Deadline: f.deadline,
				Fired:    fired,
				Lag:      f.lag.Milliseconds(),
				Fires:    f.seq,
			}})
		}
		err := s.engine.Enqueue(engine.Task{
			ID:      fmt.Sprintf("%s.%d", sr.id, f.seq),
			Name:    sr.task.Name,
			Timeout: sr.task.Timeout,
			Run:     sr.task.Run,
			Overlap: sr.task.Overlap.resolve(sr.cron != nil),
			Due:     f.deadline,
			State:   sr.state,
		})
		s.enq.report(s.log, sr.task.Name, err)
	}
}
