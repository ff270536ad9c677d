package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"launcher/internal/eventbus"
	"launcher/internal/task/cronexpr"
	"launcher/internal/task/engine"
	"launcher/internal/task/wheel"
	logx "launcher/pkg/logx"
)

// Submit validates t, computes its first deadline and links it into the wheel.
//
// Submissions are accepted while stopped and start counting down from the
// moment of submission; they fire once Start runs. A malformed cron
// expression is rejected here and nothing is linked.
func (s *Service) Submit(t Task) (Handle, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return Handle{}, fmt.Errorf("%w: name required", ErrInvalidTask)
	}
	if t.Run == nil {
		return Handle{}, fmt.Errorf("%w: %s: Run is nil", ErrInvalidTask, name)
	}
	if s.State() == StateFailed {
		return Handle{}, ErrFailed
	}
	t.Name = name

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()

	now := s.now()
	sr := &series{
		id:      uuid.NewString(),
		task:    t,
		state:   &engine.RunState{},
		created: now,
	}

	var deadline time.Time
	switch tr := t.Trigger.(type) {
	case OneShot:
		if tr.Delay < 0 {
			return Handle{}, fmt.Errorf("%w: %s: negative delay %s", ErrInvalidTask, name, tr.Delay)
		}
		deadline = now.Add(tr.Delay)
		sr.kind = "once"
		sr.spec = tr.String()
	case Recurring:
		expr, err := cronexpr.ParseInLocation(tr.Expr, loc)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: %s: %w", ErrInvalidTask, name, err)
		}
		deadline = expr.Next(now)
		if deadline.IsZero() {
			return Handle{}, fmt.Errorf("%w: %s: %q never fires", ErrInvalidTask, name, expr.String())
		}
		sr.cron = expr
		sr.kind = "cron"
		sr.spec = expr.String()
	case nil:
		return Handle{}, fmt.Errorf("%w: %s: trigger required", ErrInvalidTask, name)
	default:
		return Handle{}, fmt.Errorf("%w: %s: unsupported trigger %T", ErrInvalidTask, name, tr)
	}

	sr.entry = wheel.NewEntry(deadline.UnixMilli(), sr)

	s.mu.Lock()
	s.series[sr.id] = sr
	s.linkLocked(sr.entry)
	next := time.UnixMilli(sr.entry.Deadline())
	s.mu.Unlock()

	if s.log.Enabled(logx.LevelDebug) {
		args := []logx.Field{logx.String("schedule", name), logx.String("id", sr.id), logx.String("spec", sr.spec), logx.Time("next", next)}
		if sr.cron != nil {
			args = append(args, logx.String("upcoming", previewNextRuns(sr.cron, next, 3)))
		}
		s.log.Debug("schedule registered", args...)
	}
	s.publish(eventbus.ScheduleAdded, ScheduleEvent{ID: sr.id, Name: name, Kind: sr.kind, Spec: sr.spec, Deadline: next})
	return Handle{ID: sr.id}, nil
}

// SubmitSchedule parses schedule (see ParseSchedule) and submits the task.
func (s *Service) SubmitSchedule(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) (Handle, error) {
	ps, err := ParseSchedule(schedule, s.now())
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrInvalidTask, name, err)
	}
	return s.Submit(Task{Name: name, Trigger: ps.Trigger(), Run: fn, Timeout: timeout})
}

// Cancel tombstones and unlinks the task behind h. It reports false for
// unknown, already fired or already cancelled handles. A run that was already
// handed to the engine is not interrupted.
func (s *Service) Cancel(h Handle) bool {
	if h.IsZero() {
		return false
	}
	s.mu.Lock()
	sr, ok := s.series[h.ID]
	if ok {
		s.cancelLocked(sr)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.log.Debug("schedule cancelled", logx.String("schedule", sr.task.Name), logx.String("id", sr.id))
	s.publish(eventbus.ScheduleCancelled, ScheduleEvent{ID: sr.id, Name: sr.task.Name, Kind: sr.kind, Spec: sr.spec, Deadline: time.UnixMilli(sr.entry.Deadline())})
	return true
}

// CancelName cancels every pending task named name and returns how many
// were cancelled.
func (s *Service) CancelName(name string) int {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	var hit []*series
	for _, sr := range s.series {
		if sr.task.Name == name {
			s.cancelLocked(sr)
			hit = append(hit, sr)
		}
	}
	s.mu.Unlock()

	for _, sr := range hit {
		s.publish(eventbus.ScheduleCancelled, ScheduleEvent{ID: sr.id, Name: sr.task.Name, Kind: sr.kind, Spec: sr.spec, Deadline: time.UnixMilli(sr.entry.Deadline())})
	}
	if len(hit) > 0 {
		s.log.Debug("schedules cancelled", logx.String("schedule", name), logx.Int("count", len(hit)))
	}
	return len(hit)
}

func (s *Service) cancelLocked(sr *series) {
	delete(s.series, sr.id)
	sr.entry.Cancel()
	s.wheel.Remove(sr.entry)
}

// Pending returns the number of live series.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.series)
}

func (s *Service) publish(typ string, ev ScheduleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func previewNextRuns(expr *cronexpr.Expr, first time.Time, n int) string {
	runs := expr.NextN(first, n)
	out := make([]string, 0, len(runs))
	for _, t := range runs {
		out = append(out, t.Format(time.RFC3339))
	}
	return strings.Join(out, ", ")
}
