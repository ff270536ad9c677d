package scheduler

import (
	"context"
	"time"

	logx "launcher/pkg/logx"
)

// maxTicksPerPass bounds how long the clock holds the wheel lock while
// catching up after a stall.
const maxTicksPerPass = 1024

// runClock advances the wheel at every tick boundary. Boundaries are absolute
// (multiples of the tick since the epoch) so sleep overshoot never accumulates,
// and every missed boundary is processed in order after a stall.
func (s *Service) runClock(ctx context.Context) error {
	s.mu.Lock()
	gran := s.cfg.ClockGranularity
	s.mu.Unlock()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		s.mu.Lock()
		next := s.wheel.NextTickMs()
		s.mu.Unlock()

		if wait := time.Duration(next-s.now().UnixMilli()) * time.Millisecond; wait > 0 {
			timer.Reset(min(wait, gran))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		s.advance(s.now())
	}
}

// advance processes every tick boundary up to now, bounded per pass, and
// dispatches what became due.
func (s *Service) advance(now time.Time) {
	nowMs := now.UnixMilli()

	s.mu.Lock()
	var due []firing
	ticks := 0
	for ticks < maxTicksPerPass && s.wheel.NextTickMs() <= nowMs {
		for _, e := range s.wheel.Advance() {
			if f, ok := s.expireLocked(e, now); ok {
				due = append(due, f)
			}
		}
		ticks++
	}
	behind := s.wheel.NextTickMs() <= nowMs
	cur := s.wheel.Current()
	s.mu.Unlock()

	if ticks > 1 {
		s.log.Debug("clock caught up", logx.Int("ticks", ticks), logx.Int64("tick", cur), logx.Bool("behind", behind))
	} else if ticks == 1 {
		s.log.Trace("tick", logx.Int64("tick", cur), logx.Int("due", len(due)))
	}
	s.dispatch(due)
}
