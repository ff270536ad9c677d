package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	cur := s.wheel.Current()
	pending := s.wheel.Len()
	items := make([]SeriesInfo, 0, len(s.series))
	for _, sr := range s.series {
		items = append(items, SeriesInfo{
			ID:       sr.id,
			Name:     sr.task.Name,
			Kind:     sr.kind,
			Spec:     sr.spec,
			Next:     time.UnixMilli(sr.entry.Deadline()).In(loc),
			Level:    sr.entry.Level(),
			Fires:    sr.fires,
			Created:  sr.created,
			LastFire: sr.lastFire,
		})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Next.Equal(items[j].Next) {
			return items[i].Next.Before(items[j].Next)
		}
		return items[i].Name < items[j].Name
	})

	snap := Snapshot{
		State:       s.State().String(),
		Tick:        cfg.Tick,
		WheelSize:   cfg.WheelSize,
		Levels:      cfg.Levels,
		Timezone:    loc.String(),
		CurrentTick: cur,
		Pending:     pending,
		Fired:       s.fired.Load(),
		Series:      items,
		Engine:      s.engine.Snapshot(),
	}
	if err := s.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}
