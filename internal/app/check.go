package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"launcher/internal/config"
	"launcher/internal/task/cronexpr"
	"launcher/internal/task/scheduler"
)

// Check parses and validates cfgPath without starting anything and writes
// the next n fire times of every enabled task to w.
func Check(cfgPath string, w io.Writer, n int, now time.Time) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateSchedules)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}
	if n <= 0 {
		n = 3
	}

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	loc := time.Local
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	now = now.In(loc)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSCHEDULE\tNEXT")
	for _, tc := range cfg.Tasks {
		if tc.Disabled {
			fmt.Fprintf(tw, "%s\t%s\t(disabled)\n", tc.Name, tc.Schedule)
			continue
		}
		next, err := nextFires(tc.Schedule, now, loc, n)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		parts := make([]string, 0, len(next))
		for _, t := range next {
			parts = append(parts, t.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tc.Name, tc.Schedule, strings.Join(parts, ", "))
	}
	return tw.Flush()
}

func nextFires(schedule string, now time.Time, loc *time.Location, n int) ([]time.Time, error) {
	ps, err := scheduler.ParseSchedule(schedule, now)
	if err != nil {
		return nil, err
	}
	if ps.Kind == scheduler.SpecDelay {
		return []time.Time{now.Add(ps.Delay)}, nil
	}
	expr, err := cronexpr.ParseInLocation(ps.Cron, loc)
	if err != nil {
		return nil, err
	}
	return expr.NextN(now, n), nil
}
