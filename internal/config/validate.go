package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"launcher/internal/task/wheel"
	"launcher/pkg/systemdmanager"
)

var alertableEvents = map[string]bool{
	"task.failed":      true,
	"task.dropped":     true,
	"task.skipped":     true,
	"task.finished":    true,
	"scheduler.failed": true,
}

// Validate performs the structural checks that do not need runtime services.
// Schedule syntax is checked by the validator hook installed by the app.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	sc := cfg.Scheduler
	if d, err := ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		add(err)
	} else if d > 0 && d%time.Millisecond != 0 {
		add(fmt.Errorf("scheduler.tick: must be a whole number of milliseconds"))
	}
	_, err := ParseDurationField("scheduler.clock_granularity", sc.ClockGranularity)
	add(err)
	if sc.WheelSize < 0 || sc.WheelSize == 1 {
		add(fmt.Errorf("scheduler.wheel_size: must be >= 2 (got %d)", sc.WheelSize))
	}
	if sc.Levels < 0 {
		add(fmt.Errorf("scheduler.levels: must be >= 1 (got %d)", sc.Levels))
	}
	if tick, err := ParseDurationOrDefault("scheduler.tick", sc.Tick, time.Second); err == nil && tick >= time.Millisecond && (sc.WheelSize == 0 || sc.WheelSize >= 2) && sc.Levels >= 0 {
		size, levels := sc.WheelSize, sc.Levels
		if size == 0 {
			size = 60
		}
		if levels == 0 {
			levels = 4
		}
		if err := wheel.CheckGeometry(tick.Milliseconds(), size, levels); err != nil {
			add(fmt.Errorf("scheduler: wheel_size^levels too large for tick %s (size %d, levels %d)", tick, size, levels))
		}
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(fmt.Errorf("task_engine.workers: must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(fmt.Errorf("task_engine.queue_size: must be >= 0"))
		}
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
		if st.Retention < 0 {
			add(fmt.Errorf("storage.retention: must be >= 0"))
		}
	}

	if ad := cfg.Admin; ad != nil {
		for _, f := range []struct{ path, raw string }{
			{"admin.read_timeout", ad.ReadTimeout},
			{"admin.write_timeout", ad.WriteTimeout},
			{"admin.idle_timeout", ad.IdleTimeout},
		} {
			_, err := ParseDurationField(f.path, f.raw)
			add(err)
		}
	}

	if n := cfg.Notify; n != nil {
		_, err := ParseDurationField("notify.dedup_window", n.DedupWindow)
		add(err)
		if n.RatePerSec < 0 {
			add(fmt.Errorf("notify.rate_per_sec: must be >= 0"))
		}
		if n.RetryMax < 0 {
			add(fmt.Errorf("notify.retry_max: must be >= 0"))
		}
		for i, ev := range n.Events {
			if !alertableEvents[ev] {
				add(fmt.Errorf("notify.events[%d]: unknown event %q", i, ev))
			}
		}
		if n.Enabled {
			if n.Telegram == nil || strings.TrimSpace(n.Telegram.Token) == "" {
				add(fmt.Errorf("notify.telegram.token: required when notify is enabled"))
			} else if len(n.Telegram.ChatIDs) == 0 {
				add(fmt.Errorf("notify.telegram.chat_ids: required when notify is enabled"))
			}
		}
	}

	seen := make(map[string]int, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		prefix := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", prefix))
		} else if j, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: %q duplicates tasks[%d]", prefix, name, j))
		} else {
			seen[name] = i
		}
		if strings.TrimSpace(t.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", prefix))
		}
		_, err := ParseDurationField(prefix+".timeout", t.Timeout)
		add(err)
		switch strings.ToLower(strings.TrimSpace(t.Action.Type)) {
		case ActionLog:
		case ActionCommand:
			if strings.TrimSpace(t.Action.Command) == "" {
				add(fmt.Errorf("%s.action.command: required for command actions", prefix))
			}
		case ActionSystemd:
			if strings.TrimSpace(t.Action.Unit) == "" {
				add(fmt.Errorf("%s.action.unit: required for systemd actions", prefix))
			}
			if _, err := systemdmanager.ParseOp(t.Action.Op); err != nil {
				add(fmt.Errorf("%s.action.op: %w", prefix, err))
			}
		case "":
			add(fmt.Errorf("%s.action.type: required", prefix))
		default:
			add(fmt.Errorf("%s.action.type: unknown type %q", prefix, t.Action.Type))
		}
	}

	return errors.Join(errs...)
}
