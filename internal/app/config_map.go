package app

import (
	"strings"
	"time"

	"launcher/internal/config"
	"launcher/internal/notifier"
	"launcher/internal/observability/admin"
	"launcher/internal/storage"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	gran, err := config.ParseDurationField("scheduler.clock_granularity", sc.ClockGranularity)
	if err != nil {
		return scheduler.Config{}, err
	}
	// Zero values pick the scheduler defaults.
	return scheduler.Config{
		Tick:             tick,
		WheelSize:        sc.WheelSize,
		Levels:           sc.Levels,
		ClockGranularity: gran,
		Timezone:         strings.TrimSpace(sc.Timezone),
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{Enabled: true}, nil
	}
	enabled := te.Enabled == nil || *te.Enabled

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   sc.Retention,
	}, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	if cfg.Admin == nil {
		return admin.Config{}, nil
	}
	ac := cfg.Admin
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// mapNotifyConfig returns the alert pipeline settings and, when enabled, a
// Telegram sender built from the notify section.
func mapNotifyConfig(cfg *config.Config) (notifier.Config, notifier.Sender, error) {
	nc := cfg.Notify
	if nc == nil {
		return notifier.Config{}, nil, nil
	}
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	out := notifier.Config{
		Enabled:     nc.Enabled,
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		DedupWindow: dedup,
		Events:      append([]string(nil), nc.Events...),
	}
	if !nc.Enabled || nc.Telegram == nil {
		return out, nil, nil
	}
	tg, err := notifier.NewTelegram(notifier.TelegramConfig{
		Token:    nc.Telegram.Token,
		ChatIDs:  nc.Telegram.ChatIDs,
		ThreadID: nc.Telegram.ThreadID,
	})
	if err != nil {
		return notifier.Config{}, nil, err
	}
	return out, tg, nil
}
