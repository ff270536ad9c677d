package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"launcher/internal/config"
	"launcher/internal/eventbus"
	"launcher/internal/notifier"
	"launcher/internal/observability/admin"
	rtsup "launcher/internal/runtime/supervisor"
	"launcher/internal/storage"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
	"launcher/pkg/systemdmanager"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *storage.Recorder

	notify *notifier.Service

	engine *engine.Service
	sched  *scheduler.Service
	admin  *admin.Service
	units  *systemdmanager.Manager
	tasks  *taskRegistry
}

// New loads cfgPath and wires every service. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateSchedules)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(root)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store storage.Store
		rec   *storage.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		rec = storage.NewRecorder(st, bus, root)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	notifyCfg, sender, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	notifySvc := notifier.New(notifyCfg, sender, root, bus)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc, err := scheduler.New(schedCfg, engineSvc, root.With(logx.String("comp", "scheduler")), bus)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	// A nil store must stay a nil interface for the admin server.
	var runs admin.RunSource
	if store != nil {
		runs = store
	}
	adminSvc := admin.New(adminCfg, root, schedSvc, runs)

	units := systemdmanager.New()

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		rec:    rec,
		notify: notifySvc,
		engine: engineSvc,
		sched:  schedSvc,
		admin:  adminSvc,
		units:  units,
		tasks:  newTaskRegistry(schedSvc, units, root),
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.rec != nil {
		a.sup.GoRestart("storage.recorder", a.rec.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	// Subscribe before tasks are registered so early failures are alerted.
	a.notify.Start(runCtx)

	if err := a.startScheduling(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.admin.Enabled() {
		a.admin.Start(runCtx)
	}

	// Scheduler clock failures are fatal: the supervisor owns the process
	// lifetime and a dead clock would silently stop every task.
	failures, unsubFail := a.bus.Subscribe(4, eventbus.SchedulerFailed)
	a.sup.Go("scheduler.watch", func(c context.Context) error {
		defer unsubFail()
		select {
		case <-c.Done():
			return c.Err()
		case e, ok := <-failures:
			if !ok {
				return nil
			}
			if fe, ok := e.Data.(scheduler.FailureEvent); ok {
				return fmt.Errorf("scheduler failed: %s", fe.Error)
			}
			return errors.New("scheduler failed")
		}
	})

	// Keep this debug-level to avoid noise for frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Any("tasks", a.tasks.Names()))
	return nil
}

// startScheduling starts engine and scheduler and registers the configured
// tasks. A disabled engine leaves the scheduler stopped.
func (a *App) startScheduling(ctx context.Context) error {
	if !a.engine.Enabled() {
		a.log.Warn("task engine disabled; scheduled tasks will not run")
		return nil
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	res, err := a.tasks.Sync(a.cfgm.Get().Tasks, false)
	if err != nil {
		// One bad task must not keep the others from running.
		a.log.Error("some tasks were not registered", logx.Err(err))
	}
	a.log.Info("tasks registered", logx.Int("count", len(res.Added)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, taskChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("task_engine") {
		engCfg, err := mapTaskEngineConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			if engCfg.Enabled != a.engine.Enabled() {
				a.log.Warn("task_engine.enabled changed; restart required for changes to take effect")
				engCfg.Enabled = a.engine.Enabled()
			}
			a.engine.Apply(ctx, engCfg)
		}
	}

	forceTasks := false
	if changed("scheduler") {
		forceTasks = a.applySchedulerConfig(newCfg)
	}

	if changed("notify") {
		if nc, sender, err := mapNotifyConfig(newCfg); err != nil {
			a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		} else {
			if nc.Enabled != a.notify.Enabled() {
				a.log.Warn("notify.enabled changed; restart required for changes to take effect")
				nc.Enabled = a.notify.Enabled()
			}
			a.notify.Apply(nc, sender)
		}
	}

	if changed("admin") {
		if adminCfg, err := mapAdminConfig(newCfg); err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, adminCfg)
		}
	}

	if (changed("tasks") || forceTasks) && a.sched.State() == scheduler.StateRunning {
		res, err := a.tasks.Sync(newCfg.Tasks, forceTasks)
		if err != nil {
			a.log.Error("some tasks were not registered", logx.Err(err))
		}
		a.log.Info("tasks reconciled",
			logx.Any("changed", taskChanged),
			logx.Any("added", res.Added),
			logx.Any("removed", res.Removed),
			logx.Int("unchanged", res.Unchanged),
		)
	}

	a.log.Info("config reloaded", fields...)
}

// applySchedulerConfig reports whether registered tasks must be resubmitted.
func (a *App) applySchedulerConfig(newCfg *config.Config) bool {
	sc, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return false
	}
	cur := a.sched.Config()
	if a.sched.State() == scheduler.StateRunning {
		probe := sc
		probe.Timezone = cur.Timezone
		if err := a.sched.Apply(probe); errors.Is(err, scheduler.ErrRunning) {
			a.log.Warn("scheduler geometry changed; restart required for changes to take effect")
			sc.Tick, sc.WheelSize, sc.Levels, sc.ClockGranularity = cur.Tick, cur.WheelSize, cur.Levels, cur.ClockGranularity
		}
	}
	if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
		return false
	}
	// Cron series keep their old zone until resubmitted.
	return strings.TrimSpace(sc.Timezone) != strings.TrimSpace(cur.Timezone)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		a.tasks.Reset()
		return nil
	})
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// After the engine so failures raised while draining still go out.
	step("notifier", 2*time.Second, func(c context.Context) error { a.notify.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// Wait for supervised goroutines (recorder, config watch/reload) before
	// closing the store they write to.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("systemd", time.Second, func(context.Context) error { return a.units.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
