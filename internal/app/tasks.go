package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"launcher/internal/config"
	"launcher/internal/task/cronexpr"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

// submitter is the part of the scheduler the registry drives.
type submitter interface {
	SubmitSchedule(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) (scheduler.Handle, error)
	Cancel(h scheduler.Handle) bool
}

type registration struct {
	cfg    config.TaskConfig
	handle scheduler.Handle
}

// taskRegistry keeps the scheduler in line with the configured tasks[].
type taskRegistry struct {
	mu    sync.Mutex
	log   logx.Logger
	sched submitter
	units unitController
	regs  map[string]registration
}

func newTaskRegistry(sched submitter, units unitController, log logx.Logger) *taskRegistry {
	return &taskRegistry{
		log:   log.With(logx.String("comp", "tasks")),
		sched: sched,
		units: units,
		regs:  map[string]registration{},
	}
}

type syncResult struct {
	Added     []string
	Removed   []string
	Unchanged int
}

// Sync cancels registrations whose config disappeared or changed and submits
// the new ones. With force every task is resubmitted. A one-shot that already
// fired is not resubmitted unless its config changed.
func (r *taskRegistry) Sync(tasks []config.TaskConfig, force bool) (syncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]config.TaskConfig, len(tasks))
	for _, tc := range tasks {
		if tc.Disabled {
			continue
		}
		want[strings.TrimSpace(tc.Name)] = tc
	}

	var res syncResult
	for name, reg := range r.regs {
		tc, keep := want[name]
		if keep && !force && reflect.DeepEqual(tc, reg.cfg) {
			continue
		}
		r.sched.Cancel(reg.handle)
		delete(r.regs, name)
		if !keep {
			res.Removed = append(res.Removed, name)
		}
	}

	// Submit in config order so equal deadlines keep the file's order.
	var errs []error
	for _, tc := range tasks {
		name := strings.TrimSpace(tc.Name)
		if tc.Disabled {
			continue
		}
		if _, ok := r.regs[name]; ok {
			res.Unchanged++
			continue
		}
		h, err := r.submit(name, tc)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
			continue
		}
		r.regs[name] = registration{cfg: tc, handle: h}
		res.Added = append(res.Added, name)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	return res, errors.Join(errs...)
}

func (r *taskRegistry) submit(name string, tc config.TaskConfig) (scheduler.Handle, error) {
	fn, err := buildAction(tc, r.log, r.units)
	if err != nil {
		return scheduler.Handle{}, err
	}
	timeout, err := config.ParseDurationField("timeout", tc.Timeout)
	if err != nil {
		return scheduler.Handle{}, err
	}
	return r.sched.SubmitSchedule(name, tc.Schedule, timeout, fn)
}

// Reset forgets every registration without cancelling. Used after the
// scheduler dropped its pending entries on Stop.
func (r *taskRegistry) Reset() {
	r.mu.Lock()
	r.regs = map[string]registration{}
	r.mu.Unlock()
}

func (r *taskRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.regs))
	for name := range r.regs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// validateSchedules rejects configs whose schedule strings or cron
// expressions would fail at submit time.
func validateSchedules(_ context.Context, cfg *config.Config) error {
	now := time.Now()
	var errs []error
	for i, tc := range cfg.Tasks {
		ps, err := scheduler.ParseSchedule(tc.Schedule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d].schedule: %w", i, err))
			continue
		}
		if ps.Kind == scheduler.SpecCron {
			if err := cronexpr.Validate(ps.Cron); err != nil {
				errs = append(errs, fmt.Errorf("tasks[%d].schedule: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
