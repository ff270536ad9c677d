package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launcher/internal/config"
	"launcher/internal/storage"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
	"launcher/pkg/systemdmanager"
)

type submitCall struct {
	name     string
	schedule string
	timeout  time.Duration
}

type fakeSubmitter struct {
	mu        sync.Mutex
	next      int
	submitted []submitCall
	cancelled []scheduler.Handle
	failFor   string
}

func (f *fakeSubmitter) SubmitSchedule(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) (scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failFor {
		return scheduler.Handle{}, errors.New("rejected")
	}
	f.next++
	f.submitted = append(f.submitted, submitCall{name: name, schedule: schedule, timeout: timeout})
	return scheduler.Handle{ID: name + "#" + string(rune('0'+f.next))}, nil
}

func (f *fakeSubmitter) Cancel(h scheduler.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h)
	return true
}

func logTask(name, schedule string) config.TaskConfig {
	return config.TaskConfig{Name: name, Schedule: schedule, Action: config.ActionConfig{Type: config.ActionLog}}
}

func TestRegistrySync(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := newTaskRegistry(sub, nil, logx.Nop())

	res, err := reg.Sync([]config.TaskConfig{
		logTask("b", "5s"),
		logTask("a", "cron:* * * * * *"),
		{Name: "off", Schedule: "1s", Disabled: true, Action: config.ActionConfig{Type: config.ActionLog}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Added)
	require.Len(t, sub.submitted, 2)
	assert.Equal(t, "b", sub.submitted[0].name, "config order is kept")
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	// Unchanged configs are left alone.
	res, err = reg.Sync([]config.TaskConfig{logTask("b", "5s"), logTask("a", "cron:* * * * * *")}, false)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Equal(t, 2, res.Unchanged)
	assert.Empty(t, sub.cancelled)

	// Changed, removed and added.
	res, err = reg.Sync([]config.TaskConfig{logTask("a", "cron:*/2 * * * * *"), logTask("c", "1m")}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Added)
	assert.Equal(t, []string{"b"}, res.Removed)
	assert.Len(t, sub.cancelled, 2)

	// Force resubmits everything.
	res, err = reg.Sync([]config.TaskConfig{logTask("a", "cron:*/2 * * * * *"), logTask("c", "1m")}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Added)
	assert.Len(t, sub.cancelled, 4)
}

func TestRegistrySyncReportsBadTasks(t *testing.T) {
	sub := &fakeSubmitter{failFor: "bad"}
	reg := newTaskRegistry(sub, nil, logx.Nop())

	res, err := reg.Sync([]config.TaskConfig{
		logTask("good", "1s"),
		logTask("bad", "1s"),
		{Name: "unit", Schedule: "1s", Action: config.ActionConfig{Type: config.ActionSystemd, Unit: "x"}},
	}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task bad")
	assert.Contains(t, err.Error(), "task unit")
	assert.Equal(t, []string{"good"}, res.Added)
}

func TestRegistryTimeout(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := newTaskRegistry(sub, nil, logx.Nop())
	tc := logTask("slow", "1s")
	tc.Timeout = "45s"
	_, err := reg.Sync([]config.TaskConfig{tc}, false)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, sub.submitted[0].timeout)
}

func TestValidateSchedules(t *testing.T) {
	good := &config.Config{Tasks: []config.TaskConfig{
		logTask("a", "cron:0/1 * * * * ?"),
		logTask("b", "every:30s"),
		logTask("c", "02:30"),
	}}
	require.NoError(t, validateSchedules(context.Background(), good))

	bad := &config.Config{Tasks: []config.TaskConfig{
		logTask("a", "cron:* * * * *"),
		logTask("b", "whenever"),
	}}
	err := validateSchedules(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tasks[0]")
	assert.Contains(t, err.Error(), "tasks[1]")
}

type fakeUnits struct {
	op   systemdmanager.Op
	unit string
	err  error
}

func (f *fakeUnits) Do(_ context.Context, op systemdmanager.Op, unit string) error {
	f.op, f.unit = op, unit
	return f.err
}

func TestBuildAction(t *testing.T) {
	ctx := context.Background()

	fn, err := buildAction(logTask("hello", "1s"), logx.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, fn(ctx))

	units := &fakeUnits{}
	fn, err = buildAction(config.TaskConfig{Name: "u", Action: config.ActionConfig{Type: "systemd", Unit: "nginx", Op: "reload"}}, logx.Nop(), units)
	require.NoError(t, err)
	require.NoError(t, fn(ctx))
	assert.Equal(t, systemdmanager.OpReload, units.op)
	assert.Equal(t, "nginx.service", units.unit)

	units.err = &systemdmanager.JobError{Op: systemdmanager.OpReload, Unit: "nginx.service", Result: "failed"}
	var je *systemdmanager.JobError
	require.ErrorAs(t, fn(ctx), &je)

	_, err = buildAction(config.TaskConfig{Action: config.ActionConfig{Type: "email"}}, logx.Nop(), nil)
	require.Error(t, err)
	_, err = buildAction(config.TaskConfig{Action: config.ActionConfig{Type: "command"}}, logx.Nop(), nil)
	require.Error(t, err)
}

func TestCommandAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	ctx := context.Background()
	mk := func(script string) func(context.Context) error {
		fn, err := buildAction(config.TaskConfig{Name: "sh", Action: config.ActionConfig{
			Type: "command", Command: "/bin/sh", Args: []string{"-c", script},
		}}, logx.Nop(), nil)
		require.NoError(t, err)
		return fn
	}

	require.NoError(t, mk("exit 0")(ctx))

	err := mk("echo broken >&2; exit 3")(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "broken")

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err = mk("sleep 5")(tctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	_, _ = tb.Write([]byte(strings.Repeat("a", outputTailBytes)))
	_, _ = tb.Write([]byte("end"))
	assert.Equal(t, outputTailBytes+3, tb.total)
	assert.Len(t, tb.String(), outputTailBytes)
	assert.True(t, strings.HasSuffix(tb.String(), "end"))
}

func TestMapConfigs(t *testing.T) {
	cfg := &config.Config{
		Scheduler:  config.SchedulerConfig{Tick: "250ms", WheelSize: 8, Timezone: " UTC "},
		TaskEngine: &config.TaskEngineConfig{Workers: 3, MaxQueueDelay: "1m"},
		Storage:    &config.StorageConfig{Driver: "SQLite", Path: "x.db"},
		Admin:      &config.AdminConfig{Enabled: true, WriteTimeout: "5s"},
	}

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, sc.Tick)
	assert.Equal(t, "UTC", sc.Timezone)

	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 3, ec.Workers)
	assert.Equal(t, time.Minute, ec.MaxQueueDelay)

	off := false
	ec, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Enabled: &off}})
	require.NoError(t, err)
	assert.False(t, ec.Enabled)

	st, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.True(t, enabled)
	assert.Equal(t, "sqlite", st.Driver)
	assert.Equal(t, time.Second, st.BusyTimeout)

	_, enabled, err = mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	ac, err := mapAdminConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ac.Enabled)
	assert.Equal(t, 5*time.Second, ac.WriteTimeout)
	assert.Equal(t, 10*time.Second, ac.ReadTimeout)

	nc, sender, err := mapNotifyConfig(&config.Config{Notify: &config.NotifyConfig{
		Enabled:  true,
		Telegram: &config.TelegramConfig{Token: "t", ChatIDs: []int64{42}},
	}})
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 10*time.Minute, nc.DedupWindow)
	assert.NotNil(t, sender)

	nc, sender, err = mapNotifyConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, nc.Enabled)
	assert.Nil(t, sender)
}

const appConfig = `{
  "logging": {"level": "error"},
  "scheduler": {"tick": "50ms", "wheel_size": 20, "clock_granularity": "10ms", "timezone": "UTC"},
  "task_engine": {"workers": 2},
  "storage": {"driver": "file", "path": "%STORE%"},
  "tasks": [
    {"name": "tick", "schedule": "every:1s", "action": {"type": "log", "message": "tick"}},
    {"name": "soon", "schedule": "delay:100ms", "action": {"type": "log"}}
  ]
}`

func TestAppLifecycleAndReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "launcher.json")
	body := strings.ReplaceAll(appConfig, "%STORE%", filepath.ToSlash(filepath.Join(dir, "runs.db")))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := New(cfgPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, scheduler.StateRunning, a.Scheduler().State())
	assert.Equal(t, []string{"soon", "tick"}, a.tasks.Names())

	// The one-shot runs and the recorder persists it.
	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(ctx, "soon", 10)
		return err == nil && len(runs) == 1 && runs[0].Kind == storage.KindFinished
	}, 3*time.Second, 20*time.Millisecond)

	// Drop "tick", keep "soon", add "next".
	updated := strings.Replace(body,
		`{"name": "tick", "schedule": "every:1s", "action": {"type": "log", "message": "tick"}}`,
		`{"name": "next", "schedule": "every:2s", "action": {"type": "log"}}`, 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(updated), 0o600))
	// The file watcher may get there first; either way the new set is applied.
	_, err = a.cfgm.Reload(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		names := a.tasks.Names()
		return len(names) == 2 && names[0] == "next" && names[1] == "soon"
	}, 3*time.Second, 20*time.Millisecond)

	snap := a.Scheduler().Snapshot()
	require.Len(t, snap.Series, 1, "only the recurring task is still pending")
	assert.Equal(t, "next", snap.Series[0].Name)

	// A broken schedule is rejected and the running set is untouched.
	broken := strings.Replace(updated, `"every:2s"`, `"cron:* * *"`, 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(broken), 0o600))
	_, err = a.cfgm.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"next", "soon"}, a.tasks.Names())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.Equal(t, scheduler.StateStopped, a.Scheduler().State())
	assert.Empty(t, a.tasks.Names())
	assert.NoError(t, a.Err())
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "launcher.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"tasks":[{"name":"x","schedule":"cron:nope nope","action":{"type":"log"}}]}`), 0o600))
	_, err := New(cfgPath)
	require.Error(t, err)

	_, err = New(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestCheckPrintsUpcomingFires(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "launcher.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
scheduler:
  timezone: UTC
tasks:
  - name: morning
    schedule: "cron:0 0 9 * * *"
    action: {type: log}
  - name: later
    schedule: delay:90m
    action: {type: log}
  - name: off
    schedule: 1m
    disabled: true
    action: {type: log}
`), 0o600))

	var out strings.Builder
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, Check(cfgPath, &out, 2, now))

	got := out.String()
	assert.Contains(t, got, "2024-05-01T09:00:00Z, 2024-05-02T09:00:00Z")
	assert.Contains(t, got, "2024-05-01T09:30:00Z")
	assert.Contains(t, got, "(disabled)")
}
