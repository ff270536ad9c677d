package config

import (
	"reflect"
	"sort"
	"strings"

	logx "launcher/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens),
// and (3) the names of tasks that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.wheel_size", newCfg.Scheduler.WheelSize),
			logx.Int("scheduler.levels", newCfg.Scheduler.Levels),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", nTE.Enabled == nil || *nTE.Enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.retention", nS.Retention),
		)
	}

	var oA, nA AdminConfig
	if oldCfg.Admin != nil {
		oA = *oldCfg.Admin
	}
	if newCfg.Admin != nil {
		nA = *newCfg.Admin
	}
	if oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.pprof", nA.Pprof),
		)
	}

	var oN, nN NotifyConfig
	if oldCfg.Notify != nil {
		oN = *oldCfg.Notify
	}
	if newCfg.Notify != nil {
		nN = *newCfg.Notify
	}
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Any("notify.events", nN.Events),
			logx.Bool("notify.telegram_set", nN.Telegram != nil && strings.TrimSpace(nN.Telegram.Token) != ""),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.enabled_count", countEnabled(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func countEnabled(tasks []TaskConfig) int {
	n := 0
	for _, t := range tasks {
		if !t.Disabled {
			n++
		}
	}
	return n
}

func indexTasks(tasks []TaskConfig) map[string]TaskConfig {
	m := make(map[string]TaskConfig, len(tasks))
	for _, t := range tasks {
		m[strings.TrimSpace(t.Name)] = t
	}
	return m
}

func diffTasks(oldT, newT []TaskConfig) []string {
	oldM := indexTasks(oldT)
	newM := indexTasks(newT)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
