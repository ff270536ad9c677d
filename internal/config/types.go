package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the timing wheel geometry and trigger timezone.
	// Geometry changes only take effect after a restart.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for dispatched tasks.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/launcher.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   int    `json:"retention,omitempty"`
}

// AdminConfig controls the optional admin HTTP server (/status and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifyConfig sends failure alerts to Telegram.
//
// Events defaults to task.failed, task.dropped and scheduler.failed.
type NotifyConfig struct {
	Enabled     bool            `json:"enabled"`
	Events      []string        `json:"events,omitempty"`
	RatePerSec  int             `json:"rate_per_sec,omitempty"`
	RetryMax    int             `json:"retry_max,omitempty"`
	DedupWindow string          `json:"dedup_window,omitempty"`
	Telegram    *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string  `json:"token"` // do not log
	ChatIDs  []int64 `json:"chat_ids"`
	ThreadID int     `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors high-severity lines to stderr with a rate cap.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the timing wheel.
type SchedulerConfig struct {
	// Tick is the wheel resolution (Go duration string, whole milliseconds).
	Tick      string `json:"tick,omitempty"`
	WheelSize int    `json:"wheel_size,omitempty"`
	Levels    int    `json:"levels,omitempty"`
	// ClockGranularity caps how long the clock loop sleeps between checks.
	ClockGranularity string `json:"clock_granularity,omitempty"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TaskConfig declares one scheduled task.
//
// Schedule accepts "cron:<six fields>", "delay:<dur>", "every:<dur>",
// "at:<RFC3339>", a bare six-field cron expression or a bare Go duration.
type TaskConfig struct {
	Name     string       `json:"name"`
	Schedule string       `json:"schedule"`
	Timeout  string       `json:"timeout,omitempty"`
	Disabled bool         `json:"disabled,omitempty"`
	Action   ActionConfig `json:"action"`
}

const (
	ActionLog     = "log"
	ActionCommand = "command"
	ActionSystemd = "systemd"
)

type ActionConfig struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`

	// systemd actions
	Unit string `json:"unit,omitempty"`
	Op   string `json:"op,omitempty"` // start|stop|restart|reload|try-restart (default restart)
}

// UnmarshalJSON disallows unknown fields inside actions so typos like
// "cmd" are caught during reload instead of silently ignored.
func (a *ActionConfig) UnmarshalJSON(b []byte) error {
	type tmp ActionConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = ActionConfig(t)
	return nil
}
