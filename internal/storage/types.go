package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention is the number of run records kept. 0 means defaultRetention.
	Retention int
}

const defaultRetention = 10_000

func (c Config) retention() int {
	if c.Retention <= 0 {
		return defaultRetention
	}
	return c.Retention
}

// Record kinds mirror the event types they are recorded from.
const (
	KindFinished        = "task.finished"
	KindFailed          = "task.failed"
	KindDropped         = "task.dropped"
	KindSkipped         = "task.skipped"
	KindSchedulerFailed = "scheduler.failed"
)

// RunRecord is one task outcome. Keep it compact and schema-stable.
type RunRecord struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	RunID   string    `json:"run_id,omitempty"`
	Name    string    `json:"name"`
	Due     time.Time `json:"due,omitempty"`
	QueueMS int64     `json:"queue_ms,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
	Error   string    `json:"err,omitempty"`
}
