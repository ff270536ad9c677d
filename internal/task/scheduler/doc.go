// Package scheduler is the launcher facade.
//
// It owns a hierarchical timing wheel, the clock goroutine that advances it and
// the dispatcher that hands due entries to the task engine:
//   - Submit computes an absolute deadline (delay or cron) and links an entry
//   - the clock sleeps until each tick boundary and flushes the current slot
//   - the dispatcher enqueues flushed entries and re-arms recurring series
//
// Execution never happens on the clock goroutine; it is delegated to
// internal/task/engine.
package scheduler
