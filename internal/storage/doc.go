// Package storage persists task run history.
//
// Two drivers are available:
//   - "file": JSON Lines journal, compacted to the retention window
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// Scheduled entries themselves are never persisted; a restart starts empty.
package storage
