package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Events selects which bus event types raise alerts. Empty means
	// task.failed, task.dropped and scheduler.failed.
	Events []string
}

// Alert is one operator-facing message.
type Alert struct {
	Kind string
	Task string
	Text string
	At   time.Time
}

// Sender delivers rendered alert text to every configured destination.
type Sender interface {
	Send(ctx context.Context, text string) error
}
