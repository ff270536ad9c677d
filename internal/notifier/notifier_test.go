package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launcher/internal/eventbus"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestFailureEventsBecomeAlerts(t *testing.T) {
	bus := eventbus.New()
	sender := &fakeSender{}
	s := New(fastConfig(), sender, logx.Nop(), bus)
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "ok"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "backup", Error: "exit status 2"}})
	bus.Publish(eventbus.Event{Type: eventbus.SchedulerFailed, Data: scheduler.FailureEvent{Error: "clock stalled"}})

	require.Eventually(t, func() bool { return len(sender.texts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := sender.texts()
	assert.Contains(t, got[0], "task.failed [backup]: exit status 2")
	assert.Contains(t, got[1], "scheduler.failed: clock stalled")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(context.Background(), Alert{Kind: "x"}), ErrStopped)
}

func TestRetryThenSucceed(t *testing.T) {
	sender := &fakeSender{fails: 2}
	s := New(fastConfig(), sender, logx.Nop(), eventbus.New())
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), Alert{Kind: eventbus.TaskFailed, Task: "a", Text: "boom"}))
	require.Eventually(t, func() bool { return len(sender.texts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestDedupWindow(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	sender := &fakeSender{}
	s := New(cfg, sender, logx.Nop(), eventbus.New())
	s.Start(context.Background())

	at := time.Now()
	for range 3 {
		require.NoError(t, s.Notify(context.Background(), Alert{Kind: eventbus.TaskFailed, Task: "a", Text: "boom", At: at}))
	}
	require.NoError(t, s.Notify(context.Background(), Alert{Kind: eventbus.TaskFailed, Task: "b", Text: "boom", At: at}))

	// Stop drains the queue, so everything accepted has been sent afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Len(t, sender.texts(), 2)
}

func TestDisabledAndQueueFull(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Alert{}), ErrDisabled)

	block := make(chan struct{})
	cfg := fastConfig()
	cfg.QueueSize = 1
	s = New(cfg, blockingSender(block), logx.Nop(), eventbus.New())
	s.Start(context.Background())
	defer func() {
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var full bool
	for i := range 10 {
		if err := s.Notify(context.Background(), Alert{Kind: "k", Text: string(rune('a' + i))}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full)
}

type blockingSender chan struct{}

func (b blockingSender) Send(ctx context.Context, _ string) error {
	select {
	case <-b:
	case <-ctx.Done():
	}
	return nil
}

func TestRender(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	got := Render(Alert{Kind: eventbus.TaskDropped, Task: "sync", Text: "queue full", At: at})
	assert.Equal(t, "⚠️ task.dropped [sync]: queue full\n2024-05-01T09:30:00Z", got)

	a, ok := AlertFromEvent(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Name: "sync"}})
	require.True(t, ok)
	assert.Equal(t, "task dropped", a.Text)

	_, ok = AlertFromEvent(eventbus.Event{Type: "other", Data: 42})
	assert.False(t, ok)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.LessOrEqual(t, retryDelay(cfg, 1), 130*time.Millisecond)
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatIDs: []int64{1}})
	require.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "t"})
	require.Error(t, err)
	tg, err := NewTelegram(TelegramConfig{Token: " t ", ChatIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "t", tg.cfg.Token)
}
