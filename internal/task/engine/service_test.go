package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launcher/internal/eventbus"
	logx "launcher/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueValidation(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	require.Error(t, s.Enqueue(Task{Name: "x"}))
	require.Error(t, s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}))
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error { return nil }}), ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestPanicIsIsolated(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TaskFailed, eventbus.TaskFinished)
	defer unsub()

	s := startEngine(t, Config{Workers: 1}, bus)
	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }}))

	got := map[string]TaskEvent{}
	for len(got) < 2 {
		select {
		case e := <-events:
			te := e.Data.(TaskEvent)
			got[e.Type+":"+te.Name] = te
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Contains(t, got[eventbus.TaskFailed+":boom"].Error, "kaboom")
	assert.Contains(t, got, eventbus.TaskFinished+":ok")

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Executed)
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, int64(snap.Workers), snap.Goroutines.Active)
}

func TestRunGuardedReturnsPanicError(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	err := s.runGuarded(context.Background(), queuedTask{task: Task{Name: "p", Run: func(context.Context) error { panic(42) }}})
	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.Equal(t, "panic: 42", err.Error())
}

func TestTimeoutCancelsTaskContext(t *testing.T) {
	s := New(Config{Enabled: true, DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	err := s.runGuarded(context.Background(), queuedTask{timeout: 20 * time.Millisecond, task: Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := startEngine(t, Config{Workers: 2}, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	run := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}

	require.NoError(t, s.Enqueue(Task{Name: "job", Overlap: OverlapSkipIfRunning, Run: run}))
	<-started
	assert.ErrorIs(t, s.Enqueue(Task{Name: "job", Overlap: OverlapSkipIfRunning, Run: run}), ErrOverlapSkip)

	// OverlapAllow ignores the gate.
	require.NoError(t, s.Enqueue(Task{Name: "job", Overlap: OverlapAllow, Run: run}))
	<-started
	close(release)

	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "job", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error { return nil }}) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueFullDrops(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	require.NoError(t, s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
}

func TestFIFOWithSingleWorker(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, s.Enqueue(Task{Name: "n", Run: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}))
	}
	wg.Wait()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStopDiscardsQueuedAndIsIdempotent(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(Task{Name: "later", Overlap: OverlapAllow, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)

	assert.False(t, s.Running())
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, uint64(3), s.Snapshot().DroppedOnStop)
	assert.True(t, errors.Is(s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped))
}

func TestStaleQueueDelayDrops(t *testing.T) {
	s := New(Config{Enabled: true, MaxQueueDelay: time.Millisecond}, logx.Nop(), nil)
	var ran bool
	s.execOne(context.Background(), queuedTask{
		enqueuedAt: time.Now().Add(-time.Second),
		task:       Task{ID: "1", Name: "stale", Run: func(context.Context) error { ran = true; return nil }},
	})
	assert.False(t, ran)
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.DroppedStale)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "stale_queue_delay", snap.History[0].Error)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(Config{Enabled: true, HistorySize: 3}, logx.Nop(), nil)
	for i := 0; i < 10; i++ {
		s.execOne(context.Background(), queuedTask{enqueuedAt: time.Now(), task: Task{Name: "h", Run: func(context.Context) error { return nil }}})
	}
	assert.Len(t, s.Snapshot().History, 3)
}
