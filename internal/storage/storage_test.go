package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launcher/internal/eventbus"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

func openStore(t *testing.T, driver string, retention int) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "launcher.db")
	st, err := Open(Config{Driver: driver, Path: path, Retention: retention}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd", Path: "x"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestAppendAndRecent(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st, _ := openStore(t, driver, 0)
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				name := "a"
				if i%2 == 1 {
					name = "b"
				}
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					At:     base.Add(time.Duration(i) * time.Second),
					Kind:   KindFinished,
					RunID:  fmt.Sprintf("r%d", i),
					Name:   name,
					TookMS: int64(i),
				}))
			}
			require.NoError(t, st.AppendRun(ctx, RunRecord{At: base.Add(10 * time.Second), Kind: KindFailed, Name: "a", Error: "boom"}))

			all, err := st.RecentRuns(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 6)
			assert.Equal(t, "boom", all[0].Error, "newest first")
			assert.True(t, all[0].At.Equal(base.Add(10*time.Second)))

			onlyA, err := st.RecentRuns(ctx, "a", 2)
			require.NoError(t, err)
			require.Len(t, onlyA, 2)
			assert.Equal(t, KindFailed, onlyA[0].Kind)
			assert.Equal(t, "r4", onlyA[1].RunID)
		})
	}
}

func TestRetention(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st, _ := openStore(t, driver, 3)
			ctx := context.Background()
			// Enough writes to cross the compaction and prune thresholds.
			for i := 0; i < 1000; i++ {
				require.NoError(t, st.AppendRun(ctx, RunRecord{Kind: KindFinished, Name: "n", RunID: fmt.Sprintf("r%d", i)}))
			}
			got, err := st.RecentRuns(ctx, "", 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "r999", got[0].RunID)
		})
	}
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendRun(ctx, RunRecord{Kind: KindFinished, Name: "kept", RunID: "1"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.RecentRuns(ctx, "kept", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].RunID)
}

func TestRecordFromEvent(t *testing.T) {
	now := time.Now()
	rec, ok := RecordFromEvent(eventbus.Event{Type: eventbus.TaskFailed, Time: now, Data: engine.TaskEvent{
		ID: "x.1", Name: "job", QueueDelay: 1500 * time.Millisecond, Duration: 20 * time.Millisecond, Error: "nope",
	}})
	require.True(t, ok)
	assert.Equal(t, RunRecord{At: now, Kind: KindFailed, RunID: "x.1", Name: "job", QueueMS: 1500, TookMS: 20, Error: "nope"}, rec)

	rec, ok = RecordFromEvent(eventbus.Event{Type: eventbus.SchedulerFailed, Time: now, Data: scheduler.FailureEvent{Error: "clock: panic"}})
	require.True(t, ok)
	assert.Equal(t, "scheduler", rec.Name)

	_, ok = RecordFromEvent(eventbus.Event{Type: "other", Data: 42})
	assert.False(t, ok)
}

func TestRecorderPersistsBusEvents(t *testing.T) {
	st, _ := openStore(t, "file", 0)
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Time: time.Now(), Data: engine.TaskEvent{ID: "probe", Name: "probe"}})
		got, _ := st.RecentRuns(context.Background(), "probe", 1)
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: time.Now(), Data: engine.TaskEvent{Name: "ignored"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Time: time.Now(), Data: engine.TaskEvent{ID: "j.1", Name: "job", Error: "x"}})
	require.Eventually(t, func() bool {
		got, _ := st.RecentRuns(context.Background(), "job", 10)
		return len(got) == 1 && got[0].Kind == KindFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := st.RecentRuns(context.Background(), "ignored", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
