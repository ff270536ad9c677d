package storage

import (
	"context"
	"time"

	"launcher/internal/eventbus"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

const (
	recorderBuffer       = 256
	recorderWriteTimeout = 2 * time.Second
)

// Recorder persists task outcomes published on the bus. Events that arrive
// while the store is slow are dropped by the bus, never queued without bound.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "recorder"))}
}

// Run subscribes and writes until ctx is done. It is meant to be run under a
// supervisor.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsubscribe := r.bus.Subscribe(recorderBuffer,
		eventbus.TaskFinished,
		eventbus.TaskFailed,
		eventbus.TaskDropped,
		eventbus.TaskSkipped,
		eventbus.SchedulerFailed,
	)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := RecordFromEvent(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, recorderWriteTimeout)
			if err := r.store.AppendRun(wctx, rec); err != nil {
				r.log.Warn("run record write failed", logx.String("task", rec.Name), logx.String("kind", rec.Kind), logx.Err(err))
			}
			cancel()
		}
	}
}

// RecordFromEvent maps a bus event to a run record.
func RecordFromEvent(e eventbus.Event) (RunRecord, bool) {
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		return RunRecord{
			At:      e.Time,
			Kind:    e.Type,
			RunID:   d.ID,
			Name:    d.Name,
			Due:     d.Due,
			QueueMS: d.QueueDelay.Milliseconds(),
			TookMS:  d.Duration.Milliseconds(),
			Error:   d.Error,
		}, true
	case scheduler.FailureEvent:
		return RunRecord{At: e.Time, Kind: e.Type, Name: "scheduler", Error: d.Error}, true
	default:
		return RunRecord{}, false
	}
}
