package engine

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"launcher/internal/eventbus"
	logx "launcher/pkg/logx"
)

// slowTask promotes completion logs from debug to info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qt)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	t := qt.task
	s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Due: t.Due, Started: start, QueueDelay: queueDelay})

	err := s.runGuarded(ctx, qt)
	dur := time.Since(start)
	atomic.AddUint64(&s.executed, 1)

	ev := TaskEvent{ID: t.ID, Name: t.Name, Due: t.Due, Started: start, QueueDelay: queueDelay, Duration: dur}
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		if dur >= slowTask {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}
	s.record(item)
}

// runGuarded converts task panics into errors so one bad task can't kill a worker.
func (s *Service) runGuarded(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Value: r, Stack: stack}
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(stack))
		}
	}()
	return qt.task.Run(runCtx)
}
