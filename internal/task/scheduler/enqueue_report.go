package scheduler

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"launcher/internal/task/engine"
	logx "launcher/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// enqueueReporter throttles enqueue warnings per schedule name. The zero value
// is ready to use.
type enqueueReporter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (r *enqueueReporter) allow(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiters == nil {
		r.limiters = make(map[string]*rate.Limiter)
	}
	l := r.limiters[name]
	if l == nil {
		l = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		r.limiters[name] = l
	}
	return l.Allow()
}

func (r *enqueueReporter) report(log logx.Logger, name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips can happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	if !r.allow(name) {
		return
	}
	// Queue full / stopping are important but can be bursty.
	log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
