package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"launcher/internal/eventbus"
	rtsup "launcher/internal/runtime/supervisor"
	"launcher/internal/task/engine"
	"launcher/internal/task/scheduler"
	logx "launcher/pkg/logx"
)

const sendTimeout = 10 * time.Second

var defaultEvents = []string{eventbus.TaskFailed, eventbus.TaskDropped, eventbus.SchedulerFailed}

// Service turns failure events from the bus into operator alerts:
// queue + worker + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	queue   chan Alert
	drained chan struct{} // closed once the worker has emptied a closed queue
	sup     *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate, retry and dedup settings. Enabled and Events only
// take effect on the next Start.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender != nil {
		s.sender = sender
	}
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if len(cfg.Events) == 0 {
		cfg.Events = defaultEvents
	}
	s.cfg = cfg
	// burst = rate so a short spike of failures goes out at once.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled service does nothing. Canceling ctx does
// not stop delivery; Stop does, so alerts raised during shutdown still go out.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	q := make(chan Alert, s.cfg.QueueSize)
	drained := make(chan struct{})
	s.queue = q
	s.drained = drained
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// alert delivery is best-effort and must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize, s.cfg.Events...)
	s.mu.Unlock()

	sup.Go("watch", func(c context.Context) error {
		defer unsub()
		return s.watchLoop(c, events)
	})
	sup.GoRestart("worker", func(c context.Context) error {
		if s.workerLoop(c, q) {
			close(drained)
			return nil
		}
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains queued alerts until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, drained, sup := s.queue, s.drained, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.queue = nil
	// Notify sends under mu, so closing here cannot race a send.
	close(q)
	s.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("notifier stop deadline reached; pending alerts dropped", logx.Int("pending", len(q)))
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notifier stop wait", logx.Err(err))
	}
}

// Notify queues a for delivery. Duplicates inside the dedup window are
// dropped silently.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if w := s.cfg.DedupWindow; w > 0 && !s.dedupAllow(dedupKey(a), a.At, w) {
		s.log.Debug("alert deduped", logx.String("kind", a.Kind), logx.String("task", a.Task))
		return nil
	}
	select {
	case s.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) watchLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a, ok := AlertFromEvent(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert not queued", logx.String("kind", a.Kind), logx.String("task", a.Task), logx.Err(err))
			}
		}
	}
}

// workerLoop reports true once q is closed and empty.
func (s *Service) workerLoop(ctx context.Context, q <-chan Alert) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case a, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	text := Render(a)
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("kind", a.Kind), logx.String("task", a.Task), logx.Err(lastErr))
}

// AlertFromEvent maps failure events to alerts.
func AlertFromEvent(e eventbus.Event) (Alert, bool) {
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		text := d.Error
		if text == "" {
			text = strings.ReplaceAll(e.Type, ".", " ")
		}
		return Alert{Kind: e.Type, Task: d.Name, Text: text, At: e.Time}, true
	case scheduler.FailureEvent:
		return Alert{Kind: e.Type, Text: d.Error, At: e.Time}, true
	default:
		return Alert{}, false
	}
}

// Render formats an alert as a single plain-text message.
func Render(a Alert) string {
	var b strings.Builder
	switch a.Kind {
	case eventbus.SchedulerFailed:
		b.WriteString("🚨 ")
	case eventbus.TaskFailed, eventbus.TaskDropped:
		b.WriteString("⚠️ ")
	}
	b.WriteString(a.Kind)
	if a.Task != "" {
		fmt.Fprintf(&b, " [%s]", a.Task)
	}
	if a.Text != "" {
		b.WriteString(": ")
		b.WriteString(a.Text)
	}
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", a.At.Format(time.RFC3339))
	}
	return b.String()
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Task))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, now time.Time, window time.Duration) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
