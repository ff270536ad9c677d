package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"launcher/internal/eventbus"
	rtsup "launcher/internal/runtime/supervisor"
	"launcher/internal/task/cronexpr"
	"launcher/internal/task/engine"
	"launcher/internal/task/wheel"
	logx "launcher/pkg/logx"
)

// series is one submitted task. A recurring series owns a fresh wheel entry
// per activation; a one-shot series owns exactly one.
type series struct {
	id      string
	task    Task
	kind    string
	spec    string
	cron    *cronexpr.Expr // nil for one-shot
	entry   *wheel.Entry
	state   *engine.RunState
	created time.Time

	fires    uint64
	lastFire time.Time
}

type Service struct {
	// mu guards the wheel, the series index and everything linked into them.
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	wheel  *wheel.Wheel
	series map[string]*series

	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service

	// lifecycle is serialized separately so Start/Stop never hold mu while
	// waiting on the clock goroutine.
	lifeMu sync.Mutex
	state  atomic.Int32
	sup    *rtsup.Supervisor
	err    atomic.Pointer[error]

	fired atomic.Uint64

	enq enqueueReporter
	now func() time.Time
}

// New builds a stopped scheduler. eng executes due tasks and is started and
// stopped together with the scheduler.
func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if eng == nil {
		return nil, errors.New("scheduler: engine is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	loc, _ := loadLocation(cfg.Timezone)

	s := &Service{
		cfg:    cfg,
		loc:    loc,
		series: map[string]*series{},
		log:    log,
		bus:    bus,
		engine: eng,
		now:    time.Now,
	}
	w, err := wheel.New(cfg.Tick.Milliseconds(), cfg.WheelSize, cfg.Levels, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	s.wheel = w
	return s, nil
}

// Apply swaps the configuration. Geometry changes are rejected with ErrRunning
// while the scheduler runs; a timezone change only affects later submissions.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	loc, _ := loadLocation(cfg.Timezone)

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.sameGeometry(cfg) {
		if s.State() == StateRunning {
			return ErrRunning
		}
		w, err := wheel.New(cfg.Tick.Milliseconds(), cfg.WheelSize, cfg.Levels, s.now().UnixMilli())
		if err != nil {
			return err
		}
		old := s.wheel
		s.wheel = w
		// Carry pending entries over to the new geometry.
		for _, e := range old.Clear() {
			s.linkLocked(e)
		}
	}
	if s.cfg.Timezone != cfg.Timezone {
		s.log.Info("scheduler timezone changed", logx.String("from", s.cfg.Timezone), logx.String("to", cfg.Timezone))
	}
	s.cfg = cfg
	s.loc = loc
	return nil
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) State() State { return State(s.state.Load()) }

// Err returns the error that moved the scheduler into StateFailed, if any.
func (s *Service) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Start starts the engine and the clock goroutine. It is idempotent while
// running; from StateFailed it returns the stored error until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	switch s.State() {
	case StateRunning:
		return nil
	case StateFailed:
		return errors.Join(ErrFailed, s.Err())
	}

	s.engine.Start(ctx)
	if !s.engine.Running() {
		return engine.ErrDisabled
	}

	s.mu.Lock()
	if s.wheel.Len() == 0 {
		s.wheel.Reset(s.now().UnixMilli())
	}
	pending := s.wheel.Len()
	s.mu.Unlock()

	s.err.Store(nil)
	s.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithErrorHandler(s.onClockFailure),
	)
	s.state.Store(int32(StateRunning))
	s.sup.Go("clock", s.runClock)

	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("wheel_size", s.cfg.WheelSize),
		logx.Int("levels", s.cfg.Levels),
		logx.Int("pending", pending),
	)
	return nil
}

// Stop halts the clock, drops every pending entry without running it and stops
// the engine. It is idempotent and also clears StateFailed.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	sup := s.sup
	s.sup = nil
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler clock did not stop cleanly", logx.Err(err))
		}
	}

	s.mu.Lock()
	dropped := s.wheel.Reset(s.now().UnixMilli())
	for _, e := range dropped {
		e.Cancel()
	}
	for id, sr := range s.series {
		sr.entry.Cancel()
		delete(s.series, id)
	}
	s.mu.Unlock()

	s.engine.Stop(ctx)
	prev := State(s.state.Swap(int32(StateStopped)))
	s.err.Store(nil)
	if prev != StateStopped || len(dropped) > 0 {
		s.log.Info("scheduler stopped", logx.Int("dropped", len(dropped)), logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) onClockFailure(name string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.err.Store(&err)
	s.state.Store(int32(StateFailed))
	s.log.Error("scheduler clock failed", logx.String("goroutine", name), logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerFailed, Time: time.Now(), Data: FailureEvent{Error: err.Error()}})
	}
}
