package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"launcher/internal/task/engine"
	"launcher/internal/task/wheel"
)

var (
	ErrInvalidTask = errors.New("invalid task")
	ErrRunning     = errors.New("scheduler is running")
	ErrFailed      = errors.New("scheduler has failed")
)

// Config controls the wheel geometry and the clock.
//
// Tick, WheelSize, Levels and ClockGranularity are fixed while the scheduler
// runs; Apply rejects geometry changes with ErrRunning.
type Config struct {
	Tick             time.Duration
	WheelSize        int
	Levels           int
	ClockGranularity time.Duration
	Timezone         string // IANA TZ for cron evaluation, e.g. "Asia/Jakarta"; empty means Local
}

const (
	defaultTick             = time.Second
	defaultWheelSize        = 60
	defaultLevels           = 4
	defaultClockGranularity = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.WheelSize <= 0 {
		c.WheelSize = defaultWheelSize
	}
	if c.Levels <= 0 {
		c.Levels = defaultLevels
	}
	if c.ClockGranularity <= 0 {
		c.ClockGranularity = defaultClockGranularity
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	return c
}

func (c Config) validate() error {
	if c.Tick < time.Millisecond || c.Tick%time.Millisecond != 0 {
		return fmt.Errorf("tick must be a whole number of milliseconds, got %s", c.Tick)
	}
	if c.WheelSize < 2 {
		return fmt.Errorf("wheel size must be >= 2, got %d", c.WheelSize)
	}
	if err := wheel.CheckGeometry(c.Tick.Milliseconds(), c.WheelSize, c.Levels); err != nil {
		return err
	}
	if _, err := loadLocation(c.Timezone); err != nil {
		return err
	}
	return nil
}

func (c Config) sameGeometry(o Config) bool {
	return c.Tick == o.Tick && c.WheelSize == o.WheelSize && c.Levels == o.Levels && c.ClockGranularity == o.ClockGranularity
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Trigger is either OneShot or Recurring.
type Trigger interface {
	isTrigger()
	String() string
}

// OneShot fires once, Delay after submission.
type OneShot struct {
	Delay time.Duration
}

// Recurring fires on every activation of a six-field cron expression.
type Recurring struct {
	Expr string
}

func (OneShot) isTrigger()   {}
func (Recurring) isTrigger() {}

func (o OneShot) String() string   { return "delay:" + o.Delay.String() }
func (r Recurring) String() string { return "cron:" + strings.TrimSpace(r.Expr) }

// Classify picks the trigger for a task that may carry both a delay and a cron
// expression. A non-blank expression always wins.
func Classify(delay time.Duration, expr string) Trigger {
	if strings.TrimSpace(expr) != "" {
		return Recurring{Expr: expr}
	}
	return OneShot{Delay: delay}
}

// Overlap selects what happens when a series fires while its previous run is
// still queued or executing.
type Overlap int

const (
	// OverlapDefault skips overlapping runs of recurring tasks and allows them for one-shots.
	OverlapDefault Overlap = iota
	OverlapAllow
	OverlapSkip
)

func (o Overlap) resolve(recurring bool) engine.OverlapPolicy {
	switch o {
	case OverlapAllow:
		return engine.OverlapAllow
	case OverlapSkip:
		return engine.OverlapSkipIfRunning
	}
	if recurring {
		return engine.OverlapSkipIfRunning
	}
	return engine.OverlapAllow
}

// Task is a unit of work submitted to the scheduler.
type Task struct {
	Name    string
	Trigger Trigger
	Run     func(ctx context.Context) error

	// Timeout bounds each run. Zero falls back to the engine default, which is
	// no timeout unless configured.
	Timeout time.Duration
	Overlap Overlap
}

// Once builds a one-shot task.
func Once(name string, delay time.Duration, fn func(ctx context.Context) error) Task {
	return Task{Name: name, Trigger: OneShot{Delay: delay}, Run: fn}
}

// Cron builds a recurring task.
func Cron(name, expr string, fn func(ctx context.Context) error) Task {
	return Task{Name: name, Trigger: Recurring{Expr: expr}, Run: fn}
}

// Handle identifies a submitted task. The zero Handle matches nothing.
type Handle struct {
	ID string
}

func (h Handle) IsZero() bool { return h.ID == "" }

func (h Handle) String() string { return h.ID }

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// ScheduleEvent is the payload of schedule.* events.
type ScheduleEvent struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Spec     string    `json:"spec"`
	Deadline time.Time `json:"deadline"`
	Fired    time.Time `json:"fired,omitempty"`
	Lag      int64     `json:"lag_ms,omitempty"`
	Fires    uint64    `json:"fires,omitempty"`
}

// FailureEvent is the payload of the scheduler.failed event.
type FailureEvent struct {
	Error string `json:"error"`
}

type SeriesInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	Level    int       `json:"level"`
	Fires    uint64    `json:"fires"`
	Created  time.Time `json:"created"`
	LastFire time.Time `json:"last_fire,omitempty"`
}

type Snapshot struct {
	State       string          `json:"state"`
	Error       string          `json:"error,omitempty"`
	Tick        time.Duration   `json:"tick"`
	WheelSize   int             `json:"wheel_size"`
	Levels      int             `json:"levels"`
	Timezone    string          `json:"timezone"`
	CurrentTick int64           `json:"current_tick"`
	Pending     int             `json:"pending"`
	Fired       uint64          `json:"fired"`
	Series      []SeriesInfo    `json:"series"`
	Engine      engine.Snapshot `json:"engine"`
}
