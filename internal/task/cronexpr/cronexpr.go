// Package cronexpr evaluates six-field cron expressions:
//
//	second minute hour day-of-month month day-of-week
//
// "?" is accepted in the day fields, and descriptors such as "@hourly" or
// "@every 90s" are accepted as well. Parsing is delegated to robfig/cron.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid cron expression")

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expr is a parsed cron expression.
type Expr struct {
	text  string
	sched cron.Schedule
}

// Parse parses expr in the local time zone.
func Parse(expr string) (*Expr, error) {
	return ParseInLocation(expr, nil)
}

// ParseInLocation parses expr and evaluates it in loc (nil means time.Local).
// A "TZ=" or "CRON_TZ=" prefix inside expr takes precedence over loc.
func ParseInLocation(expr string, loc *time.Location) (*Expr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: expression is blank", ErrInvalid)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok && loc != nil && !hasTZPrefix(s) {
		spec.Location = loc
	}
	return &Expr{text: s, sched: sched}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func hasTZPrefix(s string) bool {
	return strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=")
}

func (e *Expr) String() string { return e.text }

// Next returns the first activation strictly after t, or the zero time when
// the expression can never fire again.
func (e *Expr) Next(t time.Time) time.Time {
	return e.sched.Next(t)
}

// NextN returns up to n consecutive activations after t.
func (e *Expr) NextN(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	for i := 0; i < n; i++ {
		t = e.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
