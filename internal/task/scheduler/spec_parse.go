package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecDelay
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron (six fields, seconds first): "0/1 * * * * ?", "0 30 9 * * MON-FRI", "@hourly", "@every 90s"
//   - Delay duration: "55m", "2h30m"
//   - Delay HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "delay:" or "in:" forces delay parsing
//   - "at:" takes an RFC 3339 instant and turns it into a delay from now
//   - "every:" or "interval:" takes a duration or HH:MM and becomes "@every <d>"
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Delay  time.Duration
	Source string // "cron" | "interval" | "duration" | "hhmm" | "at"
}

// Trigger converts the parsed form into a scheduler trigger.
func (p ParsedSpec) Trigger() Trigger {
	if p.Kind == SpecCron {
		return Recurring{Expr: p.Cron}
	}
	return OneShot{Delay: p.Delay}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into either a cron expression or a
// one-shot delay. now anchors the "at:" form; instants in the past become a
// zero delay. Cron text is only classified here; it is validated by Submit.
func ParseSchedule(raw string, now time.Time) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "delay:"):
		return parseDelay(s[len("delay:"):])
	case strings.HasPrefix(low, "in:"):
		return parseDelay(s[len("in:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid instant %q (use RFC 3339 like '2024-05-01T09:30:00Z')", v)
		}
		return ParsedSpec{Kind: SpecDelay, Delay: max(at.Sub(now), 0), Source: "at"}, nil
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	// - HH:MM or Go duration => delay
	if p, err := parseDelay(s); err == nil {
		return p, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0/1 * * * * ?', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseDelay(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("delay required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecDelay, Delay: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid delay %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d < 0 {
		return ParsedSpec{}, fmt.Errorf("delay must be >= 0")
	}
	return ParsedSpec{Kind: SpecDelay, Delay: d, Source: "duration"}, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	p, err := parseDelay(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	if p.Delay < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval must be >= 1s")
	}
	return ParsedSpec{Kind: SpecCron, Cron: "@every " + p.Delay.String(), Source: "interval"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
