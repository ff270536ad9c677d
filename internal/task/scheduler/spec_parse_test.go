package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		kind   SpecKind
		cron   string
		delay  time.Duration
		source string
	}{
		{in: "0/1 * * * * ?", kind: SpecCron, cron: "0/1 * * * * ?", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 0 * * * ?", kind: SpecCron, cron: "0 0 * * * ?", source: "cron"},
		{in: "CRON:@daily", kind: SpecCron, cron: "@daily", source: "cron"},
		{in: "every:90s", kind: SpecCron, cron: "@every 1m30s", source: "interval"},
		{in: "interval:01:30", kind: SpecCron, cron: "@every 1h30m0s", source: "interval"},
		{in: "55m", kind: SpecDelay, delay: 55 * time.Minute, source: "duration"},
		{in: "0s", kind: SpecDelay, delay: 0, source: "duration"},
		{in: "02:30", kind: SpecDelay, delay: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "delay:5s", kind: SpecDelay, delay: 5 * time.Second, source: "duration"},
		{in: "in: 00:01", kind: SpecDelay, delay: time.Minute, source: "hhmm"},
		{in: "at:2024-05-01T09:00:30Z", kind: SpecDelay, delay: 30 * time.Second, source: "at"},
		{in: "at:2024-05-01T08:00:00Z", kind: SpecDelay, delay: 0, source: "at"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseSchedule(tt.in, now)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.cron, p.Cron)
			assert.Equal(t, tt.delay, p.Delay)
			assert.Equal(t, tt.source, p.Source)
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	now := time.Now()
	for _, in := range []string{"", "  ", "cron:", "delay:", "delay:-5s", "every:500ms", "at:tomorrow", "01:75", "soon"} {
		_, err := ParseSchedule(in, now)
		assert.Error(t, err, in)
	}
}

func TestParsedSpecTrigger(t *testing.T) {
	p, err := ParseSchedule("delay:5s", time.Now())
	require.NoError(t, err)
	assert.Equal(t, OneShot{Delay: 5 * time.Second}, p.Trigger())

	p, err = ParseSchedule("0/1 * * * * ?", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Recurring{Expr: "0/1 * * * * ?"}, p.Trigger())
}
