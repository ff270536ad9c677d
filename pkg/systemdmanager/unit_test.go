package systemdmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	cases := map[string]Op{
		"":            OpRestart,
		"start":       OpStart,
		" STOP ":      OpStop,
		"reload":      OpReload,
		"try-restart": OpTryRestart,
	}
	for in, want := range cases {
		got, err := ParseOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOp("kill")
	require.Error(t, err)
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "nginx.service", UnitName("nginx"))
	assert.Equal(t, "nginx.service", UnitName(" nginx.service "))
	assert.Equal(t, "backup.timer", UnitName("backup.timer"))
	assert.Equal(t, "app.v2.service", UnitName("app.v2"))
	assert.Equal(t, "", UnitName("  "))
}

func TestJobError(t *testing.T) {
	var err error = &JobError{Op: OpRestart, Unit: "x.service", Result: "failed"}
	assert.Equal(t, "restart x.service: job failed", err.Error())

	var je *JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "failed", je.Result)
}
