// Package systemdmanager drives systemd units over D-Bus for the "systemd"
// task action.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

// Op is a unit job verb.
type Op string

const (
	OpStart      Op = "start"
	OpStop       Op = "stop"
	OpRestart    Op = "restart"
	OpReload     Op = "reload"
	OpTryRestart Op = "try-restart"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// ParseOp validates a configured verb. Empty means restart.
func ParseOp(raw string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(raw))); op {
	case "":
		return OpRestart, nil
	case OpStart, OpStop, OpRestart, OpReload, OpTryRestart:
		return op, nil
	default:
		return "", fmt.Errorf("unknown unit op %q", raw)
	}
}

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

// JobError reports a job that systemd finished with a result other than "done".
type JobError struct {
	Op     Op
	Unit   string
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.Op, e.Unit, e.Result)
}

// UnitStatus is the subset of unit properties the launcher reports.
type UnitStatus struct {
	Unit        string `json:"unit"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}
