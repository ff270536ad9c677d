package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"launcher/internal/config"
	logx "launcher/pkg/logx"
	"launcher/pkg/systemdmanager"
)

const (
	outputTailBytes  = 4 << 10
	commandWaitDelay = 2 * time.Second
)

// unitController runs systemd unit jobs. *systemdmanager.Manager satisfies it.
type unitController interface {
	Do(ctx context.Context, op systemdmanager.Op, unit string) error
}

// buildAction turns a task's action block into the function the engine runs.
func buildAction(tc config.TaskConfig, log logx.Logger, units unitController) (func(ctx context.Context) error, error) {
	ac := tc.Action
	log = log.With(logx.String("task", tc.Name))

	switch strings.ToLower(strings.TrimSpace(ac.Type)) {
	case config.ActionLog:
		msg := ac.Message
		if msg == "" {
			msg = "scheduled task fired"
		}
		return func(ctx context.Context) error {
			log.Info(msg)
			return nil
		}, nil

	case config.ActionCommand:
		name := strings.TrimSpace(ac.Command)
		if name == "" {
			return nil, errors.New("action.command is required")
		}
		args := append([]string(nil), ac.Args...)
		dir := ac.Dir
		return func(ctx context.Context) error {
			return runCommand(ctx, log, name, args, dir)
		}, nil

	case config.ActionSystemd:
		op, err := systemdmanager.ParseOp(ac.Op)
		if err != nil {
			return nil, err
		}
		unit := systemdmanager.UnitName(ac.Unit)
		if unit == "" {
			return nil, errors.New("action.unit is required")
		}
		if units == nil {
			return nil, systemdmanager.ErrUnsupported
		}
		return func(ctx context.Context) error {
			if err := units.Do(ctx, op, unit); err != nil {
				return err
			}
			log.Debug("unit job done", logx.String("unit", unit), logx.String("op", string(op)))
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", ac.Type)
	}
}

func runCommand(ctx context.Context, log logx.Logger, name string, args []string, dir string) error {
	var out tailBuffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Do not hang on grandchildren that keep the pipes open after a kill.
	cmd.WaitDelay = commandWaitDelay

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%w)", ctx.Err(), err)
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("command %s: %w: %s", name, err, tail)
		}
		return fmt.Errorf("command %s: %w", name, err)
	}
	log.Debug("command finished",
		logx.String("command", name),
		logx.Duration("took", took),
		logx.Int("output_bytes", out.total),
	)
	return nil
}

// tailBuffer keeps the last outputTailBytes written to it.
type tailBuffer struct {
	buf   []byte
	total int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.total += len(p)
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - outputTailBytes; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
