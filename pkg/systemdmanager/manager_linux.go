//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds a lazily opened system bus connection shared by all unit
// actions. A failed call drops the connection so the next one reconnects.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func New() *Manager { return &Manager{} }

func (m *Manager) connLocked(ctx context.Context) (*dbus.Conn, error) {
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// Do queues op for unit in "replace" mode and waits for the job result.
func (m *Manager) Do(ctx context.Context, op Op, unit string) error {
	unit = UnitName(unit)
	if unit == "" {
		return errors.New("unit name required")
	}

	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	switch op {
	case OpStart:
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case OpStop:
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case OpRestart:
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	case OpReload:
		_, err = conn.ReloadUnitContext(ctx, unit, "replace", done)
	case OpTryRestart:
		_, err = conn.TryRestartUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unknown unit op %q", op)
	}
	if err != nil {
		m.drop(conn)
		return fmt.Errorf("failed to %s %s: %w", op, unit, err)
	}

	select {
	case res := <-done:
		if res != "done" {
			return &JobError{Op: op, Unit: unit, Result: res}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reads the load and active state of unit.
func (m *Manager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	unit = UnitName(unit)
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return UnitStatus{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		m.drop(conn)
		return UnitStatus{}, err
	}
	str := func(k string) string { s, _ := props[k].(string); return s }
	return UnitStatus{
		Unit:        unit,
		LoadState:   str("LoadState"),
		ActiveState: str("ActiveState"),
		SubState:    str("SubState"),
	}, nil
}

func (m *Manager) drop(conn *dbus.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn && !conn.Connected() {
		conn.Close()
		m.conn = nil
	}
}

// Close closes the systemd connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}
