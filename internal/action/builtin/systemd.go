package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"actionq/internal/action"
	"actionq/internal/queue"
)

// SystemdConfig lists the units the systemd action may touch. Empty
// disables the action.
type SystemdConfig struct {
	Units []string
}

var (
	ErrUnitNotAllowed = errors.New("systemd: unit not allowed")
	// ErrSystemdUnavailable is returned where there is no systemd bus.
	ErrSystemdUnavailable = errors.New("systemd: not available on this platform")
)

// unitBus is the subset of the go-systemd D-Bus connection the action uses.
type unitBus interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

type systemdParams struct {
	Unit string `json:"unit"`
	Op   string `json:"op"` // status (default), start, stop, restart
}

// UnitStatus is the result of every systemd action call.
type UnitStatus struct {
	Unit        string    `json:"unit"`
	Active      string    `json:"active"`
	SubState    string    `json:"sub_state"`
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitzero"`
	Job         string    `json:"job,omitempty"` // job result for start/stop/restart
}

type systemdAction struct {
	allowed map[string]bool
	dial    func(ctx context.Context) (unitBus, error)

	mu   sync.Mutex
	conn unitBus
}

// Systemd controls allow-listed units over the system bus. The connection
// is dialed on first use and redialed after a bus error.
func Systemd(cfg SystemdConfig) action.Action {
	return newSystemd(cfg, dialSystemd)
}

func newSystemd(cfg SystemdConfig, dial func(ctx context.Context) (unitBus, error)) action.Action {
	s := &systemdAction{allowed: make(map[string]bool, len(cfg.Units)), dial: dial}
	for _, u := range cfg.Units {
		if u = unitName(u); u != ".service" {
			s.allowed[u] = true
		}
	}
	return action.New("systemd", s.invoke)
}

// unitName appends ".service" when the name has no unit suffix.
func unitName(raw string) string {
	u := strings.TrimSpace(raw)
	if strings.Contains(u, ".") {
		return u
	}
	return u + ".service"
}

func (s *systemdAction) invoke(ctx context.Context, params, _ any) (any, error) {
	var p systemdParams
	if err := action.Decode(params, &p); err != nil {
		return nil, queue.NoRetry(err)
	}
	if strings.TrimSpace(p.Unit) == "" {
		return nil, queue.NoRetry(errors.New("systemd: unit is required"))
	}
	unit := unitName(p.Unit)
	if !s.allowed[unit] {
		return nil, queue.NoRetry(fmt.Errorf("%w: %q", ErrUnitNotAllowed, unit))
	}

	op := strings.ToLower(strings.TrimSpace(p.Op))
	switch op {
	case "", "status", "start", "stop", "restart":
	default:
		return nil, queue.NoRetry(fmt.Errorf("systemd: unknown op %q", p.Op))
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	var call func(context.Context, string, string, chan<- string) (int, error)
	switch op {
	case "start":
		call = conn.StartUnitContext
	case "stop":
		call = conn.StopUnitContext
	case "restart":
		call = conn.RestartUnitContext
	}

	var job string
	if call != nil {
		done := make(chan string, 1)
		if _, err := call(ctx, unit, "replace", done); err != nil {
			s.drop(conn)
			return nil, fmt.Errorf("systemd: %s %s: %w", op, unit, err)
		}
		select {
		case job = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if job != "done" {
			return nil, fmt.Errorf("systemd: %s %s: job %s", op, unit, job)
		}
	}

	st, err := s.status(ctx, conn, unit)
	if err != nil {
		return nil, err
	}
	st.Job = job
	return st, nil
}

func (s *systemdAction) status(ctx context.Context, conn unitBus, unit string) (UnitStatus, error) {
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return UnitStatus{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		s.drop(conn)
		return UnitStatus{}, fmt.Errorf("systemd: status %s: %w", unit, err)
	}
	str := func(k string) string { v, _ := props[k].(string); return v }
	st := UnitStatus{
		Unit:        unit,
		Active:      str("ActiveState"),
		SubState:    str("SubState"),
		LoadState:   str("LoadState"),
		Description: str("Description"),
	}
	// systemd timestamps are microseconds since the Unix epoch
	if ts, ok := props["ActiveEnterTimestamp"].(uint64); ok && ts > 0 {
		st.ActiveSince = time.UnixMicro(int64(ts))
	}
	return st, nil
}

func (s *systemdAction) connect(ctx context.Context) (unitBus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *systemdAction) drop(conn unitBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
}
