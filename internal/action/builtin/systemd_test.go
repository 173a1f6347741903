package builtin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"actionq/internal/queue"
)

type fakeBus struct {
	mu     sync.Mutex
	calls  []string
	job    string
	err    error
	props  map[string]interface{}
	closed bool
}

func (f *fakeBus) op(name, unit string, ch chan<- string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+unit)
	if f.err != nil {
		return 0, f.err
	}
	ch <- f.job
	return 1, nil
}

func (f *fakeBus) StartUnitContext(_ context.Context, n, _ string, ch chan<- string) (int, error) {
	return f.op("start", n, ch)
}

func (f *fakeBus) StopUnitContext(_ context.Context, n, _ string, ch chan<- string) (int, error) {
	return f.op("stop", n, ch)
}

func (f *fakeBus) RestartUnitContext(_ context.Context, n, _ string, ch chan<- string) (int, error) {
	return f.op("restart", n, ch)
}

func (f *fakeBus) GetUnitPropertiesContext(context.Context, string) (map[string]interface{}, error) {
	return f.props, nil
}

func (f *fakeBus) Close() { f.closed = true }

func TestSystemdAllowList(t *testing.T) {
	t.Parallel()
	dials := 0
	a := newSystemd(SystemdConfig{Units: []string{"nginx"}}, func(context.Context) (unitBus, error) {
		dials++
		return &fakeBus{}, nil
	})

	cases := []map[string]any{
		{"unit": "sshd", "op": "restart"},
		{"unit": "", "op": "status"},
		{"unit": "nginx", "op": "reload-or-explode"},
	}
	for _, p := range cases {
		_, err := a.Invoke(context.Background(), p, nil)
		if err == nil || !queue.IsNoRetry(err) {
			t.Fatalf("%v: err = %v, want permanent error", p, err)
		}
	}
	if _, err := a.Invoke(context.Background(), cases[0], nil); !errors.Is(err, ErrUnitNotAllowed) {
		t.Fatalf("err = %v, want ErrUnitNotAllowed", err)
	}
	if dials != 0 {
		t.Fatalf("rejected calls dialed the bus %d times", dials)
	}
}

func TestSystemdRestartAndStatus(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{
		job: "done",
		props: map[string]interface{}{
			"ActiveState":          "active",
			"SubState":             "running",
			"LoadState":            "loaded",
			"ActiveEnterTimestamp": uint64(1_700_000_000_000_000),
		},
	}
	a := newSystemd(SystemdConfig{Units: []string{"nginx.service"}}, func(context.Context) (unitBus, error) { return bus, nil })

	res, err := a.Invoke(context.Background(), map[string]any{"unit": "nginx", "op": "restart"}, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := res.(UnitStatus)
	if st.Unit != "nginx.service" || st.Active != "active" || st.Job != "done" || st.ActiveSince.Unix() != 1_700_000_000 {
		t.Fatalf("status = %+v", st)
	}
	if len(bus.calls) != 1 || bus.calls[0] != "restart nginx.service" {
		t.Fatalf("calls = %v", bus.calls)
	}

	if _, err := a.Invoke(context.Background(), map[string]any{"unit": "nginx"}, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(bus.calls) != 1 {
		t.Fatalf("status should not start a job: %v", bus.calls)
	}
}

func TestSystemdJobFailureRedials(t *testing.T) {
	t.Parallel()
	first := &fakeBus{err: errors.New("bus gone")}
	second := &fakeBus{job: "failed", props: map[string]interface{}{}}
	conns := []*fakeBus{first, second}
	a := newSystemd(SystemdConfig{Units: []string{"app"}}, func(context.Context) (unitBus, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	})

	if _, err := a.Invoke(context.Background(), map[string]any{"unit": "app", "op": "start"}, nil); err == nil || queue.IsNoRetry(err) {
		t.Fatalf("bus error should be retryable, got %v", err)
	}
	if !first.closed {
		t.Fatalf("broken connection was not closed")
	}
	if _, err := a.Invoke(context.Background(), map[string]any{"unit": "app", "op": "start"}, nil); err == nil {
		t.Fatalf("failed job should be an error")
	}
	if len(second.calls) != 1 {
		t.Fatalf("expected a redial, calls = %v", second.calls)
	}
}
