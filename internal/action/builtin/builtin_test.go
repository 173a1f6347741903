package builtin

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"actionq/internal/action"
	"actionq/pkg/logx"
)

func TestRegister(t *testing.T) {
	t.Parallel()
	r := action.NewRegistry()
	if err := Register(r, logx.Nop(), Config{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, name := range []string{"sleep", "log", "exec", "systemd"} {
		if _, ok := r.Resolve(name); !ok {
			t.Fatalf("%s not registered", name)
		}
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()
	a := Sleep()
	if _, err := a.Invoke(context.Background(), map[string]any{"duration": "5ms"}, nil); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if _, err := a.Invoke(context.Background(), map[string]any{"duration": "1ms", "fail": "boom"}, nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("sleep fail = %v", err)
	}
	if _, err := a.Invoke(context.Background(), map[string]any{"duration": "nope"}, nil); err == nil {
		t.Fatal("bad duration should error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Invoke(ctx, map[string]any{"duration": "1h"}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sleep honoring ctx = %v", err)
	}
}

func TestLogEchoesMessage(t *testing.T) {
	t.Parallel()
	res, err := Log(logx.Nop()).Invoke(context.Background(), map[string]any{"message": "hi", "level": "warn"}, nil)
	if err != nil || res != "hi" {
		t.Fatalf("log = %v, %v", res, err)
	}
}

func TestExecAllowList(t *testing.T) {
	t.Parallel()
	a := Exec(ExecConfig{Allow: []string{"echo"}})
	if _, err := a.Invoke(context.Background(), map[string]any{"command": "rm", "args": []string{"-rf", "/"}}, nil); !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("err = %v, want ErrCommandNotAllowed", err)
	}
	if _, err := a.Invoke(context.Background(), map[string]any{}, nil); err == nil {
		t.Fatal("missing command should error")
	}
}

func TestExecRuns(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	a := Exec(ExecConfig{Allow: []string{"echo"}})
	res, err := a.Invoke(context.Background(), map[string]any{"command": "echo", "args": []string{"hello"}}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	out, ok := res.(ExecResult)
	if !ok || strings.TrimSpace(out.Stdout) != "hello" {
		t.Fatalf("result = %#v", res)
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	b := &cappedBuffer{limit: 3}
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 || b.String() != "hel" {
		t.Fatalf("Write = %d, %v, %q", n, err, b.String())
	}
}
