package diag

import (
	"context"
	"net"
	"strings"
	"time"

	"actionq/internal/action"
	"actionq/internal/metrics"
	"actionq/internal/queue"
	"actionq/internal/runtime/supervisor"
	"actionq/internal/trigger"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the diagnostics server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Queue is the part of *queue.Queue served over HTTP.
type Queue interface {
	Enqueue(a action.Action, params, execCtx any, opts ...queue.Option) string
	GetTask(id string) (queue.Task, bool)
	Cancel(id string) bool
	Retry(id string) bool
	Tasks() []queue.Task
	ByStatus(s queue.Status) []queue.Task
	Snapshot() queue.Snapshot
}

type Resolver interface {
	Resolve(name string) (action.Action, bool)
	Names() []string
}

// Deps are the components behind the API. Queue and Actions are
// required; nil funcs disable their endpoints.
type Deps struct {
	Queue   Queue
	Actions Resolver

	Metrics  func(ctx context.Context) (metrics.Summary, error)
	Triggers func() trigger.Snapshot
	Fire     func(name string) (string, bool)
	Runtime  func() supervisor.Snapshot
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

func needsRestart(a, b Config) bool {
	return a.addr() != b.addr() ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// CheckBind rejects a non-loopback address without a token unless
// AllowInsecure is set.
func (c Config) CheckBind() error {
	if c.AllowInsecure || strings.TrimSpace(c.Token) != "" || isLoopbackAddr(c.addr()) {
		return nil
	}
	return errInsecureBind
}
