package trigger

import (
	"time"

	"actionq/internal/action"
	"actionq/internal/queue"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	// Spread delays the first run of interval triggers by up to
	// min(interval, 30s).
	Spread bool
}

// Definition is a named schedule that enqueues Action with Params.
type Definition struct {
	Name     string
	Schedule string
	Action   string
	Params   any

	MaxRetries *int
	Timeout    time.Duration
	Group      string
	GroupLimit int
	// AllowOverlap fires even while the previous task of this trigger is
	// pending or running.
	AllowOverlap bool
}

// Fire is the execution context of tasks enqueued by a trigger.
type Fire struct {
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// Enqueuer is the part of *queue.Queue the trigger service uses.
type Enqueuer interface {
	Enqueue(a action.Action, params, execCtx any, opts ...queue.Option) string
	GetTask(id string) (queue.Task, bool)
}

// Resolver resolves action names; *action.Registry implements it.
type Resolver interface {
	Resolve(name string) (action.Action, bool)
}

type Info struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Action   string    `json:"action"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
	LastTask string    `json:"last_task,omitempty"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
}

type Snapshot struct {
	Running  bool   `json:"running"`
	Timezone string `json:"timezone"`
	Triggers []Info `json:"triggers"`
}
