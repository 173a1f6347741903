package queue

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition happens without a manual Retry.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts a status name and the alias "completed" for success.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return Status(s), true
	case "completed":
		return StatusSuccess, true
	}
	return "", false
}

// Config controls a Queue. Zero values take defaults (see withDefaults).
type Config struct {
	// Concurrency is the maximum number of running tasks.
	Concurrency       int
	DefaultMaxRetries int
	// DefaultTimeout applies when a task has no WithTimeout option.
	DefaultTimeout time.Duration

	// Retry backoff. RetryBase == 0 re-admits retried tasks immediately.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%; < 0 disables jitter

	// Circuit breaker per action name. CircuitTripFailures <= 0 disables it.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

const (
	DefaultConcurrency = 3
	DefaultTimeout     = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RetryBase < 0 {
		c.RetryBase = 0
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.2
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Task is a point-in-time copy of a queued task. Zero StartedAt and
// CompletedAt mean the transition has not happened.
type Task struct {
	ID          string
	Action      string
	Params      any
	ExecContext any
	Status      Status
	Result      any
	// Err is the terminal error of a failed task. While a task waits for an
	// automatic retry it holds the error of the previous attempt.
	Err         error
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	MaxRetries  int
	// Attempts counts invocations, including ones lost to a timeout.
	Attempts int
	Timeout  time.Duration
	Group    string
	// NotBefore is set while a retried task waits out its backoff.
	NotBefore time.Time
}

type taskJSON struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Params      any        `json:"params,omitempty"`
	ExecContext any        `json:"exec_ctx,omitempty"`
	Status      Status     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Attempts    int        `json:"attempts"`
	Timeout     string     `json:"timeout"`
	Group       string     `json:"group,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (t Task) MarshalJSON() ([]byte, error) {
	v := taskJSON{
		ID:          t.ID,
		Action:      t.Action,
		Params:      t.Params,
		ExecContext: t.ExecContext,
		Status:      t.Status,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
		StartedAt:   optTime(t.StartedAt),
		CompletedAt: optTime(t.CompletedAt),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		Attempts:    t.Attempts,
		Timeout:     t.Timeout.String(),
		Group:       t.Group,
		NotBefore:   optTime(t.NotBefore),
	}
	if t.Err != nil {
		v.Error = t.Err.Error()
	}
	return json.Marshal(v)
}

// Counts is the number of tasks per status.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (c Counts) Total() int { return c.Pending + c.Running + c.Success + c.Failed + c.Cancelled }

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Counts         Counts         `json:"counts"`
	Concurrency    int            `json:"concurrency"`
	InFlight       int            `json:"in_flight"`
	Groups         map[string]int `json:"groups,omitempty"`
	DefaultTimeout string         `json:"default_timeout"`
	DefaultRetries int            `json:"default_max_retries"`
	CircuitTotal   int            `json:"circuit_total"`
	CircuitOpen    int            `json:"circuit_open"`
	Closed         bool           `json:"closed"`
	// Goroutines still executing actions, including abandoned ones.
	Invocations int64 `json:"invocations"`
}

// TaskEvent is the Data of every task.* event published on the bus.
type TaskEvent struct {
	ID         string        `json:"id"`
	Action     string        `json:"action"`
	Status     Status        `json:"status"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	Group      string        `json:"group,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	Manual     bool          `json:"manual,omitempty"`
	Time       time.Time     `json:"time"`
}
