package journal

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal closed")

// Config configures the journal. Driver "" or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	// Retain caps stored outcomes (sqlite only; pruned periodically). 0 keeps everything.
	Retain int
}

// Entry is one terminal outcome. Keep it compact and schema-stable.
type Entry struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	RetryCount int       `json:"retry_count"`
	Group      string    `json:"group,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Action string
	Status string
}

func (f Filter) match(e Entry) bool {
	return (f.Action == "" || f.Action == e.Action) && (f.Status == "" || f.Status == e.Status)
}

type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n matching entries, newest first.
	Recent(ctx context.Context, n int, f Filter) ([]Entry, error)
	Close() error
}
