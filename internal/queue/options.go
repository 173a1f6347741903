package queue

import (
	"strings"
	"time"
)

// Option configures a single Enqueue call.
type Option func(*options)

type options struct {
	maxRetries    int
	hasMaxRetries bool
	timeout       time.Duration
	group         string
	groupLimit    int
}

// WithMaxRetries overrides Config.DefaultMaxRetries for one task.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
		o.hasMaxRetries = true
	}
}

// WithTimeout overrides Config.DefaultTimeout for one task. d <= 0 is ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithGroup limits how many tasks sharing key may run at once. The limit of
// the most recently admitted task wins when callers disagree.
func WithGroup(key string, limit int) Option {
	return func(o *options) {
		o.group = strings.TrimSpace(key)
		o.groupLimit = limit
	}
}
