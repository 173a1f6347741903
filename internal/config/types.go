package config

import "encoding/json"

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "30s", "2m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Queue    QueueConfig    `json:"queue"`
	Journal  *JournalConfig `json:"journal,omitempty"`
	Metrics  *MetricsConfig `json:"metrics,omitempty"`
	Diag     DiagConfig     `json:"diag,omitempty"`
	Actions  ActionsConfig  `json:"actions,omitempty"`
	Triggers TriggersConfig `json:"triggers,omitempty"`
}

// LoggingConfig selects log level and sinks. Components overrides the level
// per component (queue, trigger, journal, diag, config, action, app).
type LoggingConfig struct {
	Level      string            `json:"level"`
	Console    bool              `json:"console"`
	Format     string            `json:"format,omitempty"`
	File       LoggingFile       `json:"file"`
	Components map[string]string `json:"components,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the scheduler queue.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 3
//   - max_retries: 0
//   - timeout: "30s"
//   - retry_base: "0s" (retried tasks are re-admitted immediately)
//   - retry_max_delay: "15s"
//   - circuit.trip_failures: 0 (disabled)
//
// Durations may also be written as a number of seconds.
type QueueConfig struct {
	Concurrency   int      `json:"concurrency,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
	RetryBase     Duration `json:"retry_base,omitempty"`
	RetryMaxDelay Duration `json:"retry_max_delay,omitempty"`
	// RetryJitter is a fraction (0.2 = 20%). Negative disables jitter.
	RetryJitter float64 `json:"retry_jitter,omitempty"`

	Circuit CircuitConfig `json:"circuit,omitempty"`
}

type CircuitConfig struct {
	TripFailures int      `json:"trip_failures,omitempty"`
	BaseDelay    Duration `json:"base_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty"`
	ResetAfter   Duration `json:"reset_after,omitempty"`
}

// JournalConfig controls the outcome journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./actionq.db", "retain": 10000 }
type JournalConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite
	Retain      int      `json:"retain,omitempty"`
}

// MetricsConfig toggles OpenTelemetry instruments. Omitted means enabled.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DiagConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}

// ActionsConfig configures the built-in actions.
type ActionsConfig struct {
	Exec    ExecConfig    `json:"exec,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

type SystemdConfig struct {
	// Units the systemd action may query or control, e.g. "nginx" or
	// "backup.timer". Empty disables it.
	Units []string `json:"units,omitempty"`
}

type ExecConfig struct {
	// Allow lists command names that the exec action may run. Empty disables exec.
	Allow     []string `json:"allow,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	MaxOutput int      `json:"max_output,omitempty"` // bytes per stream
}

type TriggersConfig struct {
	Timezone string          `json:"timezone,omitempty"`
	Spread   bool            `json:"spread,omitempty"`
	Items    []TriggerConfig `json:"items,omitempty"`
}

// TriggerConfig is one named schedule.
type TriggerConfig struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Action   string          `json:"action"`
	Params   json.RawMessage `json:"params,omitempty"`

	MaxRetries *int     `json:"max_retries,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	Group      string   `json:"group,omitempty"`
	GroupLimit int      `json:"group_limit,omitempty"`
	// SkipIfPending defaults to true: a fire is skipped while the previous
	// task of this trigger is still pending or running.
	SkipIfPending *bool `json:"skip_if_pending,omitempty"`
}

// SkipsOverlap reports the effective skip_if_pending value.
func (t TriggerConfig) SkipsOverlap() bool {
	return t.SkipIfPending == nil || *t.SkipIfPending
}

// MetricsEnabled reports whether metrics are on (default true).
func (c *Config) MetricsEnabled() bool {
	return c.Metrics == nil || c.Metrics.Enabled
}
