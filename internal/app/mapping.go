package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"actionq/internal/action/builtin"
	"actionq/internal/config"
	"actionq/internal/diag"
	"actionq/internal/journal"
	"actionq/internal/queue"
	"actionq/internal/trigger"
	logx "actionq/pkg/logx"
)

// settings is a Config mapped onto component configs. mapConfig doubles as
// the reload validator: a config that doesn't map is never committed.
type settings struct {
	Log      logx.Config
	Queue    queue.Config
	Journal  journal.Config // Driver "" means disabled
	Metrics  bool
	Diag     diag.Config
	Builtins builtin.Config
	Triggers trigger.Config
	Defs     []trigger.Definition
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s   settings
		err error
	)
	if s.Log, err = mapLogging(cfg.Logging); err != nil {
		return settings{}, err
	}
	if s.Queue, err = mapQueueConfig(cfg.Queue); err != nil {
		return settings{}, err
	}
	if s.Journal, err = mapJournalConfig(cfg.Journal); err != nil {
		return settings{}, err
	}
	s.Metrics = cfg.MetricsEnabled()
	if s.Diag, err = mapDiagConfig(cfg.Diag); err != nil {
		return settings{}, err
	}
	if cfg.Actions.Exec.MaxOutput < 0 {
		return settings{}, errors.New("actions.exec.max_output must be >= 0")
	}
	s.Builtins = builtin.Config{
		Exec: builtin.ExecConfig{
			Allow:     cfg.Actions.Exec.Allow,
			Dir:       strings.TrimSpace(cfg.Actions.Exec.Dir),
			MaxOutput: cfg.Actions.Exec.MaxOutput,
		},
		Systemd: builtin.SystemdConfig{Units: cfg.Actions.Systemd.Units},
	}
	if s.Triggers, s.Defs, err = mapTriggers(cfg.Triggers); err != nil {
		return settings{}, err
	}
	return s, nil
}

func mapLogging(lc config.LoggingConfig) (logx.Config, error) {
	if lvl := strings.TrimSpace(lc.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
		}
	}
	if !logx.ValidFormat(lc.Format) {
		return logx.Config{}, fmt.Errorf("logging.format: want console or json, got %q", lc.Format)
	}
	var comps map[string]string
	for name, lvl := range lc.Components {
		if _, ok := logx.ParseLevel(lvl); !ok || strings.TrimSpace(lvl) == "" {
			return logx.Config{}, fmt.Errorf("logging.components.%s: unknown level %q", name, lvl)
		}
		if comps == nil {
			comps = make(map[string]string, len(lc.Components))
		}
		comps[strings.TrimSpace(name)] = lvl
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  strings.TrimSpace(lc.Format),
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    strings.TrimSpace(lc.File.Path),
		},
		Components: comps,
	}, nil
}

func mapQueueConfig(qc config.QueueConfig) (queue.Config, error) {
	if qc.Concurrency < 0 {
		return queue.Config{}, errors.New("queue.concurrency must be >= 0")
	}
	if qc.MaxRetries < 0 {
		return queue.Config{}, errors.New("queue.max_retries must be >= 0")
	}
	if qc.Circuit.TripFailures < 0 {
		return queue.Config{}, errors.New("queue.circuit.trip_failures must be >= 0")
	}
	out := queue.Config{
		Concurrency:         qc.Concurrency,
		DefaultMaxRetries:   qc.MaxRetries,
		RetryJitter:         qc.RetryJitter,
		CircuitTripFailures: qc.Circuit.TripFailures,
	}
	durations := []struct {
		path string
		raw  config.Duration
		dst  *time.Duration
	}{
		{"queue.timeout", qc.Timeout, &out.DefaultTimeout},
		{"queue.retry_base", qc.RetryBase, &out.RetryBase},
		{"queue.retry_max_delay", qc.RetryMaxDelay, &out.RetryMaxDelay},
		{"queue.circuit.base_delay", qc.Circuit.BaseDelay, &out.CircuitBaseDelay},
		{"queue.circuit.max_delay", qc.Circuit.MaxDelay, &out.CircuitMaxDelay},
		{"queue.circuit.reset_after", qc.Circuit.ResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durations {
		v, err := d.raw.Resolve(d.path, 0)
		if err != nil {
			return queue.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapJournalConfig(jc *config.JournalConfig) (journal.Config, error) {
	if jc == nil {
		return journal.Config{}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	path := strings.TrimSpace(jc.Path)
	switch driver {
	case "", "none":
		return journal.Config{}, nil
	case "file", "jsonl", "sqlite", "sqlite3":
	default:
		return journal.Config{}, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
	if path == "" {
		return journal.Config{}, fmt.Errorf("journal.path is required when journal.driver=%s", driver)
	}
	if jc.Retain < 0 {
		return journal.Config{}, errors.New("journal.retain must be >= 0")
	}
	busy, err := jc.BusyTimeout.Resolve("journal.busy_timeout", time.Second)
	if err != nil {
		return journal.Config{}, err
	}
	return journal.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: jc.Retain}, nil
}

func mapDiagConfig(dc config.DiagConfig) (diag.Config, error) {
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = dc.ReadTimeout.Resolve("diag.read_timeout", 10*time.Second); err != nil {
		return diag.Config{}, err
	}
	// 0 keeps /debug/pprof/profile (30s+) working.
	if out.WriteTimeout, err = dc.WriteTimeout.Resolve("diag.write_timeout", 0); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = dc.IdleTimeout.Resolve("diag.idle_timeout", 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.Enabled {
		if err := out.CheckBind(); err != nil {
			return diag.Config{}, fmt.Errorf("diag.addr %q: %w", out.Addr, err)
		}
	}
	return out, nil
}

func mapTriggers(tc config.TriggersConfig) (trigger.Config, []trigger.Definition, error) {
	tz := strings.TrimSpace(tc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, nil, fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err)
		}
	}

	seen := make(map[string]bool, len(tc.Items))
	defs := make([]trigger.Definition, 0, len(tc.Items))
	for i, it := range tc.Items {
		path := fmt.Sprintf("triggers.items[%d]", i)
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return trigger.Config{}, nil, fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return trigger.Config{}, nil, fmt.Errorf("%s: duplicate trigger name %q", path, name)
		}
		seen[name] = true
		if strings.TrimSpace(it.Action) == "" {
			return trigger.Config{}, nil, fmt.Errorf("%s.action is required", path)
		}
		if _, err := trigger.ParseSchedule(it.Schedule); err != nil {
			return trigger.Config{}, nil, fmt.Errorf("%s.schedule: %w", path, err)
		}
		if it.MaxRetries != nil && *it.MaxRetries < 0 {
			return trigger.Config{}, nil, fmt.Errorf("%s.max_retries must be >= 0", path)
		}
		if it.GroupLimit < 0 {
			return trigger.Config{}, nil, fmt.Errorf("%s.group_limit must be >= 0", path)
		}
		timeout, err := it.Timeout.Resolve(path+".timeout", 0)
		if err != nil {
			return trigger.Config{}, nil, err
		}

		var params any
		if len(it.Params) > 0 && string(it.Params) != "null" {
			params = json.RawMessage(it.Params)
		}
		defs = append(defs, trigger.Definition{
			Name:         name,
			Schedule:     it.Schedule,
			Action:       strings.TrimSpace(it.Action),
			Params:       params,
			MaxRetries:   it.MaxRetries,
			Timeout:      timeout,
			Group:        strings.TrimSpace(it.Group),
			GroupLimit:   it.GroupLimit,
			AllowOverlap: !it.SkipsOverlap(),
		})
	}
	return trigger.Config{Timezone: tz, Spread: tc.Spread}, defs, nil
}
