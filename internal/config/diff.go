package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "actionq/pkg/logx"
)

// SummarizeChange returns (1) the sorted list of changed sections,
// (2) safe structured fields for logging (never the diag token), and
// (3) the names of triggers that were added, removed or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Int("logging.components", len(newCfg.Logging.Components)),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		q := newCfg.Queue
		attrs = append(attrs,
			logx.Int("queue.concurrency", q.Concurrency),
			logx.Int("queue.max_retries", q.MaxRetries),
			logx.String("queue.timeout", strings.TrimSpace(string(q.Timeout))),
			logx.String("queue.retry_base", strings.TrimSpace(string(q.RetryBase))),
			logx.Int("queue.circuit.trip_failures", q.Circuit.TripFailures),
		)
	}

	// Nil means disabled.
	oj, nj := derefJournal(oldCfg.Journal), derefJournal(newCfg.Journal)
	if strings.TrimSpace(oj.Driver) != strings.TrimSpace(nj.Driver) ||
		strings.TrimSpace(oj.Path) != strings.TrimSpace(nj.Path) ||
		strings.TrimSpace(string(oj.BusyTimeout)) != strings.TrimSpace(string(nj.BusyTimeout)) ||
		oj.Retain != nj.Retain {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(nj.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nj.Path) != ""),
			logx.Int("journal.retain", nj.Retain),
		)
	}

	if oldCfg.MetricsEnabled() != newCfg.MetricsEnabled() {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.MetricsEnabled()))
	}

	od, nd := oldCfg.Diag, newCfg.Diag
	tokenChanged := od.Token != nd.Token
	od.Token, nd.Token = "", ""
	if tokenChanged || od != nd {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nd.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
			logx.Bool("diag.allow_insecure", nd.AllowInsecure),
			logx.Bool("diag.pprof", nd.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Actions, newCfg.Actions) {
		changed = append(changed, "actions")
		attrs = append(attrs,
			logx.Int("actions.exec.allow_count", len(newCfg.Actions.Exec.Allow)),
			logx.Int("actions.exec.max_output", newCfg.Actions.Exec.MaxOutput),
			logx.Int("actions.systemd.unit_count", len(newCfg.Actions.Systemd.Units)),
		)
	}

	triggerChanged := diffTriggers(oldCfg.Triggers.Items, newCfg.Triggers.Items)
	if len(triggerChanged) > 0 ||
		strings.TrimSpace(oldCfg.Triggers.Timezone) != strings.TrimSpace(newCfg.Triggers.Timezone) ||
		oldCfg.Triggers.Spread != newCfg.Triggers.Spread {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)),
			logx.Int("triggers.count", len(newCfg.Triggers.Items)),
			logx.Int("triggers.changed_count", len(triggerChanged)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, triggerChanged
}

func derefJournal(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}

func diffTriggers(oldT, newT []TriggerConfig) []string {
	index := func(items []TriggerConfig) map[string]TriggerConfig {
		m := make(map[string]TriggerConfig, len(items))
		for _, t := range items {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	oldM, newM := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !sameTrigger(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameTrigger(a, b TriggerConfig) bool {
	if !bytes.Equal(canonicalJSON(a.Params), canonicalJSON(b.Params)) {
		return false
	}
	a.Params, b.Params = nil, nil
	return reflect.DeepEqual(a, b)
}
