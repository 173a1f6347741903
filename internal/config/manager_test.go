package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

const jsonCfg = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "queue": {"concurrency": 4, "timeout": "10s", "circuit": {"trip_failures": 3}},
  "triggers": {"timezone": "UTC", "items": [
    {"name": "tick", "schedule": "@every 1m", "action": "log", "params": {"message": "hi"}}
  ]}
}`

const yamlCfg = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
queue:
  concurrency: 4
  timeout: 10s
  circuit:
    trip_failures: 3
triggers:
  timezone: UTC
  items:
    - name: tick
      schedule: "@every 1m"
      action: log
      params:
        message: hi
`

const tomlCfg = `
[logging]
level = "debug"
console = true
[logging.file]
enabled = false
path = ""

[queue]
concurrency = 4
timeout = "10s"
[queue.circuit]
trip_failures = 3

[triggers]
timezone = "UTC"
[[triggers.items]]
name = "tick"
schedule = "@every 1m"
action = "log"
params = { message = "hi" }
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "c.json", jsonCfg},
		{"yaml", "c.yaml", yamlCfg},
		{"yml", "c.yml", yamlCfg},
		{"toml", "c.toml", tomlCfg},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.file, []byte(tc.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
				t.Fatalf("logging = %+v", cfg.Logging)
			}
			if cfg.Queue.Concurrency != 4 || cfg.Queue.Timeout != "10s" || cfg.Queue.Circuit.TripFailures != 3 {
				t.Fatalf("queue = %+v", cfg.Queue)
			}
			if len(cfg.Triggers.Items) != 1 {
				t.Fatalf("triggers = %+v", cfg.Triggers)
			}
			tr := cfg.Triggers.Items[0]
			if tr.Name != "tick" || tr.Schedule != "@every 1m" || tr.Action != "log" {
				t.Fatalf("trigger = %+v", tr)
			}
			if string(canonicalJSON(tr.Params)) != `{"message":"hi"}` {
				t.Fatalf("params = %s", tr.Params)
			}
			if !tr.SkipsOverlap() {
				t.Fatalf("skip_if_pending should default to true")
			}
			if !cfg.MetricsEnabled() {
				t.Fatalf("metrics should default to enabled")
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown json field", "c.json", `{"queue": {"workers": 2}}`},
		{"unknown yaml field", "c.yaml", "queue:\n  workers: 2\n"},
		{"unknown toml field", "c.toml", "[queue]\nworkers = 2\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "queue: [\n"},
		{"bad toml", "c.toml", "[queue\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Queue.Concurrency != 0 || len(cfg.Triggers.Items) != 0 {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", jsonCfg)

	m := NewManager(p)
	errBad := errors.New("bad")
	m.SetValidator(func(context.Context, *Config) error { return errBad })
	if _, err := m.Load(context.Background()); !errors.Is(err, errBad) {
		t.Fatalf("Load err = %v, want %v", err, errBad)
	}
	if m.Get() != nil {
		t.Fatalf("rejected config must not be committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return committed config")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"queue": {"concurrency": 1}}`)

	m := NewManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ok, err := m.Reload(context.Background())
	if err != nil || ok {
		t.Fatalf("unchanged reload = (%v, %v), want (false, nil)", ok, err)
	}

	writeFile(t, dir, "c.json", `{"queue": {"concurrency": 5}}`)
	ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("changed reload = (%v, %v), want (true, nil)", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Queue.Concurrency != 5 {
			t.Fatalf("published concurrency = %d", cfg.Queue.Concurrency)
		}
	default:
		t.Fatalf("expected a published config")
	}

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Queue.Concurrency > 8 {
			return errors.New("too many")
		}
		return nil
	})
	writeFile(t, dir, "c.json", `{"queue": {"concurrency": 9}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected validator rejection")
	}
	if got := m.Get().Queue.Concurrency; got != 5 {
		t.Fatalf("rejected reload changed committed config: %d", got)
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("slow subscriber should see the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("Unsubscribe should close the channel")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "queue:\n  concurrency: 1\n")

	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	n := 2
	for {
		select {
		case cfg := <-sub:
			if cfg.Queue.Concurrency < 2 {
				t.Fatalf("unexpected config %+v", cfg.Queue)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			// the watcher may not be registered yet; keep writing
			writeFile(t, dir, "c.yaml", "queue:\n  concurrency: "+strconv.Itoa(n)+"\n")
			n++
		case <-deadline:
			cancel()
			t.Fatalf("no reload observed")
		}
	}
}

func TestDurationResolve(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     Duration
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 0, 0, false},
		{"  ", 3 * time.Second, 3 * time.Second, false},
		{"1500ms", time.Second, 1500 * time.Millisecond, false},
		{"0s", time.Second, time.Second, false},
		{"45", 0, 45 * time.Second, false},
		{"0.5s", 0, 500 * time.Millisecond, false},
		{"-1s", 0, 0, true},
		{"soon", 0, 0, true},
	}
	for _, tc := range cases {
		got, err := tc.raw.Resolve("queue.timeout", tc.def)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if err != nil {
			if !strings.Contains(err.Error(), "queue.timeout") {
				t.Fatalf("%q: error should name the field: %v", tc.raw, err)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("%q: got %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("c.json", []byte(jsonCfg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	newCfg, _ := Decode("c.json", []byte(jsonCfg))

	if sections, _, trig := SummarizeChange(oldCfg, newCfg); len(sections) != 0 || len(trig) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", sections, trig)
	}

	newCfg.Queue.Concurrency = 8
	newCfg.Diag.Token = "secret"
	newCfg.Triggers.Items = append(newCfg.Triggers.Items, TriggerConfig{Name: "extra", Schedule: "5m", Action: "sleep"})
	// reformatted params are not a change
	newCfg.Triggers.Items[0].Params = []byte(`{ "message" : "hi" }`)

	sections, attrs, trig := SummarizeChange(oldCfg, newCfg)
	want := []string{"diag", "queue", "triggers"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(trig) != 1 || trig[0] != "extra" {
		t.Fatalf("changed triggers = %v", trig)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected summary fields")
	}

	if sections, _, _ := SummarizeChange(nil, &Config{Journal: &JournalConfig{Driver: "file", Path: "j.jsonl"}}); len(sections) != 1 || sections[0] != "journal" {
		t.Fatalf("journal change not detected: %v", sections)
	}
}

func TestFingerprintIgnoresParamOrder(t *testing.T) {
	t.Parallel()
	a := &Config{Triggers: TriggersConfig{Items: []TriggerConfig{{Name: "t", Params: json.RawMessage(`{"a":1, "b":2}`)}}}}
	b := &Config{Triggers: TriggersConfig{Items: []TriggerConfig{{Name: "t", Params: json.RawMessage(`{"b":2,"a":1}`)}}}}
	if a.Fingerprint() != b.Fingerprint() || len(a.Fingerprint()) != 16 {
		t.Fatalf("fingerprints differ: %s %s", a.Fingerprint(), b.Fingerprint())
	}
	if string(a.Triggers.Items[0].Params) != `{"a":1, "b":2}` {
		t.Fatal("Fingerprint mutated the config")
	}
	b.Queue.Concurrency = 4
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("queue change not reflected")
	}
	var nilCfg *Config
	if nilCfg.Fingerprint() != "" {
		t.Fatal("nil config should have an empty fingerprint")
	}
}

func TestDecodeNumericDurations(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		data string
	}{
		{"c.toml", "[queue]\ntimeout = 30\n[diag]\nread_timeout = 1.5\n"},
		{"c.yaml", "queue:\n  timeout: 30\ndiag:\n  read_timeout: 1.5\n"},
	}
	for _, tc := range cases {
		cfg, err := Decode(tc.path, []byte(tc.data))
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.path, err)
		}
		if cfg.Queue.Timeout != "30s" || cfg.Diag.ReadTimeout != "1.5s" {
			t.Fatalf("%s: durations = %q %q", tc.path, cfg.Queue.Timeout, cfg.Diag.ReadTimeout)
		}
		if d, err := cfg.Diag.ReadTimeout.Resolve("diag.read_timeout", 0); err != nil || d != 1500*time.Millisecond {
			t.Fatalf("%s: resolve = %v, %v", tc.path, d, err)
		}
	}
	if _, err := Decode("c.json", []byte(`{"queue": {"timeout": true}}`)); err == nil {
		t.Fatal("boolean duration should be rejected")
	}
}
