package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"actionq/internal/journal"
	"actionq/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "actionq version dev") {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	good := writeFile(t, "ok.toml", `
[queue]
concurrency = 2

[journal]
driver = "file"
path = "outcomes.jsonl"

[[triggers.items]]
name = "hourly"
schedule = "@hourly"
action = "log"
`)
	out, err := execute(t, "check", "--config", good)
	if err != nil {
		t.Fatalf("check: %v (%s)", err, out)
	}
	for _, want := range []string{"config ok", "fingerprint: ", "triggers: 1", "journal:  file", "diag:     disabled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	bad := writeFile(t, "bad.json", `{"queue": {"timeout": "forever"}}`)
	if _, err := execute(t, "check", "-c", bad); err == nil || !strings.Contains(err.Error(), "queue.timeout") {
		t.Fatalf("bad config err = %v", err)
	}
	if _, err := execute(t, "check", "-c", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing config should fail")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	jPath := filepath.Join(dir, "outcomes.jsonl")
	cfgPath := filepath.Join(dir, "actionq.json")
	cfg := `{"journal": {"driver": "file", "path": ` + jsonString(jPath) + `}}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := journal.Open(journal.Config{Driver: "file", Path: jPath}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	for i, e := range []journal.Entry{
		{At: now, TaskID: "t1", Action: "sleep", Status: "success", Attempts: 1, DurationMS: 12},
		{At: now.Add(time.Second), TaskID: "t2", Action: "exec", Status: "failed", Attempts: 3, Error: "exit status 1"},
	} {
		if err := st.Append(context.Background(), e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	_ = st.Close()

	out, err := execute(t, "history", "-c", cfgPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "t1") || !strings.Contains(out, "exit status 1") {
		t.Fatalf("table output:\n%s", out)
	}

	out, err = execute(t, "history", "-c", cfgPath, "--status", "failed", "--json")
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	var entries []journal.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(entries) != 1 || entries[0].TaskID != "t2" {
		t.Fatalf("filtered entries = %+v", entries)
	}

	if _, err := execute(t, "history", "-c", cfgPath, "--status", "running"); err == nil {
		t.Fatalf("non-terminal status filter should fail")
	}
}

func TestHistoryJournalDisabled(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "actionq.yaml", "queue:\n  concurrency: 1\n")
	if _, err := execute(t, "history", "-c", p); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("err = %v", err)
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
