package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"actionq/internal/action"
	"actionq/internal/metrics"
	"actionq/internal/queue"
	"actionq/pkg/logx"
)

type fixture struct {
	q       *queue.Queue
	reg     *action.Registry
	release chan struct{}
	srv     *httptest.Server
}

func (f *fixture) deps() Deps { return Deps{Queue: f.q, Actions: f.reg} }

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	q := queue.New(queue.Config{Concurrency: 2}, logx.Nop(), nil)
	release := make(chan struct{})
	reg := action.NewRegistry()
	reg.MustRegister(action.New("echo", func(_ context.Context, params, _ any) (any, error) {
		var p map[string]any
		if err := action.Decode(params, &p); err != nil {
			return nil, err
		}
		return p, nil
	}))
	reg.MustRegister(action.New("block", func(ctx context.Context, _, _ any) (any, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	reg.MustRegister(action.New("fail", func(context.Context, any, any) (any, error) {
		return nil, errors.New("boom")
	}))

	deps := Deps{
		Queue:   q,
		Actions: reg,
		Metrics: func(context.Context) (metrics.Summary, error) {
			return metrics.Summary{CollectedAt: time.Unix(0, 0).UTC()}, nil
		},
	}
	srv := httptest.NewServer(Handler(deps, token, false, logx.Nop()))
	t.Cleanup(func() {
		srv.Close()
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return &fixture{q: q, reg: reg, release: release, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(b)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, b)
		}
	}
	return resp.StatusCode, out
}

func waitTask(t *testing.T, q *queue.Queue, id string, want queue.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tk, _ := q.GetTask(id); tk.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
}

func TestSubmitAndGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/tasks", `{"action":"echo","params":{"x":1}}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing id in %v", body)
	}
	waitTask(t, f.q, id, queue.StatusSuccess)

	code, body = f.do(t, http.MethodGet, "/tasks/"+id, "")
	if code != http.StatusOK || body["status"] != string(queue.StatusSuccess) {
		t.Fatalf("get = %d %v", code, body)
	}
	res, _ := body["result"].(map[string]any)
	if res["x"] != float64(1) {
		t.Fatalf("result = %v", body["result"])
	}

	tk, _ := f.q.GetTask(id)
	sub, ok := tk.ExecContext.(Submission)
	if !ok || sub.Source != "http" {
		t.Fatalf("exec context = %#v", tk.ExecContext)
	}
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown field", `{"action":"echo","nope":1}`, http.StatusBadRequest},
		{"missing action", `{}`, http.StatusBadRequest},
		{"unknown action", `{"action":"missing"}`, http.StatusNotFound},
		{"bad timeout", `{"action":"echo","timeout":"soon"}`, http.StatusBadRequest},
		{"negative retries", `{"action":"echo","max_retries":-1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code, body := f.do(t, http.MethodPost, "/tasks", tc.body); code != tc.want {
			t.Fatalf("%s: code = %d, want %d (%v)", tc.name, code, tc.want, body)
		}
	}
	if n := len(f.q.Tasks()); n != 0 {
		t.Fatalf("rejected submissions created %d tasks", n)
	}
}

func TestListTasksByStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	a, _ := f.deps().Actions.Resolve("echo")
	id := f.q.Enqueue(a, nil, nil)
	waitTask(t, f.q, id, queue.StatusSuccess)

	code, body := f.do(t, http.MethodGet, "/tasks?status=completed", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if tasks, _ := body["tasks"].([]any); len(tasks) != 1 {
		t.Fatalf("tasks = %v", body["tasks"])
	}
	code, body = f.do(t, http.MethodGet, "/tasks?status=failed", "")
	if tasks, _ := body["tasks"].([]any); code != http.StatusOK || len(tasks) != 0 {
		t.Fatalf("failed list = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/tasks?status=bogus", ""); code != http.StatusBadRequest {
		t.Fatalf("bogus status = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/tasks/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", code)
	}
}

func TestCancelAndRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	_, body := f.do(t, http.MethodPost, "/tasks", `{"action":"block"}`)
	id, _ := body["id"].(string)
	waitTask(t, f.q, id, queue.StatusRunning)

	if code, body := f.do(t, http.MethodPost, "/tasks/"+id+"/cancel", ""); code != http.StatusOK || body["cancelled"] != true {
		t.Fatalf("cancel = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/tasks/"+id+"/cancel", ""); code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/tasks/nope/cancel", ""); code != http.StatusNotFound {
		t.Fatalf("unknown cancel = %d", code)
	}

	_, body = f.do(t, http.MethodPost, "/tasks", `{"action":"fail"}`)
	fid, _ := body["id"].(string)
	waitTask(t, f.q, fid, queue.StatusFailed)
	if code, body := f.do(t, http.MethodPost, "/tasks/"+fid+"/retry", ""); code != http.StatusOK || body["retried"] != true {
		t.Fatalf("retry = %d %v", code, body)
	}
	waitTask(t, f.q, fid, queue.StatusFailed)
	if tk, _ := f.q.GetTask(fid); tk.RetryCount != 1 {
		t.Fatalf("retry count = %d", tk.RetryCount)
	}
	if code, _ := f.do(t, http.MethodPost, "/tasks/"+id+"/retry", ""); code != http.StatusConflict {
		t.Fatalf("retry of cancelled task = %d, want 409", code)
	}
}

func TestQueueMetricsAndActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/queue", "")
	if code != http.StatusOK || body["concurrency"] != float64(2) {
		t.Fatalf("queue = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || body["collected_at"] == nil {
		t.Fatalf("metrics = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/actions", "")
	names, _ := body["actions"].([]any)
	if code != http.StatusOK || len(names) != 3 {
		t.Fatalf("actions = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/triggers", ""); code != http.StatusNotFound {
		t.Fatalf("triggers without a source = %d, want 404", code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	if code, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/healthz?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/healthz?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/queue", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token = %d", resp.StatusCode)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg  Config
		want bool
	}{
		{Config{}, true},
		{Config{Addr: "localhost:7000"}, true},
		{Config{Addr: "[::1]:7000"}, true},
		{Config{Addr: ":7000"}, false},
		{Config{Addr: "0.0.0.0:7000"}, false},
		{Config{Addr: "0.0.0.0:7000", Token: "t"}, true},
		{Config{Addr: "10.0.0.1:7000", AllowInsecure: true}, true},
	}
	for _, tc := range cases {
		if got := tc.cfg.CheckBind() == nil; got != tc.want {
			t.Fatalf("%+v: ok = %v, want %v", tc.cfg, got, tc.want)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, f.deps(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("diag never bound")
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatalf("empty addr after ready")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	svc.Reconfigure(stopCtx, Config{Enabled: false})
	if svc.Supervisor() != nil || svc.Addr() != "" {
		t.Fatalf("disabled service still running")
	}
}
