package diag

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"actionq/internal/queue"
	logx "actionq/pkg/logx"
)

// maxBody caps POST /tasks request bodies.
const maxBody = 1 << 20

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Action  string          `json:"action"`
	Params  json.RawMessage `json:"params,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`

	MaxRetries *int   `json:"max_retries,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	Group      string `json:"group,omitempty"`
	GroupLimit int    `json:"group_limit,omitempty"`
}

// Submission is the execution context of tasks submitted over HTTP.
type Submission struct {
	Source  string          `json:"source"`
	Remote  string          `json:"remote,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

type handler struct {
	deps Deps
	log  logx.Logger
}

// Handler builds the API mux. token, if set, is required on every route.
func Handler(deps Deps, token string, withPprof bool, log logx.Logger) http.Handler {
	h := &handler{deps: deps, log: log}
	mux := http.NewServeMux()
	wrap := func(fn http.HandlerFunc) http.HandlerFunc { return withAuth(token, fn) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /queue", wrap(h.queue))
	mux.HandleFunc("GET /actions", wrap(h.actions))
	mux.HandleFunc("GET /tasks", wrap(h.listTasks))
	mux.HandleFunc("POST /tasks", wrap(h.submit))
	mux.HandleFunc("GET /tasks/{id}", wrap(h.getTask))
	mux.HandleFunc("POST /tasks/{id}/cancel", wrap(h.cancel))
	mux.HandleFunc("POST /tasks/{id}/retry", wrap(h.retry))
	if deps.Triggers != nil {
		mux.HandleFunc("GET /triggers", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Triggers())
		}))
	}
	if deps.Fire != nil {
		mux.HandleFunc("POST /triggers/{name}/fire", wrap(h.fire))
	}
	if deps.Metrics != nil {
		mux.HandleFunc("GET /metrics", wrap(h.metrics))
	}
	if deps.Runtime != nil {
		mux.HandleFunc("GET /runtime", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Runtime())
		}))
	}
	if withPprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (h *handler) queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Queue.Snapshot())
}

func (h *handler) actions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": h.deps.Actions.Names()})
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []queue.Task
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, ok := queue.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		tasks = h.deps.Queue.ByStatus(st)
	} else {
		tasks = h.deps.Queue.Tasks()
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.deps.Queue.GetTask(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Action)
	if name == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	a, ok := h.deps.Actions.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action: "+name)
		return
	}

	var opts []queue.Option
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "max_retries must be >= 0")
			return
		}
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if s := strings.TrimSpace(req.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+s)
			return
		}
		opts = append(opts, queue.WithTimeout(d))
	}
	if g := strings.TrimSpace(req.Group); g != "" {
		opts = append(opts, queue.WithGroup(g, req.GroupLimit))
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	id := h.deps.Queue.Enqueue(a, params, Submission{Source: "http", Remote: r.RemoteAddr, Context: req.Context}, opts...)
	h.log.Debug("task submitted", logx.String("id", id), logx.String("action", name), logx.String("remote", r.RemoteAddr))

	t, _ := h.deps.Queue.GetTask(id)
	writeJSON(w, http.StatusAccepted, t)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancelled", h.deps.Queue.Cancel)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "retried", h.deps.Queue.Retry)
}

// control applies op to the task named in the path. 404 when the task is
// unknown, 409 when op refuses the task's current status.
func (h *handler) control(w http.ResponseWriter, r *http.Request, verb string, op func(id string) bool) {
	id := r.PathValue("id")
	if _, ok := h.deps.Queue.GetTask(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !op(id) {
		t, _ := h.deps.Queue.GetTask(id)
		writeError(w, http.StatusConflict, "task is "+string(t.Status))
		return
	}
	t, _ := h.deps.Queue.GetTask(id)
	writeJSON(w, http.StatusOK, map[string]any{verb: true, "task": t})
}

func (h *handler) fire(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id, ok := h.deps.Fire(name)
	if !ok {
		writeError(w, http.StatusConflict, "trigger not fired: "+name)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"trigger": name, "task": id})
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or "?token=<token>".
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

var errInsecureBind = errors.New("diag refused to start: non-loopback addr requires token or allow_insecure")
