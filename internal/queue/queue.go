package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"actionq/internal/action"
	"actionq/internal/eventbus"
	"actionq/internal/runtime/supervisor"
	"actionq/pkg/logx"
)

// Queue is a bounded-concurrency task scheduler. Create it with New.
type Queue struct {
	log logx.Logger
	bus eventbus.Bus
	sup *supervisor.Supervisor

	// mu guards everything below. Admission and settlement run under it and
	// never block; action code and listeners never run under it.
	mu       sync.Mutex
	cfg      Config
	closed   bool
	tasks    map[string]*task
	order    []*task // creation order
	pending  []*task // admission order
	running  int
	groups   map[string]int
	circuits circuitStore

	wake   *time.Timer
	wakeAt time.Time

	subSeq uint64
	qsubs  map[uint64]*subscription[*Queue]

	// outbox holds undelivered notes. queued counts notes ever appended and
	// delivered counts notes handed to listeners; drained is signalled as
	// delivered advances. drainer is the goroutine running flush.
	outbox    []note
	queued    uint64
	delivered uint64
	draining  bool
	drainer   uint64
	drained   *sync.Cond

	lateLog rate.Sometimes
}

// task is the canonical record behind a Task snapshot.
type task struct {
	Task

	act        action.Action
	gen        uint64 // current attempt; stale settlements carry an older value
	cancel     context.CancelFunc
	timer      *time.Timer
	groupLimit int
	subs       map[uint64]*subscription[Task]
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	log = log.Named("queue")
	q := &Queue{
		log:     log,
		bus:     bus,
		sup:     supervisor.New(context.Background(), supervisor.WithLogger(log)),
		cfg:     cfg.withDefaults(),
		tasks:   make(map[string]*task),
		groups:  make(map[string]int),
		qsubs:   make(map[uint64]*subscription[*Queue]),
		lateLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Enqueue records a pending task and runs admission. It never blocks on the
// action and always returns the new task's id. A nil action yields a task
// that is already failed with ErrNilAction.
func (q *Queue) Enqueue(a action.Action, params, execCtx any, opts ...Option) string {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	q.mu.Lock()
	now := time.Now()
	t := &task{
		Task: Task{
			ID:          uuid.New().String(),
			Params:      params,
			ExecContext: execCtx,
			Status:      StatusPending,
			CreatedAt:   now,
			MaxRetries:  q.cfg.DefaultMaxRetries,
			Timeout:     q.cfg.DefaultTimeout,
			Group:       o.group,
		},
		act:        a,
		groupLimit: o.groupLimit,
	}
	if a != nil {
		t.Action = a.Name()
	}
	if o.hasMaxRetries {
		t.MaxRetries = o.maxRetries
	}
	if o.timeout > 0 {
		t.Timeout = o.timeout
	}
	q.tasks[t.ID] = t
	q.order = append(q.order, t)
	q.noteLocked(t, eventbus.TaskEnqueued, nil)

	if a == nil {
		t.Status = StatusFailed
		t.Err = ErrNilAction
		t.CompletedAt = now
		q.noteLocked(t, eventbus.TaskFailed, nil)
	} else {
		q.pushPendingLocked(t)
		q.dispatchLocked(now)
	}
	id := t.ID
	q.mu.Unlock()

	q.flush()
	return id
}

// Cancel moves a pending or running task to cancelled. A running action is
// not waited for; its attempt context is cancelled and its outcome dropped.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t := q.tasks[id]
	if t == nil || t.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	switch t.Status {
	case StatusPending:
		q.removePendingLocked(t)
	case StatusRunning:
		q.endAttemptLocked(t)
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.NotBefore = time.Time{}
	t.CompletedAt = now
	q.noteLocked(t, eventbus.TaskCancelled, nil)
	q.dispatchLocked(now)
	q.mu.Unlock()

	q.flush()
	return true
}

// Retry re-queues a failed task at the back of the line. It has no ceiling
// and increments RetryCount in addition to automatic retries.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	t := q.tasks[id]
	if t == nil || t.Status != StatusFailed || t.act == nil {
		q.mu.Unlock()
		return false
	}
	t.Status = StatusPending
	t.Err = nil
	t.Result = nil
	t.CompletedAt = time.Time{}
	t.NotBefore = time.Time{}
	t.RetryCount++
	q.pushPendingLocked(t)
	q.noteLocked(t, eventbus.TaskRetrying, func(ev *TaskEvent) { ev.Manual = true })
	q.dispatchLocked(time.Now())
	q.mu.Unlock()

	q.flush()
	return true
}

// Clear drops every task and per-task subscriber and resets the running
// count. In-flight attempt contexts are cancelled; their outcomes are
// dropped. Queue listeners are notified once.
func (q *Queue) Clear() {
	q.mu.Lock()
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			q.stopAttemptLocked(t)
		}
		t.gen++
		for _, s := range t.subs {
			s.active.Store(false)
		}
		clear(t.subs)
	}
	q.tasks = make(map[string]*task)
	q.order = nil
	q.pending = nil
	q.running = 0
	clear(q.groups)
	q.stopWakeLocked()
	q.pushLocked(note{event: eventbus.QueueCleared, queue: q.queueSubsLocked()})
	q.mu.Unlock()

	q.flush()
}

// GetTask returns a snapshot of the task with the given id.
func (q *Queue) GetTask(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.tasks[id]
	if t == nil {
		return Task{}, false
	}
	return t.Task, true
}

// Pending returns pending tasks in admission order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, t.Task)
	}
	return out
}

// Running returns running tasks in creation order.
func (q *Queue) Running() []Task { return q.byStatus(StatusRunning) }

// Completed returns succeeded tasks in creation order.
func (q *Queue) Completed() []Task { return q.byStatus(StatusSuccess) }

func (q *Queue) Failed() []Task { return q.byStatus(StatusFailed) }

func (q *Queue) Cancelled() []Task { return q.byStatus(StatusCancelled) }

// Tasks returns every task in creation order.
func (q *Queue) Tasks() []Task { return q.byStatus("") }

// ByStatus returns tasks with status s; Pending ordering applies to pending.
func (q *Queue) ByStatus(s Status) []Task {
	if s == StatusPending {
		return q.Pending()
	}
	return q.byStatus(s)
}

func (q *Queue) byStatus(s Status) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.order {
		if s == "" || t.Status == s {
			out = append(out, t.Task)
		}
	}
	return out
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() Counts {
	var c Counts
	for _, t := range q.order {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusSuccess:
			c.Success++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Apply swaps the configuration and runs admission, so raising Concurrency
// starts waiting work immediately. Existing tasks keep their MaxRetries and
// Timeout.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.dispatchLocked(time.Now())
	q.mu.Unlock()

	q.flush()
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	snap := Snapshot{
		Counts:         q.countsLocked(),
		Concurrency:    q.cfg.Concurrency,
		InFlight:       q.running,
		DefaultTimeout: q.cfg.DefaultTimeout.String(),
		DefaultRetries: q.cfg.DefaultMaxRetries,
		Closed:         q.closed,
		Invocations:    q.sup.Counters().Active,
	}
	if len(q.groups) > 0 {
		snap.Groups = make(map[string]int, len(q.groups))
		for k, v := range q.groups {
			if v > 0 {
				snap.Groups[k] = v
			}
		}
	}
	snap.CircuitTotal, snap.CircuitOpen = q.circuits.snapshot(now, q.cfg)
	return snap
}

// Close stops admission, cancels in-flight attempt contexts and waits for
// invocation goroutines until ctx is done. Tasks enqueued afterwards stay
// pending.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.stopWakeLocked()
	q.mu.Unlock()

	return q.sup.Stop(ctx)
}

// pushPendingLocked puts t at the back of the line.
func (q *Queue) pushPendingLocked(t *task) {
	q.pending = append(q.pending, t)
}

func (q *Queue) removePendingLocked(t *task) {
	if i := slices.Index(q.pending, t); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
}
