package queue

import (
	"bytes"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"actionq/internal/eventbus"
	"actionq/pkg/logx"
)

type subscription[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// note is one outbox entry: an action hook or a transition to announce.
type note struct {
	task     Task
	callback func()
	event    string
	extra    func(*TaskEvent)
	subs     []*subscription[Task]
	queue    []*subscription[*Queue]
}

// Subscribe calls fn with a snapshot after every transition of task id until
// the returned function is called or the queue is cleared. Unknown ids get a
// no-op unsubscribe.
//
// Listeners run before the call that caused the transition returns. A
// mutating call made by a listener itself returns at once; its
// notifications follow after the listener returns. A listener must not wait
// for a mutating call running on another goroutine.
func (q *Queue) Subscribe(id string, fn func(Task)) func() {
	if fn == nil {
		return func() {}
	}
	s := &subscription[Task]{fn: fn}
	s.active.Store(true)

	q.mu.Lock()
	t := q.tasks[id]
	if t == nil {
		q.mu.Unlock()
		return func() {}
	}
	q.subSeq++
	key := q.subSeq
	if t.subs == nil {
		t.subs = make(map[uint64]*subscription[Task])
	}
	t.subs[key] = s
	q.mu.Unlock()

	return func() {
		s.active.Store(false)
		q.mu.Lock()
		delete(t.subs, key)
		q.mu.Unlock()
	}
}

// SubscribeQueue calls fn after every transition of any task and after Clear.
func (q *Queue) SubscribeQueue(fn func(*Queue)) func() {
	if fn == nil {
		return func() {}
	}
	s := &subscription[*Queue]{fn: fn}
	s.active.Store(true)

	q.mu.Lock()
	q.subSeq++
	key := q.subSeq
	q.qsubs[key] = s
	q.mu.Unlock()

	return func() {
		s.active.Store(false)
		q.mu.Lock()
		delete(q.qsubs, key)
		q.mu.Unlock()
	}
}

func (q *Queue) queueSubsLocked() []*subscription[*Queue] {
	out := make([]*subscription[*Queue], 0, len(q.qsubs))
	for _, s := range q.qsubs {
		out = append(out, s)
	}
	return out
}

// noteLocked records a transition of t for delivery after the lock is released.
func (q *Queue) noteLocked(t *task, event string, extra func(*TaskEvent)) {
	n := note{task: t.Task, event: event, extra: extra, queue: q.queueSubsLocked()}
	if len(t.subs) > 0 {
		n.subs = make([]*subscription[Task], 0, len(t.subs))
		for _, s := range t.subs {
			n.subs = append(n.subs, s)
		}
	}
	q.pushLocked(n)
}

func (q *Queue) pushLocked(n note) {
	q.outbox = append(q.outbox, n)
	q.queued++
}

// flush delivers outbox entries in order and returns once every entry
// queued before the call has been delivered. Only one goroutine drains at a
// time: other callers wait for the active drainer, except the drainer itself
// (a listener calling back into the queue), whose entries are delivered
// after the listener returns.
func (q *Queue) flush() {
	q.mu.Lock()
	target := q.queued
	if q.draining {
		if q.drainer == goid() {
			q.mu.Unlock()
			return
		}
		for q.draining && q.delivered < target {
			q.drained.Wait()
		}
		if q.delivered >= target {
			q.mu.Unlock()
			return
		}
	}
	q.draining = true
	q.drainer = goid()
	for len(q.outbox) > 0 {
		batch := q.outbox
		q.outbox = nil
		q.mu.Unlock()
		for _, n := range batch {
			q.deliver(n)
		}
		q.mu.Lock()
		q.delivered += uint64(len(batch))
		q.drained.Broadcast()
	}
	q.draining = false
	q.drainer = 0
	q.drained.Broadcast()
	q.mu.Unlock()
}

// goid returns the current goroutine's id from its stack header
// ("goroutine N [...]").
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
		return id
	}
	return 0
}

func (q *Queue) deliver(n note) {
	if n.callback != nil {
		q.guard("callback", n.task.ID, n.callback)
		return
	}
	if n.event != eventbus.QueueCleared {
		q.logTransition(n)
	}
	if q.bus != nil {
		var data any = n.task.ID
		if n.event != eventbus.QueueCleared {
			data = taskEvent(n)
		}
		q.bus.Publish(eventbus.Event{Type: n.event, Time: time.Now(), Data: data})
	}
	for _, s := range n.subs {
		if s.active.Load() {
			q.guard("subscriber", n.task.ID, func() { s.fn(n.task) })
		}
	}
	for _, s := range n.queue {
		if s.active.Load() {
			q.guard("queue subscriber", n.task.ID, func() { s.fn(q) })
		}
	}
}

func taskEvent(n note) TaskEvent {
	t := n.task
	ev := TaskEvent{
		ID:         t.ID,
		Action:     t.Action,
		Status:     t.Status,
		Attempts:   t.Attempts,
		RetryCount: t.RetryCount,
		Group:      t.Group,
		Time:       time.Now(),
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	if t.Status.Terminal() && !t.StartedAt.IsZero() {
		ev.Duration = t.CompletedAt.Sub(t.StartedAt)
	}
	if n.extra != nil {
		n.extra(&ev)
	}
	return ev
}

func (q *Queue) logTransition(n note) {
	t := n.task
	switch n.event {
	case eventbus.TaskFailed:
		q.log.Warn(n.event, logx.String("task", t.ID), logx.String("action", t.Action), logx.Int("attempts", t.Attempts), logx.Err(t.Err))
	case eventbus.TaskRetrying:
		q.log.Debug(n.event, logx.String("task", t.ID), logx.String("action", t.Action), logx.Int("retry", t.RetryCount), logx.Err(t.Err))
	case eventbus.TaskSucceeded:
		dur := t.CompletedAt.Sub(t.StartedAt)
		if dur >= 750*time.Millisecond {
			q.log.Info(n.event, logx.String("task", t.ID), logx.String("action", t.Action), logx.Duration("dur", dur))
		} else {
			q.log.Debug(n.event, logx.String("task", t.ID), logx.String("action", t.Action), logx.Duration("dur", dur))
		}
	default:
		q.log.Trace(n.event, logx.String("task", t.ID), logx.String("action", t.Action))
	}
}

// guard runs fn and logs instead of propagating a panic.
func (q *Queue) guard(what, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error(what+" panicked", logx.String("task", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}
