package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"actionq/internal/action"
	"actionq/internal/eventbus"
	"actionq/pkg/logx"
)

// dispatchLocked admits pending tasks until every slot is taken or no
// pending task is eligible. It never blocks.
func (q *Queue) dispatchLocked(now time.Time) {
	if q.closed {
		return
	}
	for q.running < q.cfg.Concurrency {
		i := q.pickLocked(now)
		if i < 0 {
			break
		}
		t := q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)

		if open, until := q.circuits.isOpen(now, t.Action, q.cfg); open {
			q.rejectLocked(t, now, until)
			continue
		}
		q.startLocked(t, now)
	}
	q.armWakeLocked(now)
}

// pickLocked returns the index of the earliest pending task that is past its
// backoff and whose group has room, or -1.
func (q *Queue) pickLocked(now time.Time) int {
	for i, t := range q.pending {
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			continue
		}
		if t.Group != "" && t.groupLimit > 0 && q.groups[t.Group] >= t.groupLimit {
			continue
		}
		return i
	}
	return -1
}

func (q *Queue) startLocked(t *task, now time.Time) {
	t.Status = StatusRunning
	t.StartedAt = now
	t.NotBefore = time.Time{}
	t.Attempts++
	t.gen++
	q.running++
	if t.Group != "" {
		q.groups[t.Group]++
	}

	ctx, cancel := context.WithCancel(q.sup.Context())
	t.cancel = cancel
	id, gen, timeout := t.ID, t.gen, t.Timeout
	name := t.Action
	t.timer = time.AfterFunc(timeout, func() {
		q.settle(id, gen, nil, &TimeoutError{Action: name, Timeout: timeout})
	})
	q.noteLocked(t, eventbus.TaskStarted, nil)

	act, params, execCtx := t.act, t.Params, t.ExecContext
	q.sup.Go0("task.invoke", func(context.Context) {
		res, err := q.invoke(ctx, act, params, execCtx)
		q.settle(id, gen, res, err)
	})
}

// rejectLocked fails a task whose action's circuit is open without running it.
func (q *Queue) rejectLocked(t *task, now, until time.Time) {
	t.Status = StatusFailed
	t.Err = fmt.Errorf("%w: %s until %s", ErrCircuitOpen, t.Action, until.Format(time.RFC3339))
	t.CompletedAt = now
	q.callbackLocked(t)
	q.noteLocked(t, eventbus.TaskFailed, nil)
}

// invoke runs the action, turning a panic into an invocation error.
func (q *Queue) invoke(ctx context.Context, a action.Action, params, execCtx any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("action panicked", logx.String("action", a.Name()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return a.Invoke(ctx, params, execCtx)
}

// armWakeLocked schedules admission for the earliest pending task still
// waiting out a retry backoff.
func (q *Queue) armWakeLocked(now time.Time) {
	var next time.Time
	for _, t := range q.pending {
		if t.NotBefore.After(now) && (next.IsZero() || t.NotBefore.Before(next)) {
			next = t.NotBefore
		}
	}
	if next.IsZero() {
		q.stopWakeLocked()
		return
	}
	if q.wake != nil && q.wakeAt.Equal(next) {
		return
	}
	q.stopWakeLocked()
	q.wakeAt = next
	q.wake = time.AfterFunc(next.Sub(now), q.onWake)
}

func (q *Queue) stopWakeLocked() {
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
	}
	q.wakeAt = time.Time{}
}

// onWake leaves q.wake alone: the fired deadline is in the past, so the
// admission pass always re-arms for a later one.
func (q *Queue) onWake() {
	q.mu.Lock()
	q.dispatchLocked(time.Now())
	q.mu.Unlock()

	q.flush()
}
