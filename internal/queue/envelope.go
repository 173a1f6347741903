package queue

import (
	"errors"
	"math/rand/v2"
	"time"

	"actionq/internal/action"
	"actionq/internal/eventbus"
	"actionq/pkg/logx"
)

// settle applies the outcome of attempt gen of task id. The first of
// {action result, timeout, cancel, clear} wins; later calls are dropped.
func (q *Queue) settle(id string, gen uint64, res any, err error) {
	q.mu.Lock()
	t := q.tasks[id]
	if t == nil || t.gen != gen || t.Status != StatusRunning {
		q.mu.Unlock()
		q.lateLog.Do(func() {
			q.log.Debug("late outcome dropped", logx.String("task", id), logx.Err(err))
		})
		return
	}
	q.endAttemptLocked(t)
	now := time.Now()

	if err == nil {
		t.Status = StatusSuccess
		t.Result = res
		t.Err = nil
		t.CompletedAt = now
		q.circuits.record(now, t.Action, q.cfg, nil)
		q.callbackLocked(t)
		q.noteLocked(t, eventbus.TaskSucceeded, nil)
	} else {
		q.circuits.record(now, t.Action, q.cfg, err)
		permanent := IsNoRetry(err)
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
		}
		t.Result = nil
		t.Err = err
		if !permanent && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Status = StatusPending
			if d := q.backoffLocked(t.RetryCount, err); d > 0 {
				t.NotBefore = now.Add(d)
			}
			q.pushPendingLocked(t)
			q.noteLocked(t, eventbus.TaskRetrying, nil)
		} else {
			t.Status = StatusFailed
			t.CompletedAt = now
			q.callbackLocked(t)
			q.noteLocked(t, eventbus.TaskFailed, nil)
		}
	}

	q.dispatchLocked(now)
	q.mu.Unlock()

	q.flush()
}

// endAttemptLocked releases the slot held by a running task and abandons the
// attempt.
func (q *Queue) endAttemptLocked(t *task) {
	q.stopAttemptLocked(t)
	if q.running > 0 {
		q.running--
	}
	if t.Group != "" {
		if q.groups[t.Group] <= 1 {
			delete(q.groups, t.Group)
		} else {
			q.groups[t.Group]--
		}
	}
}

func (q *Queue) stopAttemptLocked(t *task) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// callbackLocked queues the action's terminal hook, ahead of the transition's
// notifications. t must already be success or failed.
func (q *Queue) callbackLocked(t *task) {
	var fn func()
	switch t.Status {
	case StatusSuccess:
		if h, ok := t.act.(action.SuccessHandler); ok {
			res, execCtx := t.Result, t.ExecContext
			fn = func() { h.OnSuccess(res, execCtx) }
		}
	case StatusFailed:
		if h, ok := t.act.(action.ErrorHandler); ok {
			err, execCtx := t.Err, t.ExecContext
			fn = func() { h.OnError(err, execCtx) }
		}
	}
	if fn != nil {
		q.pushLocked(note{task: t.Task, callback: fn})
	}
}

// backoffLocked returns how long a retried task waits before it is eligible
// again. Zero unless Config.RetryBase is set.
func (q *Queue) backoffLocked(retry int, err error) time.Duration {
	cfg := q.cfg
	if cfg.RetryBase <= 0 {
		return 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg.RetryJitter, cfg.RetryMaxDelay)
	}
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay)
}

func jitter(d time.Duration, j float64, maxD time.Duration) time.Duration {
	if j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
