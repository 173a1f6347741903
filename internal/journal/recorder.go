package journal

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"actionq/internal/eventbus"
	"actionq/internal/queue"
	"actionq/pkg/logx"
)

// Recorder appends every terminal task event from the bus to a Store.
//
// The journal is best-effort: the bus drops events for a full subscriber, so
// under sustained load some outcomes may be missing. Such loss is logged.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	errLog  rate.Sometimes
	dropLog rate.Sometimes
	dropped uint64 // bus drop count last reported
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		log:    log.Named("journal"),
		errLog:  rate.Sometimes{First: 3, Interval: 30 * time.Second},
		dropLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	raw, unsub := r.bus.Subscribe(256)
	defer unsub()
	ch := eventbus.Filtered(ctx, raw, eventbus.TaskSucceeded, eventbus.TaskFailed, eventbus.TaskCancelled)
	if dc, ok := r.bus.(eventbus.DropCounter); ok {
		r.dropped = dc.Dropped()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.checkDropped()
			r.handle(ctx, ev)
		}
	}
}

// checkDropped warns when the bus has skipped deliveries since the last
// check. The count is bus-wide, so it may include other subscribers.
func (r *Recorder) checkDropped() {
	dc, ok := r.bus.(eventbus.DropCounter)
	if !ok {
		return
	}
	n := dc.Dropped()
	if n <= r.dropped {
		return
	}
	delta := n - r.dropped
	r.dropped = n
	r.dropLog.Do(func() {
		r.log.Warn("bus dropped events; journal may be missing outcomes", logx.Uint64("dropped", delta), logx.Uint64("total", n))
	})
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TaskSucceeded, eventbus.TaskFailed, eventbus.TaskCancelled:
	default:
		return
	}
	te, ok := ev.Data.(queue.TaskEvent)
	if !ok {
		return
	}
	e := EntryFromEvent(te)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.Append(wctx, e); err != nil {
		r.errLog.Do(func() {
			r.log.Warn("journal append failed", logx.String("task", e.TaskID), logx.Err(err))
		})
	}
}

func EntryFromEvent(te queue.TaskEvent) Entry {
	return Entry{
		At:         te.Time,
		TaskID:     te.ID,
		Action:     te.Action,
		Status:     string(te.Status),
		Attempts:   te.Attempts,
		RetryCount: te.RetryCount,
		Group:      te.Group,
		DurationMS: te.Duration.Milliseconds(),
		Error:      te.Error,
	}
}
