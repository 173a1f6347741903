// Package metrics records queue activity as OpenTelemetry instruments.
//
// Instruments:
//   - actionq.task.transitions (Int64Counter): every task transition,
//     with attributes action and status
//   - actionq.task.duration (Float64Histogram): seconds from the last start
//     to a terminal status, with attributes action and status
//   - actionq.queue.tasks (Int64ObservableGauge): tasks per status
package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"actionq/internal/eventbus"
	"actionq/internal/queue"
)

// MeterName is the instrumentation scope name for actionq metrics.
const MeterName = "actionq"

// CountsFunc reports current task counts for the observable gauge.
type CountsFunc func() queue.Counts

type Metrics struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	reg         metric.Registration
}

// New creates the instruments on meter. counts may be nil to skip the gauge.
func New(meter metric.Meter, counts CountsFunc) (*Metrics, error) {
	transitions, err := meter.Int64Counter(
		"actionq.task.transitions",
		metric.WithDescription("Task status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"actionq.task.duration",
		metric.WithDescription("Duration of the final attempt of a task in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m := &Metrics{transitions: transitions, duration: duration}

	if counts != nil {
		gauge, err := meter.Int64ObservableGauge(
			"actionq.queue.tasks",
			metric.WithDescription("Tasks currently held by the queue, per status"),
			metric.WithUnit("{task}"),
		)
		if err != nil {
			return nil, err
		}
		m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			c := counts()
			for status, n := range map[queue.Status]int{
				queue.StatusPending:   c.Pending,
				queue.StatusRunning:   c.Running,
				queue.StatusSuccess:   c.Success,
				queue.StatusFailed:    c.Failed,
				queue.StatusCancelled: c.Cancelled,
			} {
				o.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}, gauge)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one bus event. Non-task events are ignored.
func (m *Metrics) Observe(ctx context.Context, ev eventbus.Event) {
	if !strings.HasPrefix(ev.Type, "task.") {
		return
	}
	te, ok := ev.Data.(queue.TaskEvent)
	if !ok {
		return
	}
	status := strings.TrimPrefix(ev.Type, "task.")
	attrs := metric.WithAttributes(
		attribute.String("action", te.Action),
		attribute.String("status", status),
	)
	m.transitions.Add(ctx, 1, attrs)
	if te.Status.Terminal() && te.Duration > 0 {
		m.duration.Record(ctx, te.Duration.Seconds(), attrs)
	}
}

// Run feeds bus events into the instruments until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ctx, ev)
		}
	}
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	if m == nil || m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
