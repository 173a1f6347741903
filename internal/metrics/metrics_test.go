package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"actionq/internal/eventbus"
	"actionq/internal/queue"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestObserveRecordsTransitionsAndDuration(t *testing.T) {
	t.Parallel()
	reader, mp := setupTestMeter()
	m, err := New(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	m.Observe(ctx, eventbus.Event{Type: eventbus.TaskStarted, Data: queue.TaskEvent{Action: "sleep", Status: queue.StatusRunning}})
	m.Observe(ctx, eventbus.Event{Type: eventbus.TaskSucceeded, Data: queue.TaskEvent{Action: "sleep", Status: queue.StatusSuccess, Duration: 250 * time.Millisecond}})
	m.Observe(ctx, eventbus.Event{Type: eventbus.QueueCleared})

	rm := collect(t, reader)
	tr := findMetric(rm, "actionq.task.transitions")
	if tr == nil {
		t.Fatal("transitions metric not found")
	}
	sum, ok := tr.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("transitions data = %T", tr.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("transitions = %d, want 2", total)
	}

	dur := findMetric(rm, "actionq.task.duration")
	if dur == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("duration data = %#v", dur.Data)
	}
	if got, _ := hist.DataPoints[0].Attributes.Value(attribute.Key("status")); got.AsString() != "succeeded" {
		t.Fatalf("status attribute = %q", got.AsString())
	}
}

func TestQueueGauge(t *testing.T) {
	t.Parallel()
	reader, mp := setupTestMeter()
	m, err := New(mp.Meter("test"), func() queue.Counts { return queue.Counts{Pending: 2, Failed: 1} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	g := findMetric(collect(t, reader), "actionq.queue.tasks")
	if g == nil {
		t.Fatal("gauge not found")
	}
	gauge, ok := g.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 5 {
		t.Fatalf("gauge data = %#v", g.Data)
	}
	for _, dp := range gauge.DataPoints {
		status, _ := dp.Attributes.Value("status")
		want := map[string]int64{"pending": 2, "failed": 1}[status.AsString()]
		if dp.Value != want {
			t.Fatalf("gauge[%s] = %d, want %d", status.AsString(), dp.Value, want)
		}
	}
}

func TestProviderSummary(t *testing.T) {
	t.Parallel()
	p := NewProvider()
	defer p.Shutdown(context.Background())
	m, err := New(p.Meter(), func() queue.Counts { return queue.Counts{Running: 1} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Observe(context.Background(), eventbus.Event{Type: eventbus.TaskFailed, Data: queue.TaskEvent{Action: "exec", Status: queue.StatusFailed, Duration: time.Second}})

	s, err := p.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	kinds := map[string]string{}
	for _, in := range s.Instruments {
		kinds[in.Name] = in.Kind
	}
	want := map[string]string{
		"actionq.queue.tasks":      "gauge",
		"actionq.task.duration":    "histogram",
		"actionq.task.transitions": "sum",
	}
	for name, kind := range want {
		if kinds[name] != kind {
			t.Fatalf("instrument %s kind = %q, want %q (all: %v)", name, kinds[name], kind, kinds)
		}
	}
}
