package metrics

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider is an in-process SDK MeterProvider read on demand by the
// diagnostics server.
type Provider struct {
	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
}

func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	return &Provider{reader: reader, mp: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))}
}

func (p *Provider) Meter() metric.Meter { return p.mp.Meter(MeterName) }

func (p *Provider) Shutdown(ctx context.Context) error { return p.mp.Shutdown(ctx) }

// Point is one data point flattened for JSON output.
type Point struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Count      *uint64           `json:"count,omitempty"`
	Sum        *float64          `json:"sum,omitempty"`
	Min        *float64          `json:"min,omitempty"`
	Max        *float64          `json:"max,omitempty"`
}

type Instrument struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit,omitempty"`
	Kind   string  `json:"kind"`
	Points []Point `json:"points"`
}

type Summary struct {
	CollectedAt time.Time    `json:"collected_at"`
	Instruments []Instrument `json:"instruments"`
}

// Summary collects current values.
func (p *Provider) Summary(ctx context.Context) (Summary, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return Summary{}, err
	}
	out := Summary{CollectedAt: time.Now()}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out.Instruments = append(out.Instruments, flatten(m))
		}
	}
	sort.Slice(out.Instruments, func(i, j int) bool { return out.Instruments[i].Name < out.Instruments[j].Name })
	return out, nil
}

func flatten(m metricdata.Metrics) Instrument {
	in := Instrument{Name: m.Name, Unit: m.Unit}
	switch d := m.Data.(type) {
	case metricdata.Sum[int64]:
		in.Kind = "sum"
		for _, dp := range d.DataPoints {
			v := float64(dp.Value)
			in.Points = append(in.Points, Point{Attributes: attrs(dp.Attributes), Value: &v})
		}
	case metricdata.Gauge[int64]:
		in.Kind = "gauge"
		for _, dp := range d.DataPoints {
			v := float64(dp.Value)
			in.Points = append(in.Points, Point{Attributes: attrs(dp.Attributes), Value: &v})
		}
	case metricdata.Histogram[float64]:
		in.Kind = "histogram"
		for _, dp := range d.DataPoints {
			pt := Point{Attributes: attrs(dp.Attributes)}
			count, sum := dp.Count, dp.Sum
			pt.Count, pt.Sum = &count, &sum
			if v, ok := dp.Min.Value(); ok {
				pt.Min = &v
			}
			if v, ok := dp.Max.Value(); ok {
				pt.Max = &v
			}
			in.Points = append(in.Points, pt)
		}
	default:
		in.Kind = "other"
	}
	sort.Slice(in.Points, func(i, j int) bool { return key(in.Points[i]) < key(in.Points[j]) })
	return in
}

func attrs(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func key(p Point) string {
	keys := make([]string, 0, len(p.Attributes))
	for k, v := range p.Attributes {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
