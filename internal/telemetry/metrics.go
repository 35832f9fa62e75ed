// Package telemetry adapts OpenTelemetry metric instruments to
// internal/memory/ports.Metrics, caching one instrument per counter/
// histogram name the first time it is observed.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jcbbge/anima/internal/memory/ports"
)

// OtelMetrics implements ports.Metrics on top of an otel metric.Meter.
type OtelMetrics struct {
	meter metric.Meter

	mu    sync.Mutex
	ctrs  map[string]metric.Int64Counter
	hists map[string]metric.Float64Histogram
}

var _ ports.Metrics = (*OtelMetrics)(nil)

// NewOtelMetrics wraps meter. Pass otel.Meter("anima/memory") or similar.
func NewOtelMetrics(meter metric.Meter) *OtelMetrics {
	return &OtelMetrics{
		meter: meter,
		ctrs:  make(map[string]metric.Int64Counter),
		hists: make(map[string]metric.Float64Histogram),
	}
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (m *OtelMetrics) counter(name string) metric.Int64Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ctrs[name]; ok {
		return c
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil
	}
	m.ctrs[name] = c
	return c
}

func (m *OtelMetrics) histogram(name string) metric.Float64Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hists[name]; ok {
		return h
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	m.hists[name] = h
	return h
}

func (m *OtelMetrics) IncCounter(name string, labels map[string]string) {
	c := m.counter(name)
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (m *OtelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	h := m.histogram(name)
	if h == nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}
