package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*OtelMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return NewOtelMetrics(provider.Meter("anima/test")), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestIncCounterRecordsAnObservableCount(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	metrics.IncCounter("memory_add_total", map[string]string{"kind": "new"})
	metrics.IncCounter("memory_add_total", map[string]string{"kind": "new"})

	rm := collect(t, reader)
	m, found := findMetric(rm, "memory_add_total")
	require.True(t, found)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestObserveHistogramRecordsAValue(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	metrics.ObserveHistogram("fold_consonance", 0.82, nil)

	rm := collect(t, reader)
	m, found := findMetric(rm, "fold_consonance")
	require.True(t, found)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestInstrumentsAreCachedPerName(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.IncCounter("supervisor_tasks_dropped_total", nil)
	first := metrics.counter("supervisor_tasks_dropped_total")
	second := metrics.counter("supervisor_tasks_dropped_total")
	assert.Equal(t, first, second)
}
