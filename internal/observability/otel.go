package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics implements Metrics on top of an OpenTelemetry meter. Instruments
// are created lazily per metric name and cached.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelMetrics constructs an OTel-backed metrics collector.
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	return &OTelMetrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = created
		counter = created
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

// ObserveHistogram records value on the named histogram.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = created
		hist = created
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

// SetGauge sets the named gauge to value.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = created
		gauge = created
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

func labelAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

var _ Metrics = (*OTelMetrics)(nil)
