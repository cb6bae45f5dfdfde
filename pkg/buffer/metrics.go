package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tickstream/metric"
)

// ringMetrics holds Prometheus metrics for buffer operations.
type ringMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, prefix string) (*ringMetrics, error) {
	labels := prometheus.Labels{"component": prefix}

	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "writes_total",
			ConstLabels: labels, Help: "Total buffer write operations",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "reads_total",
			ConstLabels: labels, Help: "Total buffer read operations",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "overflows_total",
			ConstLabels: labels, Help: "Total buffer overflow events",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "drops_total",
			ConstLabels: labels, Help: "Total items dropped by overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "size",
			ConstLabels: labels, Help: "Current number of buffered items",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream", Subsystem: "buffer", Name: "utilization",
			ConstLabels: labels, Help: "Buffer utilization (0.0 to 1.0)",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"buffer_writes":    m.writes,
		"buffer_reads":     m.reads,
		"buffer_overflows": m.overflows,
		"buffer_drops":     m.drops,
	} {
		if err := registry.RegisterCounter(prefix, name, c.(prometheus.Counter)); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ringMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *ringMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
