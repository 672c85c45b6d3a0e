package scanner

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the scanner.
type Metrics struct {
	CyclesTotal   *prometheus.CounterVec
	FindingsTotal prometheus.Counter
	CycleDuration prometheus.Histogram
	FeedRecords   prometheus.Gauge
	FeedDegraded  prometheus.Gauge
}

// NewMetrics registers and returns scanner metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_scan_cycles_total",
			Help: "Total scan cycles by outcome.",
		}, []string{"outcome"}),
		FindingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scan_findings_total",
			Help: "Total findings reported as incidents.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_scan_duration_seconds",
			Help:    "Duration of scan cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms .. ~8s
		}),
		FeedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_scan_feed_records",
			Help: "Records in the currently loaded vulnerability feed.",
		}),
		FeedDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_scan_feed_degraded",
			Help: "1 if the last feed load fell back to an empty feed.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.FindingsTotal,
		m.CycleDuration,
		m.FeedRecords,
		m.FeedDegraded,
	)

	return m
}

// Hooks returns scanner Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCycle: func(outcome string, duration float64, findings int) {
			m.CyclesTotal.WithLabelValues(outcome).Inc()
			m.CycleDuration.Observe(duration)
			m.FindingsTotal.Add(float64(findings))
		},
		OnFeedLoad: func(records int, degraded bool) {
			m.FeedRecords.Set(float64(records))
			if degraded {
				m.FeedDegraded.Set(1)
			} else {
				m.FeedDegraded.Set(0)
			}
		},
	}
}
