package soc

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	IncidentsCreated *prometheus.CounterVec
	HuntCycles       prometheus.Counter
	CorpusDocuments  prometheus.Gauge
}

// NewMetrics registers and returns orchestrator metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_incidents_created_total",
			Help: "Total incidents created by origin.",
		}, []string{"origin"}),
		HuntCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_hunt_cycles_total",
			Help: "Total completed hunt cycles.",
		}),
		CorpusDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_retrieval_corpus_documents",
			Help: "Documents in the most recently built retrieval corpus.",
		}),
	}

	reg.MustRegister(
		m.IncidentsCreated,
		m.HuntCycles,
		m.CorpusDocuments,
	)

	return m
}

// Hooks returns engine Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIncident: func(origin string) {
			m.IncidentsCreated.WithLabelValues(origin).Inc()
		},
		OnHuntCycle: func() {
			m.HuntCycles.Inc()
		},
	}
}

// ObserveCorpus records the size of a rebuilt retrieval corpus.
func (m *Metrics) ObserveCorpus(docs int) {
	m.CorpusDocuments.Set(float64(docs))
}
