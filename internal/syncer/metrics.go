package syncer

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "possync"

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	passes       *prometheus.CounterVec
	records      *prometheus.CounterVec
	passDuration prometheus.Histogram
	pending      prometheus.Gauge
	deadLetters  prometheus.Gauge
	online       prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil registerer yields nil
// metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by terminal state.",
		}, []string{"state"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_records_total",
			Help:      "Pushed mutations by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_pending",
			Help:      "Mutations waiting to be acknowledged by the backend.",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_dead_letters",
			Help:      "Dead-lettered mutations retained for inspection.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backend_online",
			Help:      "1 when the backend is reachable.",
		}),
	}
	for _, c := range []prometheus.Collector{m.passes, m.records, m.passDuration, m.pending, m.deadLetters, m.online} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordPass(s Session) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(string(s.TerminalReason)).Inc()
	m.passDuration.Observe(s.Duration().Seconds())
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordQueue(pending, deadLetters int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.deadLetters.Set(float64(deadLetters))
}

func (m *Metrics) recordOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
