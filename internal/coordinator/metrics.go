package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Mutation outcomes recorded in ezsched_mutations_total.
const (
	outcomeOK        = "ok"
	outcomeInvalid   = "invalid"
	outcomeNotFound  = "not_found"
	outcomeBackend   = "backend_error"
	outcomeCancelled = "cancelled"
)

// Metrics counts mutation outcomes. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	mutations *prometheus.CounterVec
	rollbacks prometheus.Counter
	refreshes *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg when reg is
// non-nil. Pass a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezsched",
			Name:      "mutations_total",
			Help:      "Event mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ezsched",
			Name:      "rollbacks_total",
			Help:      "Optimistic updates restored after a failed write.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezsched",
			Name:      "refreshes_total",
			Help:      "Visible window refetches by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ezsched",
			Name:      "mutation_duration_seconds",
			Help:      "Time spent in the backing store per mutation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.rollbacks, m.refreshes, m.duration)
	}
	return m
}

func (m *Metrics) observe(op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) rolledBack() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) refreshed(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(result).Inc()
}
