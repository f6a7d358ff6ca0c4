// Package metrics exposes Prometheus collectors for admission decisions and faults.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "call_admission"

// Fault kinds recorded by FaultsTotal.
const (
	FaultStoreRecord = "store_record"
	FaultStoreReset  = "store_reset"
	FaultTermination = "termination"
	FaultPublish     = "publish"
)

// Metrics groups the collectors used by the admission service.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	SideOutcomes     *prometheus.CounterVec
	FaultsTotal      *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	InvalidEvents    prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Number of admission decisions by result and denial reason.",
			},
			[]string{"result", "reason"},
		),
		SideOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_outcomes_total",
				Help:      "Number of per-number policy outcomes by class.",
			},
			[]string{"class", "outcome"},
		),
		FaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Number of operational faults recovered during decisions.",
			},
			[]string{"kind"},
		),
		DecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time taken to produce an admission decision.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 8},
			},
		),
		InvalidEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_events_total",
				Help:      "Number of call attempts dropped because required fields were missing.",
			},
		),
	}
}

// MustRegister registers all collectors in the given registerer.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.DecisionsTotal,
		m.SideOutcomes,
		m.FaultsTotal,
		m.DecisionDuration,
		m.InvalidEvents,
	)
}

func (m *Metrics) ObserveDecision(allowed bool, reason string, took time.Duration) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.DecisionsTotal.WithLabelValues(result, reason).Inc()
	m.DecisionDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveSide(class, outcome string) {
	m.SideOutcomes.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) IncFault(kind string) {
	m.FaultsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncInvalidEvent() {
	m.InvalidEvents.Inc()
}
