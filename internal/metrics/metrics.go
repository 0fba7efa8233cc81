// Package metrics exposes Prometheus counters for the conversation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Actions          *prometheus.CounterVec
	Fallbacks        *prometheus.CounterVec
	GenerateDuration *prometheus.HistogramVec
	PersistFailures  prometheus.Counter
	PersistRetries   prometheus.Counter
	PersistPending   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studybuddy_actions_total",
			Help: "Messages handled, by classified action.",
		}, []string{"action"}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studybuddy_generation_fallbacks_total",
			Help: "Replies replaced by the fixed fallback text, by action.",
		}, []string{"action"}),
		GenerateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studybuddy_generation_duration_seconds",
			Help:    "Latency of generation engine calls, by action.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"action"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "studybuddy_persist_failures_total",
			Help: "Rounds of state write attempts that all failed.",
		}),
		PersistRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "studybuddy_persist_retries_total",
			Help: "State write attempts that were retried.",
		}),
		PersistPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "studybuddy_persist_pending",
			Help: "State writes queued or in flight.",
		}),
	}
}

func (m *Metrics) ObserveAction(action string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveFallback(action string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveGenerate(action string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GenerateDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) ObservePersistRetry() {
	if m == nil {
		return
	}
	m.PersistRetries.Inc()
}

// PendingDelta moves the pending-writes gauge by delta.
func (m *Metrics) PendingDelta(delta float64) {
	if m == nil {
		return
	}
	m.PersistPending.Add(delta)
}
