package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAction("create_plan")
	m.ObserveAction("create_plan")
	m.ObserveFallback("direct_answer")
	m.ObserveGenerate("create_plan", 300*time.Millisecond)
	m.ObservePersistFailure()
	m.ObservePersistRetry()
	m.PendingDelta(2)
	m.PendingDelta(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Actions.WithLabelValues("create_plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks.WithLabelValues("direct_answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistPending))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAction("x")
		m.ObserveFallback("x")
		m.ObserveGenerate("x", time.Second)
		m.ObservePersistFailure()
		m.ObservePersistRetry()
		m.PendingDelta(1)
	})
}
