package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records gateway executions and how long waiters waited.
type Metrics struct {
	executions *prometheus.CounterVec
	wait       prometheus.Histogram
	purged     prometheus.Counter
}

// NewMetrics creates gateway metrics and registers them on reg (nil reg skips registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "gateway",
			Name:      "executions_total",
			Help:      "Gateway executions by caller role and outcome.",
		}, []string{"role", "outcome"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tokengate",
			Subsystem: "gateway",
			Name:      "wait_seconds",
			Help:      "Time waiters spent polling for a published result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "gateway",
			Name:      "claims_purged_total",
			Help:      "Claims removed by the retention sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.wait, m.purged)
	}
	return m
}

func (m *Metrics) observe(role Role, err error) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(role), outcomeLabel(err)).Inc()
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Observe(d.Seconds())
}

func (m *Metrics) observePurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWaiterTimeout):
		return "timeout"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_error"
	default:
		return "error"
	}
}
