package token

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine operations by outcome.
type Metrics struct {
	ops *prometheus.CounterVec
}

// NewMetrics creates engine metrics and registers them on reg (nil reg skips registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokengate",
			Subsystem: "token",
			Name:      "operations_total",
			Help:      "Token lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops)
	}
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
