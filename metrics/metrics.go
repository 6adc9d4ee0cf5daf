// Package metrics exposes benefit-pool health signals to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "benefit_pool"

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected" // business rule refused the call
	OutcomeError    = "error"    // infrastructure failure
)

type Metrics struct {
	operations  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	poolBalance prometheus.Gauge
}

// New registers the instruments on registerer (the default registerer when nil).
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Mutating operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_transitions_total",
			Help:      "Claim status transitions.",
		}, []string{"from", "to"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rail_calls_total",
			Help:      "Payment rail calls by direction and outcome.",
		}, []string{"direction", "outcome"}),
		poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_balance",
			Help:      "Pool balance in the smallest currency unit, as of the last movement.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.transitions, m.payouts, m.poolBalance} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordRailCall(direction, outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) SetPoolBalance(v float64) {
	if m == nil {
		return
	}
	m.poolBalance.Set(v)
}
