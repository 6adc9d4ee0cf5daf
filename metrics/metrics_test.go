package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-pool/metrics"
)

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.RecordOperation("withdraw", metrics.OutcomeOK)
	m.RecordOperation("withdraw", metrics.OutcomeOK)
	m.RecordOperation("withdraw", metrics.OutcomeRejected)
	m.RecordTransition("pending", "approved")
	m.SetPoolBalance(1500)

	count, err := testutil.GatherAndCount(reg, "benefit_pool_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // two label sets

	families, err := reg.Gather()
	require.NoError(t, err)
	var balance float64
	for _, f := range families {
		if f.GetName() == "benefit_pool_pool_balance" {
			balance = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1500.0, balance)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("deposit_premium", metrics.OutcomeError)
		m.RecordTransition("none", "pending")
		m.RecordRailCall("payout", metrics.OutcomeOK)
		m.SetPoolBalance(1)
	})
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	assert.Error(t, err)
}
