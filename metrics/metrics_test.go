package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
)

func TestPrometheus_RecordsLedgerEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.PurchaseRecorded(150)
	m.PurchaseRecorded(20)
	m.RedemptionCreated(500)
	m.RedemptionTransitioned(loyalty.RedemptionCancelled)
	m.RedemptionTransitioned(loyalty.RedemptionCancelled)
	m.ConflictRetried()
	m.AuditCompleted(10, 1)

	values := gather(t, reg)
	assert.Equal(t, 170.0, values["loyalty_ledger_points_earned_total"])
	assert.Equal(t, 2.0, values["loyalty_ledger_purchases_total"])
	assert.Equal(t, 500.0, values["loyalty_ledger_points_redeemed_total"])
	assert.Equal(t, 2.0, values["loyalty_ledger_redemption_transitions_total{status=cancelled}"])
	assert.Equal(t, 1.0, values["loyalty_ledger_conflict_retries_total"])
	assert.Equal(t, 10.0, values["loyalty_audit_accounts_checked"])
	assert.Equal(t, 1.0, values["loyalty_audit_accounts_mismatched"])
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	assert.Panics(t, func() { metrics.New(reg) })
}

// gather flattens counters and gauges into name{label=value} -> value.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}
