// Package metrics exports ledger activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/loyalty-engine/loyalty"
)

const namespace = "loyalty"

// Prometheus implements loyalty.Observer.
type Prometheus struct {
	pointsEarned    prometheus.Counter
	purchases       prometheus.Counter
	redemptions     prometheus.Counter
	pointsRedeemed  prometheus.Counter
	transitions     *prometheus.CounterVec
	deletions       prometheus.Counter
	conflictRetries prometheus.Counter
	auditChecked    prometheus.Gauge
	auditMismatched prometheus.Gauge
	auditRunsTotal  prometheus.Counter
}

var _ loyalty.Observer = (*Prometheus)(nil)

// New registers the collectors with reg. Registering twice on the same
// registry panics; tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "audit", Name: name, Help: help,
		})
	}

	m := &Prometheus{
		pointsEarned:   counter("points_earned_total", "Points credited by purchases."),
		purchases:      counter("purchases_total", "Purchases recorded."),
		redemptions:    counter("redemptions_total", "Redemptions created."),
		pointsRedeemed: counter("points_redeemed_total", "Points debited by redemptions."),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "redemption_transitions_total",
			Help: "Redemption status changes by target status.",
		}, []string{"status"}),
		deletions:       counter("transactions_deleted_total", "Purchase rows removed by admins."),
		conflictRetries: counter("conflict_retries_total", "Atomic units re-run after a storage conflict."),
		auditChecked:    gauge("accounts_checked", "Accounts verified by the last audit run."),
		auditMismatched: gauge("accounts_mismatched", "Accounts whose balance differed from their ledger in the last audit run."),
		auditRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "runs_total", Help: "Completed audit runs.",
		}),
	}

	reg.MustRegister(
		m.pointsEarned, m.purchases, m.redemptions, m.pointsRedeemed, m.transitions,
		m.deletions, m.conflictRetries, m.auditChecked, m.auditMismatched, m.auditRunsTotal,
	)
	return m
}

func (m *Prometheus) PurchaseRecorded(points int64) {
	m.purchases.Inc()
	m.pointsEarned.Add(float64(points))
}

func (m *Prometheus) RedemptionCreated(pointsCost int64) {
	m.redemptions.Inc()
	m.pointsRedeemed.Add(float64(pointsCost))
}

func (m *Prometheus) RedemptionTransitioned(to loyalty.RedemptionStatus) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Prometheus) TransactionDeleted() { m.deletions.Inc() }

func (m *Prometheus) ConflictRetried() { m.conflictRetries.Inc() }

func (m *Prometheus) AuditCompleted(checked, mismatched int) {
	m.auditRunsTotal.Inc()
	m.auditChecked.Set(float64(checked))
	m.auditMismatched.Set(float64(mismatched))
}
