/*
Package storetest is the conformance suite every loyalty.Store must pass.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) loyalty.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Each subtest gets a fresh, empty store. The suite drives the store through
loyalty.Service so the checks cover the full unit of work (locking, retry,
rollback), not just the SQL.
*/
package storetest

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// Factory returns an empty store owned by t.
type Factory func(t *testing.T) loyalty.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *fixture)
	}{
		{"AccountRoundTrip", testAccountRoundTrip},
		{"DuplicateIdentity", testDuplicateIdentity},
		{"PurchaseHighestTier", testPurchaseHighestTier},
		{"PurchaseWithoutMatchingRule", testPurchaseWithoutMatchingRule},
		{"PurchaseTooLargeRefused", testPurchaseTooLargeRefused},
		{"BalanceOverflowRefused", testBalanceOverflowRefused},
		{"TransactionsNewestFirst", testTransactionsNewestFirst},
		{"RedeemExactBalance", testRedeemExactBalance},
		{"RedeemInsufficientBalance", testRedeemInsufficientBalance},
		{"RedeemInactiveReward", testRedeemInactiveReward},
		{"CancelRefundsSnapshot", testCancelRefundsSnapshot},
		{"TerminalStatesAreFinal", testTerminalStatesAreFinal},
		{"DeletePurchaseReverses", testDeletePurchaseReverses},
		{"DeleteSpentPurchaseRefused", testDeleteSpentPurchaseRefused},
		{"RecordRefundOnce", testRecordRefundOnce},
		{"RecordRefundImportedCancellation", testRecordRefundImportedCancellation},
		{"CatalogLifecycle", testCatalogLifecycle},
		{"DeleteCustomer", testDeleteCustomer},
		{"ConcurrentPurchases", testConcurrentPurchases},
		{"ConcurrentRedemptions", testConcurrentRedemptions},
		{"ConcurrentCancellation", testConcurrentCancellation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newFixture(t, newStore(t)))
		})
	}
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	ctx   context.Context
	store loyalty.Store
	svc   *loyalty.Service
}

// newFixture wires a service whose clock advances one millisecond per call,
// so creation order is also timestamp order.
func newFixture(t *testing.T, store loyalty.Store) *fixture {
	var tick atomic.Int64
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}

	policy := generic.DefaultRetryPolicy()
	policy.MaxAttempts = 20

	return &fixture{
		ctx:   context.Background(),
		store: store,
		svc:   loyalty.NewService(store, loyalty.WithClock(clock), loyalty.WithRetryPolicy(policy)),
	}
}

func (f *fixture) customer(t *testing.T, email string) loyalty.Account {
	t.Helper()
	acc, err := f.svc.Register(f.ctx, loyalty.Registration{Name: "Customer " + email, Email: email})
	require.NoError(t, err)
	return acc
}

func (f *fixture) rule(t *testing.T, lo, hi string, points int64, mult string) loyalty.Rule {
	t.Helper()
	in := loyalty.RuleInput{
		MinAmount:    decimal.RequireFromString(lo),
		PointsEarned: points,
		Description:  fmt.Sprintf("tier from %s", lo),
	}
	if hi != "" {
		in.MaxAmount = decimal.NewNullDecimal(decimal.RequireFromString(hi))
	}
	if mult != "" {
		in.Multiplier = decimal.NewNullDecimal(decimal.RequireFromString(mult))
	}
	r, err := f.svc.CreateRule(f.ctx, in)
	require.NoError(t, err)
	return r
}

func (f *fixture) reward(t *testing.T, name string, cost int64) loyalty.Reward {
	t.Helper()
	r, err := f.svc.CreateReward(f.ctx, loyalty.RewardInput{Name: name, PointsCost: cost})
	require.NoError(t, err)
	return r
}

// fund gives userID exactly points by purchasing under a flat rule.
func (f *fixture) fund(t *testing.T, userID string, points int64) {
	t.Helper()
	f.rule(t, "0", "", points, "")
	_, err := f.svc.RecordPurchase(f.ctx, userID, decimal.NewFromInt(10))
	require.NoError(t, err)
	f.deactivateRules(t)
}

func (f *fixture) deactivateRules(t *testing.T) {
	t.Helper()
	rules, err := f.svc.ListRules(f.ctx)
	require.NoError(t, err)
	for _, r := range rules {
		require.NoError(t, f.svc.DeactivateRule(f.ctx, r.ID))
	}
}

func (f *fixture) balance(t *testing.T, userID string) loyalty.Balance {
	t.Helper()
	b, err := f.svc.GetBalance(f.ctx, userID)
	require.NoError(t, err)
	return b
}

// assertConsistent checks the balance against the folded ledger.
func (f *fixture) assertConsistent(t *testing.T, userID string) {
	t.Helper()
	res, err := f.svc.VerifyAccount(f.ctx, userID)
	require.NoError(t, err)
	assert.True(t, res.Consistent(), "ledger mismatch: %+v", res)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// ACCOUNTS
// =============================================================================

func testAccountRoundTrip(t *testing.T, f *fixture) {
	// GIVEN: A registered customer with a DNI
	acc, err := f.svc.Register(f.ctx, loyalty.Registration{
		DNI: "12345678", Name: "Ana", Email: "Ana@Example.com", Phone: "555-0100",
	})
	require.NoError(t, err)

	// WHEN: Reading it back by id and by DNI
	got, err := f.svc.GetCustomer(f.ctx, acc.ID)
	require.NoError(t, err)
	byDNI, err := f.svc.FindCustomerByDNI(f.ctx, "12345678")
	require.NoError(t, err)

	// THEN: Every field survives, email is normalized, counters start at zero
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, loyalty.RoleCustomer, got.Role)
	assert.Equal(t, "ana@example.com", got.Email)
	assert.Equal(t, "555-0100", got.Phone)
	assert.Equal(t, int64(0), got.Points)
	assert.True(t, got.TotalSpent.IsZero())
	assert.True(t, acc.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, acc.ID, byDNI.ID)

	_, err = f.svc.GetCustomer(f.ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testDuplicateIdentity(t *testing.T, f *fixture) {
	// GIVEN: Two customers
	a, err := f.svc.Register(f.ctx, loyalty.Registration{DNI: "111", Name: "A", Email: "a@example.com"})
	require.NoError(t, err)
	b := f.customer(t, "b@example.com")

	// WHEN: Reusing an email or DNI
	_, err = f.svc.Register(f.ctx, loyalty.Registration{Name: "C", Email: "a@example.com"})
	var dup *generic.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "email", dup.Field)

	dni := "111"
	_, err = f.svc.UpdateCustomer(f.ctx, b.ID, loyalty.CustomerPatch{DNI: &dni})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "dni", dup.Field)

	// THEN: Customers without a DNI never collide with each other
	f.customer(t, "c@example.com")
	customers, err := f.svc.ListCustomers(f.ctx)
	require.NoError(t, err)
	require.Len(t, customers, 3)
	assert.Equal(t, a.ID, customers[2].ID, "newest first")
}

// =============================================================================
// PURCHASES
// =============================================================================

func testPurchaseHighestTier(t *testing.T, f *fixture) {
	// GIVEN: Overlapping tiers; the 100-500 tier is the highest match for 300
	user := f.customer(t, "tier@example.com")
	f.rule(t, "0", "", 5, "")
	f.rule(t, "100", "500", 50, "1")

	// WHEN: Purchasing 300
	tx, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("300"))
	require.NoError(t, err)

	// THEN: 50 base + floor(200/100 * 50 * 1) = 150
	assert.Equal(t, int64(150), tx.PointsEarned)
	assert.Equal(t, loyalty.TxPurchase, tx.Type)
	assert.Equal(t, "Purchase of $300.00", tx.Description)

	b := f.balance(t, user.ID)
	assert.Equal(t, int64(150), b.Points)
	assert.True(t, dec("300").Equal(b.TotalSpent))
	f.assertConsistent(t, user.ID)
}

func testPurchaseWithoutMatchingRule(t *testing.T, f *fixture) {
	// GIVEN: A single tier starting at 100
	user := f.customer(t, "low@example.com")
	f.rule(t, "100", "", 10, "")

	// WHEN: Purchasing below every tier
	tx, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("99.99"))
	require.NoError(t, err)

	// THEN: The spend counts, no points
	assert.Equal(t, int64(0), tx.PointsEarned)
	b := f.balance(t, user.ID)
	assert.Equal(t, int64(0), b.Points)
	assert.True(t, dec("99.99").Equal(b.TotalSpent))

	_, err = f.svc.RecordPurchase(f.ctx, "nobody", dec("10"))
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = f.svc.RecordPurchase(f.ctx, user.ID, dec("-1"))
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func testPurchaseTooLargeRefused(t *testing.T, f *fixture) {
	// GIVEN: An open-ended Gold tier
	user := f.customer(t, "huge@example.com")
	f.rule(t, "200", "", 150, "2")

	// WHEN: The amount earns more points than an int64 holds
	_, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("1e19"))

	// THEN: Rejected, nothing written
	assert.ErrorIs(t, err, generic.ErrValidation)
	b := f.balance(t, user.ID)
	assert.Equal(t, int64(0), b.Points)
	assert.True(t, b.TotalSpent.IsZero())
	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testBalanceOverflowRefused(t *testing.T, f *fixture) {
	// GIVEN: A balance already at the int64 ceiling
	user := f.customer(t, "ceiling@example.com")
	f.fund(t, user.ID, math.MaxInt64)
	f.rule(t, "0", "", 1, "")

	// WHEN: One more point is earned
	_, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("10"))

	// THEN: Rejected, balance untouched
	assert.ErrorIs(t, err, generic.ErrValidation)
	b := f.balance(t, user.ID)
	assert.Equal(t, int64(math.MaxInt64), b.Points)
	assert.True(t, dec("10").Equal(b.TotalSpent))
}

func testTransactionsNewestFirst(t *testing.T, f *fixture) {
	user := f.customer(t, "order@example.com")
	f.rule(t, "0", "", 1, "")

	var ids []string
	for _, amount := range []string{"10", "20", "30"} {
		tx, err := f.svc.RecordPurchase(f.ctx, user.ID, dec(amount))
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{txs[0].ID, txs[1].ID, txs[2].ID})
	assert.True(t, dec("30").Equal(txs[0].Amount))
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func testRedeemExactBalance(t *testing.T, f *fixture) {
	// GIVEN: A user with exactly 500 points and a 500-point reward
	user := f.customer(t, "exact@example.com")
	f.fund(t, user.ID, 500)
	reward := f.reward(t, "Dinner", 500)

	// WHEN: Redeeming it
	r, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)

	// THEN: Balance 0, claim pending, ledger shows -500
	assert.Equal(t, loyalty.RedemptionPending, r.Status)
	assert.Equal(t, int64(500), r.PointsCost)
	assert.Equal(t, int64(0), f.balance(t, user.ID).Points)

	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Equal(t, loyalty.TxRedemption, txs[0].Type)
	assert.Equal(t, int64(-500), txs[0].PointsEarned)
	assert.Equal(t, r.ID, txs[0].RedemptionID)

	got, err := f.svc.GetRedemption(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dinner", got.RewardName)
	f.assertConsistent(t, user.ID)
}

func testRedeemInsufficientBalance(t *testing.T, f *fixture) {
	user := f.customer(t, "short@example.com")
	f.fund(t, user.ID, 499)
	reward := f.reward(t, "Dinner", 500)

	_, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)

	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(499), ib.Available)
	assert.Equal(t, int64(500), ib.Requested)

	// Nothing was written
	assert.Equal(t, int64(499), f.balance(t, user.ID).Points)
	redemptions, err := f.svc.ListRedemptions(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, redemptions)
	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testRedeemInactiveReward(t *testing.T, f *fixture) {
	user := f.customer(t, "inactive@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Gone", 10)
	require.NoError(t, f.svc.DeactivateReward(f.ctx, reward.ID))

	_, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = f.svc.Redeem(f.ctx, user.ID, "no-such-reward")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
}

func testCancelRefundsSnapshot(t *testing.T, f *fixture) {
	// GIVEN: A pending claim made at 200 points
	user := f.customer(t, "cancel@example.com")
	f.fund(t, user.ID, 300)
	reward := f.reward(t, "Spa", 200)
	r, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)

	// AND: The reward price changes afterwards
	price := int64(999)
	_, err = f.svc.UpdateReward(f.ctx, reward.ID, loyalty.RewardPatch{PointsCost: &price})
	require.NoError(t, err)

	// WHEN: Cancelling
	cancelled, err := f.svc.SetRedemptionStatus(f.ctx, r.ID, loyalty.RedemptionCancelled)
	require.NoError(t, err)

	// THEN: The snapshot (200) is credited back
	assert.Equal(t, loyalty.RedemptionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Nil(t, cancelled.AppliedAt)
	assert.Equal(t, int64(300), f.balance(t, user.ID).Points)

	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.TxRefund, txs[0].Type)
	assert.Equal(t, int64(200), txs[0].PointsEarned)
	f.assertConsistent(t, user.ID)
}

func testTerminalStatesAreFinal(t *testing.T, f *fixture) {
	user := f.customer(t, "final@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Coffee", 10)

	applied, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)
	got, err := f.svc.SetRedemptionStatus(f.ctx, applied.ID, loyalty.RedemptionApplied)
	require.NoError(t, err)
	require.NotNil(t, got.AppliedAt)

	cancelled, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)
	_, err = f.svc.SetRedemptionStatus(f.ctx, cancelled.ID, loyalty.RedemptionCancelled)
	require.NoError(t, err)

	for _, tc := range []struct {
		id     string
		status loyalty.RedemptionStatus
	}{
		{applied.ID, loyalty.RedemptionCancelled},
		{applied.ID, loyalty.RedemptionApplied},
		{cancelled.ID, loyalty.RedemptionCancelled},
		{cancelled.ID, loyalty.RedemptionApplied},
	} {
		_, err := f.svc.SetRedemptionStatus(f.ctx, tc.id, tc.status)
		assert.ErrorIs(t, err, generic.ErrInvalidTransition, "%s -> %s", tc.id, tc.status)
	}

	_, err = f.svc.SetRedemptionStatus(f.ctx, applied.ID, loyalty.RedemptionPending)
	assert.ErrorIs(t, err, generic.ErrValidation)

	// One debit kept (applied), one debit refunded (cancelled)
	assert.Equal(t, int64(90), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)
}

// =============================================================================
// CORRECTIONS
// =============================================================================

func testDeletePurchaseReverses(t *testing.T, f *fixture) {
	// GIVEN: points=120, total_spent=300 from purchases of 100 (20 pts) and 200 (100 pts)
	user := f.customer(t, "delete@example.com")
	f.rule(t, "100", "150", 20, "")
	f.rule(t, "200", "", 100, "")
	small, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("100"))
	require.NoError(t, err)
	_, err = f.svc.RecordPurchase(f.ctx, user.ID, dec("200"))
	require.NoError(t, err)

	b := f.balance(t, user.ID)
	require.Equal(t, int64(120), b.Points)
	require.True(t, dec("300").Equal(b.TotalSpent))

	// WHEN: Deleting the 100 purchase
	require.NoError(t, f.svc.DeleteTransaction(f.ctx, small.ID))

	// THEN: points=100, total_spent=200, row gone
	b = f.balance(t, user.ID)
	assert.Equal(t, int64(100), b.Points)
	assert.True(t, dec("200").Equal(b.TotalSpent))

	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	f.assertConsistent(t, user.ID)

	assert.ErrorIs(t, f.svc.DeleteTransaction(f.ctx, small.ID), generic.ErrNotFound)
}

func testDeleteSpentPurchaseRefused(t *testing.T, f *fixture) {
	user := f.customer(t, "spent@example.com")
	f.rule(t, "0", "", 50, "")
	purchase, err := f.svc.RecordPurchase(f.ctx, user.ID, dec("10"))
	require.NoError(t, err)
	reward := f.reward(t, "Snack", 40)
	r, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)

	// Reversing 50 points from a balance of 10 would go negative
	err = f.svc.DeleteTransaction(f.ctx, purchase.ID)
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	// Redemption rows belong to the claim
	txs, err := f.svc.ListTransactions(f.ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, txs[0].RedemptionID)
	err = f.svc.DeleteTransaction(f.ctx, txs[0].ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	assert.Equal(t, int64(10), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)
}

func testRecordRefundOnce(t *testing.T, f *fixture) {
	user := f.customer(t, "refund@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Mug", 30)

	r, _, err := f.svc.RecordRedemption(f.ctx, user.ID, reward.ID, 30)
	require.NoError(t, err)

	// Still pending: refund not allowed
	_, err = f.svc.RecordRefund(f.ctx, user.ID, 30, r.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	// Cancelling refunds; an explicit second refund is rejected
	_, err = f.svc.SetRedemptionStatus(f.ctx, r.ID, loyalty.RedemptionCancelled)
	require.NoError(t, err)
	_, err = f.svc.RecordRefund(f.ctx, user.ID, 30, r.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	// Mismatched cost or owner is a validation error
	_, err = f.svc.RecordRefund(f.ctx, user.ID, 31, r.ID)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = f.svc.RecordRefund(f.ctx, "someone-else", 30, r.ID)
	assert.ErrorIs(t, err, generic.ErrValidation)

	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)
}

func testRecordRefundImportedCancellation(t *testing.T, f *fixture) {
	// GIVEN: A claim marked cancelled without its refund row, as imported
	// history arrives
	user := f.customer(t, "imported@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Cap", 40)
	r, _, err := f.svc.RecordRedemption(f.ctx, user.ID, reward.ID, 40)
	require.NoError(t, err)

	err = f.store.WithTx(f.ctx, func(tx loyalty.Tx) error {
		claim, err := tx.LockRedemption(f.ctx, r.ID)
		if err != nil {
			return err
		}
		at := time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC)
		claim.Status = loyalty.RedemptionCancelled
		claim.CancelledAt = &at
		return tx.UpdateRedemptionStatus(f.ctx, claim)
	})
	require.NoError(t, err)
	require.Equal(t, int64(60), f.balance(t, user.ID).Points)

	// WHEN: Recording the refund
	refund, err := f.svc.RecordRefund(f.ctx, user.ID, 40, r.ID)

	// THEN: The points come back once
	require.NoError(t, err)
	assert.Equal(t, loyalty.TxRefund, refund.Type)
	assert.Equal(t, int64(40), refund.PointsEarned)
	assert.Equal(t, r.ID, refund.RedemptionID)
	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)

	_, err = f.svc.RecordRefund(f.ctx, user.ID, 40, r.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
}

// =============================================================================
// CATALOG AND CUSTOMERS
// =============================================================================

func testCatalogLifecycle(t *testing.T, f *fixture) {
	low := f.rule(t, "50", "100", 5, "")
	high := f.rule(t, "100", "", 10, "2")

	rules, err := f.svc.ListRules(f.ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID, "highest tier first")
	assert.True(t, dec("2").Equal(rules[0].Multiplier))
	assert.False(t, rules[0].MaxAmount.Valid)
	assert.True(t, dec("100").Equal(rules[1].MaxAmount.Decimal))

	// Partial update keeps the other fields
	pts := int64(7)
	updated, err := f.svc.UpdateRule(f.ctx, low.ID, loyalty.RulePatch{PointsEarned: &pts})
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.PointsEarned)
	assert.True(t, dec("50").Equal(updated.MinAmount))

	// Invalid update rejected
	badMax := dec("10")
	_, err = f.svc.UpdateRule(f.ctx, low.ID, loyalty.RulePatch{MaxAmount: &badMax})
	assert.ErrorIs(t, err, generic.ErrValidation)

	// Soft delete: still readable, no longer listed or editable
	require.NoError(t, f.svc.DeactivateRule(f.ctx, low.ID))
	got, err := f.svc.GetRule(f.ctx, low.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	_, err = f.svc.UpdateRule(f.ctx, low.ID, loyalty.RulePatch{PointsEarned: &pts})
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeactivateRule(f.ctx, "missing"), generic.ErrNotFound)

	points, err := f.svc.PreviewPoints(f.ctx, dec("75"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), points, "deactivated tier no longer matches")

	// Rewards: cheapest first, next reward lookup
	cheap := f.reward(t, "Cheap", 10)
	f.reward(t, "Pricey", 1000)
	user := f.customer(t, "next@example.com")
	f.fund(t, user.ID, 15)

	next, err := f.svc.GetNextReward(f.ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Pricey", next.Name)

	affordable, err := f.svc.AffordableRewards(f.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, affordable, 1)
	assert.Equal(t, cheap.ID, affordable[0].ID)
}

func testDeleteCustomer(t *testing.T, f *fixture) {
	user := f.customer(t, "bye@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Pen", 10)
	r, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)

	// Pending claim blocks deletion
	err = f.svc.DeleteCustomer(f.ctx, user.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = f.svc.SetRedemptionStatus(f.ctx, r.ID, loyalty.RedemptionApplied)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteCustomer(f.ctx, user.ID))

	_, err = f.svc.GetCustomer(f.ctx, user.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = f.svc.GetRedemption(f.ctx, r.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	all, err := f.svc.ListRedemptions(f.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func testConcurrentPurchases(t *testing.T, f *fixture) {
	// GIVEN: A flat 10-point rule
	user := f.customer(t, "busy@example.com")
	f.rule(t, "0", "", 10, "")

	// WHEN: 20 purchases race on the same account
	const n = 20
	g, ctx := errgroup.WithContext(f.ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.svc.RecordPurchase(ctx, user.ID, dec("5.25"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: No update was lost
	b := f.balance(t, user.ID)
	assert.Equal(t, int64(n*10), b.Points)
	assert.True(t, dec("105").Equal(b.TotalSpent), "got %s", b.TotalSpent)
	f.assertConsistent(t, user.ID)
}

func testConcurrentRedemptions(t *testing.T, f *fixture) {
	// GIVEN: 500 points and a 200-point reward
	user := f.customer(t, "race@example.com")
	f.fund(t, user.ID, 500)
	reward := f.reward(t, "Ticket", 200)

	// WHEN: Five redemptions race
	var ok, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case generic.CodeOf(err) == generic.CodeInsufficientBalance:
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: Exactly two fit; the balance never went negative
	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(3), short.Load())
	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)
}

func testConcurrentCancellation(t *testing.T, f *fixture) {
	// GIVEN: One pending claim
	user := f.customer(t, "twice@example.com")
	f.fund(t, user.ID, 100)
	reward := f.reward(t, "Hat", 60)
	r, err := f.svc.Redeem(f.ctx, user.ID, reward.ID)
	require.NoError(t, err)

	// WHEN: Two cancellations race
	var ok, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := f.svc.SetRedemptionStatus(f.ctx, r.ID, loyalty.RedemptionCancelled)
			switch {
			case err == nil:
				ok.Add(1)
			case generic.CodeOf(err) == generic.CodeInvalidTransition:
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: Refunded exactly once
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int64(100), f.balance(t, user.ID).Points)
	f.assertConsistent(t, user.ID)
}
