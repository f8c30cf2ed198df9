package loyalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextReward(t *testing.T) {
	rewards := []Reward{
		{ID: "gift", PointsCost: 1500, IsActive: true},
		{ID: "coffee", PointsCost: 100, IsActive: true},
		{ID: "discount-b", PointsCost: 500, IsActive: true},
		{ID: "discount-a", PointsCost: 500, IsActive: true},
		{ID: "retired", PointsCost: 200, IsActive: false},
	}

	tests := []struct {
		name   string
		points int64
		want   string
	}{
		{"nothing earned yet", 0, "coffee"},
		{"exact cost is affordable", 100, "discount-a"},
		{"inactive rewards skipped", 150, "discount-a"},
		{"ties go to lowest id", 499, "discount-a"},
		{"only the gift card left", 500, "gift"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextReward(tt.points, rewards)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	assert.Nil(t, NextReward(1500, rewards), "everything affordable")
	assert.Nil(t, NextReward(0, nil), "empty catalog")
}

func TestFold(t *testing.T) {
	// GIVEN: A purchase, a redemption and its refund
	txs := []Transaction{
		{Type: TxPurchase, Amount: dec("120.50"), PointsEarned: 300},
		{Type: TxRedemption, Amount: dec("0"), PointsEarned: -200},
		{Type: TxRefund, Amount: dec("0"), PointsEarned: 200},
		{Type: TxPurchase, Amount: dec("9.50"), PointsEarned: 0},
	}

	// WHEN
	points, spent := Fold(txs)

	// THEN
	assert.Equal(t, int64(300), points)
	assert.True(t, dec("130").Equal(spent), spent.String())
}

func TestFold_Empty(t *testing.T) {
	points, spent := Fold(nil)
	assert.Zero(t, points)
	assert.True(t, spent.IsZero())
}

func TestAuditResult_Consistent(t *testing.T) {
	r := AuditResult{StoredPoints: 10, LedgerPoints: 10, StoredSpent: dec("5.00"), LedgerSpent: dec("5")}
	assert.True(t, r.Consistent())

	r.LedgerPoints = 9
	assert.False(t, r.Consistent())
}

func TestIdentityValidation(t *testing.T) {
	base := Account{Role: RoleCustomer, Name: "Ana", Email: "ana@example.com"}
	require.NoError(t, validateIdentity(base))

	bad := base
	bad.Email = "not-an-email"
	assert.Error(t, validateIdentity(bad))

	bad = base
	bad.Name = " "
	assert.Error(t, validateIdentity(bad))

	bad = base
	bad.Role = "owner"
	assert.Error(t, validateIdentity(bad))
}
