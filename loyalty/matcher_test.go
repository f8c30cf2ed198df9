package loyalty

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tier(id, lo, hi string, points int64, mult string) Rule {
	r := Rule{
		ID:           id,
		MinAmount:    dec(lo),
		PointsEarned: points,
		Multiplier:   dec(mult),
		IsActive:     true,
	}
	if hi != "" {
		r.MaxAmount = decimal.NewNullDecimal(dec(hi))
	}
	return r
}

func TestMatch(t *testing.T) {
	tiers := []Rule{
		tier("bronze", "0", "99.99", 5, "1"),
		tier("silver", "100", "500", 50, "1"),
		tier("gold", "200", "", 100, "2"),
	}

	tests := []struct {
		name   string
		rules  []Rule
		amount string
		want   int64
	}{
		{"no rules", nil, "300", 0},
		{"zero floor earns base only", tiers, "42.10", 5},
		{"exact floor", tiers, "100", 50},
		{"inside a single tier", tiers, "150", 75},
		{"highest floor wins", tiers, "300", 200},
		{"below every tier", []Rule{tier("t", "100", "", 10, "1")}, "99.99", 0},
		{"upper bound is inclusive", []Rule{tier("t", "10", "20", 10, "1")}, "20", 20},
		{"above upper bound", []Rule{tier("t", "10", "20", 10, "1")}, "20.01", 0},
		{"fractional extra floors", []Rule{tier("t", "100", "", 10, "1")}, "119.99", 11},
		{"multiplier scales extra", []Rule{tier("t", "100", "", 10, "1.5")}, "200", 25},
		{"zero amount with zero floor", tiers, "0", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(dec(tt.amount), tt.rules)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_RejectsNegativeAmount(t *testing.T) {
	_, err := Match(dec("-0.01"), nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestMatch_RejectsUnrecordablePoints(t *testing.T) {
	gold := tier("gold", "200", "", 150, "2")

	tests := []struct {
		name   string
		amount string
	}{
		{"quotient past int64", "1e19"},
		{"quotient wraps to positive", "4e19"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(dec(tt.amount), []Rule{gold})
			assert.ErrorIs(t, err, generic.ErrValidation)
			assert.Zero(t, got)
		})
	}

	// A large amount that still fits is accepted
	_, err := Match(dec("1e16"), []Rule{gold})
	require.NoError(t, err)
}

func TestSelectRule_IgnoresInactive(t *testing.T) {
	// GIVEN: The best tier is deactivated
	gold := tier("gold", "200", "", 100, "2")
	gold.IsActive = false
	silver := tier("silver", "100", "", 50, "1")

	// WHEN
	got, ok := SelectRule(dec("300"), []Rule{gold, silver})

	// THEN
	require.True(t, ok)
	assert.Equal(t, "silver", got.ID)
}

func TestSelectRule_TieBreaksOnLowestID(t *testing.T) {
	b := tier("b", "100", "", 10, "1")
	a := tier("a", "100", "", 20, "1")

	got, ok := SelectRule(dec("100"), []Rule{b, a})

	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
}

func TestValidateRule(t *testing.T) {
	valid := tier("r", "100", "500", 10, "1")
	valid.Description = "Silver"
	require.NoError(t, ValidateRule(valid))

	tests := []struct {
		name   string
		field  string
		mutate func(*Rule)
	}{
		{"negative min", "min_amount", func(r *Rule) { r.MinAmount = dec("-1") }},
		{"max not above min", "max_amount", func(r *Rule) { r.MaxAmount = decimal.NewNullDecimal(dec("100")) }},
		{"negative points", "points_earned", func(r *Rule) { r.PointsEarned = -1 }},
		{"multiplier below one", "multiplier", func(r *Rule) { r.Multiplier = dec("0.5") }},
		{"blank description", "description", func(r *Rule) { r.Description = "  " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := ValidateRule(r)

			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateReward(t *testing.T) {
	assert.NoError(t, ValidateReward(Reward{Name: "Coffee", PointsCost: 1}))
	assert.ErrorIs(t, ValidateReward(Reward{Name: "", PointsCost: 1}), generic.ErrValidation)
	assert.ErrorIs(t, ValidateReward(Reward{Name: "Coffee", PointsCost: 0}), generic.ErrValidation)
}
