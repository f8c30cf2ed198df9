package loyalty

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// RULE MATCHER - amount → points ("highest qualifying tier")
// =============================================================================
//
// Among active rules covering the amount, the one with the greatest
// MinAmount wins; ties go to the lowest ID. Points are:
//
//	base  = rule.PointsEarned
//	extra = floor((amount - rule.MinAmount) / rule.MinAmount * base * rule.Multiplier)
//	total = base + extra
//
// A zero-floor rule (MinAmount == 0) earns its base points only. A total
// that does not fit in int64 is rejected rather than truncated.

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// Covers reports whether amount falls inside the rule's range.
func (r Rule) Covers(amount decimal.Decimal) bool {
	if amount.LessThan(r.MinAmount) {
		return false
	}
	return !r.MaxAmount.Valid || amount.LessThanOrEqual(r.MaxAmount.Decimal)
}

// PointsFor computes the points this rule awards for amount. The caller is
// responsible for checking Covers first.
func (r Rule) PointsFor(amount decimal.Decimal) (int64, error) {
	base := r.PointsEarned
	if r.MinAmount.IsZero() {
		return base, nil
	}

	mult := r.Multiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}

	// Multiply before dividing so exact tiers stay exact.
	extra := amount.Sub(r.MinAmount).Mul(decimal.NewFromInt(base)).Mul(mult)
	q, _ := extra.QuoRem(r.MinAmount, 0)
	if q.Add(decimal.NewFromInt(base)).GreaterThan(maxPoints) {
		return 0, generic.Invalid("amount", "%s earns more points than can be recorded", amount)
	}
	return base + q.IntPart(), nil
}

// SelectRule returns the applicable rule for amount, if any.
func SelectRule(amount decimal.Decimal, rules []Rule) (Rule, bool) {
	candidates := make([]Rule, 0, len(rules))
	for _, r := range generic.ActiveOnly(rules) {
		if r.Covers(amount) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Rule{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if c := candidates[i].MinAmount.Cmp(candidates[j].MinAmount); c != 0 {
			return c > 0
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// Match converts a purchase amount into earned points under rules.
// An empty rule set, or no qualifying rule, yields 0.
func Match(amount decimal.Decimal, rules []Rule) (int64, error) {
	if amount.IsNegative() {
		return 0, generic.Invalid("amount", "must not be negative, got %s", amount)
	}
	rule, ok := SelectRule(amount, rules)
	if !ok {
		return 0, nil
	}
	return rule.PointsFor(amount)
}
