package loyalty

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// RULE CATALOG
// =============================================================================

// ValidateRule enforces the tier constraints. A zero MinAmount is allowed;
// such a rule earns its base points only.
func ValidateRule(r Rule) error {
	if r.MinAmount.IsNegative() {
		return generic.Invalid("min_amount", "must not be negative")
	}
	if r.MaxAmount.Valid && !r.MaxAmount.Decimal.GreaterThan(r.MinAmount) {
		return generic.Invalid("max_amount", "must be greater than min_amount")
	}
	if r.PointsEarned < 0 {
		return generic.Invalid("points_earned", "must not be negative")
	}
	if r.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return generic.Invalid("multiplier", "must be at least 1")
	}
	if strings.TrimSpace(r.Description) == "" {
		return generic.Invalid("description", "is required")
	}
	return nil
}

// RuleInput holds the admin-supplied rule fields.
type RuleInput struct {
	MinAmount    decimal.Decimal
	MaxAmount    decimal.NullDecimal
	PointsEarned int64
	Multiplier   decimal.NullDecimal // default 1
	Description  string
}

// RulePatch is a partial rule update; nil fields are left unchanged.
// ClearMaxAmount removes the upper bound.
type RulePatch struct {
	MinAmount      *decimal.Decimal
	MaxAmount      *decimal.Decimal
	ClearMaxAmount bool
	PointsEarned   *int64
	Multiplier     *decimal.Decimal
	Description    *string
}

func (s *Service) CreateRule(ctx context.Context, in RuleInput) (Rule, error) {
	mult := decimal.NewFromInt(1)
	if in.Multiplier.Valid {
		mult = in.Multiplier.Decimal
	}
	r := Rule{
		ID:           s.newID(),
		MinAmount:    in.MinAmount,
		MaxAmount:    in.MaxAmount,
		PointsEarned: in.PointsEarned,
		Multiplier:   mult,
		Description:  strings.TrimSpace(in.Description),
		IsActive:     true,
		CreatedAt:    s.timestamp(),
	}
	r, err := generic.CreateEntry(ctx, s.store.Rules(), r, ValidateRule)
	if err != nil {
		return Rule{}, err
	}
	log.WithField("rule_id", r.ID).Info("Loyalty rule created")
	return r, nil
}

func (s *Service) UpdateRule(ctx context.Context, id string, p RulePatch) (Rule, error) {
	return generic.EditEntry(ctx, s.store.Rules(), "rule", id, func(r *Rule) {
		if p.MinAmount != nil {
			r.MinAmount = *p.MinAmount
		}
		if p.ClearMaxAmount {
			r.MaxAmount = decimal.NullDecimal{}
		} else if p.MaxAmount != nil {
			r.MaxAmount = decimal.NewNullDecimal(*p.MaxAmount)
		}
		if p.PointsEarned != nil {
			r.PointsEarned = *p.PointsEarned
		}
		if p.Multiplier != nil {
			r.Multiplier = *p.Multiplier
		}
		if p.Description != nil {
			r.Description = strings.TrimSpace(*p.Description)
		}
	}, ValidateRule)
}

func (s *Service) GetRule(ctx context.Context, id string) (Rule, error) {
	return s.store.Rules().Get(ctx, id)
}

// ListRules returns active rules, highest tier first.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	return s.store.Rules().ListActive(ctx)
}

func (s *Service) DeactivateRule(ctx context.Context, id string) error {
	if err := s.store.Rules().Deactivate(ctx, id); err != nil {
		return err
	}
	log.WithField("rule_id", id).Info("Loyalty rule deactivated")
	return nil
}

// PreviewPoints reports what a purchase of amount would earn right now.
func (s *Service) PreviewPoints(ctx context.Context, amount decimal.Decimal) (int64, error) {
	rules, err := s.store.Rules().ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return Match(amount, rules)
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

func ValidateReward(r Reward) error {
	if strings.TrimSpace(r.Name) == "" {
		return generic.Invalid("name", "is required")
	}
	if r.PointsCost <= 0 {
		return generic.Invalid("points_cost", "must be positive")
	}
	return nil
}

type RewardInput struct {
	Name        string
	PointsCost  int64
	Description string
}

type RewardPatch struct {
	Name        *string
	PointsCost  *int64
	Description *string
}

func (s *Service) CreateReward(ctx context.Context, in RewardInput) (Reward, error) {
	r := Reward{
		ID:          s.newID(),
		Name:        strings.TrimSpace(in.Name),
		PointsCost:  in.PointsCost,
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
		CreatedAt:   s.timestamp(),
	}
	r, err := generic.CreateEntry(ctx, s.store.Rewards(), r, ValidateReward)
	if err != nil {
		return Reward{}, err
	}
	log.WithField("reward_id", r.ID).Info("Reward created")
	return r, nil
}

// UpdateReward edits an active reward. Price changes never affect existing
// redemptions, which keep their snapshot.
func (s *Service) UpdateReward(ctx context.Context, id string, p RewardPatch) (Reward, error) {
	return generic.EditEntry(ctx, s.store.Rewards(), "reward", id, func(r *Reward) {
		if p.Name != nil {
			r.Name = strings.TrimSpace(*p.Name)
		}
		if p.PointsCost != nil {
			r.PointsCost = *p.PointsCost
		}
		if p.Description != nil {
			r.Description = strings.TrimSpace(*p.Description)
		}
	}, ValidateReward)
}

func (s *Service) GetReward(ctx context.Context, id string) (Reward, error) {
	return s.store.Rewards().Get(ctx, id)
}

// ListRewards returns active rewards.
func (s *Service) ListRewards(ctx context.Context) ([]Reward, error) {
	return s.store.Rewards().ListActive(ctx)
}

func (s *Service) DeactivateReward(ctx context.Context, id string) error {
	if err := s.store.Rewards().Deactivate(ctx, id); err != nil {
		return err
	}
	log.WithField("reward_id", id).Info("Reward deactivated")
	return nil
}
