/*
seed.go - Demo data for development environments

PURPOSE:
  Populates an empty database with a small, realistic catalog and two
  accounts so the API can be explored right after startup.

DEMO DATA:
  Rules:    Bronze  0     - 49.99   10 pts
            Silver  50    - 199.99  50 pts  x1.5
            Gold    200   +        150 pts  x2
  Rewards:  Free coffee (100), 10% discount (500), Gift card (1500)
  Accounts: admin@loyalty.local (admin), demo@loyalty.local (customer)

NOTE:
  Seeding is skipped when any rule or reward exists, so it is safe to leave
  LOYALTY_SEED_DEMO on across restarts.

SEE ALSO:
  - cmd/server/main.go: Calls SeedDemo when LOYALTY_SEED_DEMO is set
*/
package api

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

var demoRules = []loyalty.RuleInput{
	{
		MinAmount:    decimal.Zero,
		MaxAmount:    decimal.NewNullDecimal(decimal.RequireFromString("49.99")),
		PointsEarned: 10,
		Description:  "Bronze",
	},
	{
		MinAmount:    decimal.NewFromInt(50),
		MaxAmount:    decimal.NewNullDecimal(decimal.RequireFromString("199.99")),
		PointsEarned: 50,
		Multiplier:   decimal.NewNullDecimal(decimal.RequireFromString("1.5")),
		Description:  "Silver",
	},
	{
		MinAmount:    decimal.NewFromInt(200),
		PointsEarned: 150,
		Multiplier:   decimal.NewNullDecimal(decimal.NewFromInt(2)),
		Description:  "Gold",
	},
}

var demoRewards = []loyalty.RewardInput{
	{Name: "Free coffee", PointsCost: 100, Description: "Any size, any blend"},
	{Name: "10% discount", PointsCost: 500, Description: "On the next purchase"},
	{Name: "Gift card", PointsCost: 1500, Description: "50 EUR store credit"},
}

var demoAccounts = []loyalty.Registration{
	{Role: loyalty.RoleAdmin, Name: "Demo Admin", Email: "admin@loyalty.local"},
	{Role: loyalty.RoleCustomer, Name: "Demo Customer", Email: "demo@loyalty.local", DNI: "00000000T", Phone: "+34 600 000 000"},
}

// SeedDemo loads the demo catalog and accounts into an empty database.
// It reports whether anything was written.
func SeedDemo(ctx context.Context, svc *loyalty.Service) (bool, error) {
	rules, err := svc.ListRules(ctx)
	if err != nil {
		return false, err
	}
	rewards, err := svc.ListRewards(ctx)
	if err != nil {
		return false, err
	}
	if len(rules) > 0 || len(rewards) > 0 {
		log.Debug("[Seed] Catalog not empty, skipping demo data")
		return false, nil
	}

	for _, in := range demoRules {
		if _, err := svc.CreateRule(ctx, in); err != nil {
			return false, fmt.Errorf("seed rule %s: %w", in.Description, err)
		}
	}
	for _, in := range demoRewards {
		if _, err := svc.CreateReward(ctx, in); err != nil {
			return false, fmt.Errorf("seed reward %s: %w", in.Name, err)
		}
	}
	for _, reg := range demoAccounts {
		acc, err := svc.Register(ctx, reg)
		if err != nil {
			return false, fmt.Errorf("seed account %s: %w", reg.Email, err)
		}
		log.WithFields(log.Fields{"user_id": acc.ID, "role": acc.Role}).Info("[Seed] Demo account")
	}

	log.WithFields(log.Fields{
		"rules":    len(demoRules),
		"rewards":  len(demoRewards),
		"accounts": len(demoAccounts),
	}).Info("[Seed] Demo data loaded")
	return true, nil
}
