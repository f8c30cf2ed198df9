package api

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func newTestService(t *testing.T) *loyalty.Service {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return loyalty.NewService(store)
}

func TestAuditScheduler_EmptyScheduleIsDisabled(t *testing.T) {
	s := NewAuditScheduler(newTestService(t), "")

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestAuditScheduler_RejectsBadSchedule(t *testing.T) {
	s := NewAuditScheduler(newTestService(t), "whenever")

	assert.Error(t, s.Start(context.Background()))
}

func TestAuditScheduler_RunOnce(t *testing.T) {
	// GIVEN: A seeded database
	svc := newTestService(t)
	ctx := context.Background()
	_, err := SeedDemo(ctx, svc)
	require.NoError(t, err)

	s := NewAuditScheduler(svc, "@every 1h")
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// WHEN / THEN: A manual run completes and leaves the ledger consistent
	s.RunOnce(ctx)
	report, err := svc.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Mismatched)
}

func TestSeedDemo_OnlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// WHEN: Seeding twice
	first, err := SeedDemo(ctx, svc)
	require.NoError(t, err)
	second, err := SeedDemo(ctx, svc)
	require.NoError(t, err)

	// THEN: Only the first run writes
	assert.True(t, first)
	assert.False(t, second)

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 3)
	assert.Equal(t, "Gold", rules[0].Description)

	customers, err := svc.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 1)

	// A Silver purchase of 100: 50 + floor(50 * 50 * 1.5 / 50) = 125
	points, err := svc.PreviewPoints(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(125), points)
}
