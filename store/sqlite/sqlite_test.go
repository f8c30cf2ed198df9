package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
	"github.com/warp/loyalty-engine/store/storetest"
)

func newMemoryStore(t *testing.T) loyalty.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConformance_Memory(t *testing.T) {
	storetest.Run(t, newMemoryStore)
}

// A file database has a real connection pool, so concurrent units contend
// for the write lock instead of queueing on one connection.
func TestConformance_File(t *testing.T) {
	storetest.Run(t, func(t *testing.T) loyalty.Store {
		path := filepath.Join(t.TempDir(), "loyalty.db")
		store, err := sqlite.New(path, sqlite.WithLockTimeout(2*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A unit that inserts an account and then fails
	store := newMemoryStore(t)
	ctx := context.Background()

	acc := loyalty.Account{
		ID:         "u-1",
		Role:       loyalty.RoleCustomer,
		Name:       "Rollback",
		Email:      "rb@example.com",
		TotalSpent: decimal.Zero,
		CreatedAt:  time.Now(),
	}

	// WHEN: fn returns an error after the insert
	err := store.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.InsertAccount(ctx, acc))
		return generic.Invalid("test", "abort")
	})

	// THEN: The error is passed through and nothing was written
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = store.GetAccount(ctx, "u-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestApplyDelta_RejectsNegativeBalance(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.InsertAccount(ctx, loyalty.Account{
			ID: "u-1", Role: loyalty.RoleCustomer, Name: "N", Email: "n@example.com",
			TotalSpent: decimal.Zero, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.ApplyDelta(ctx, "u-1", -1, decimal.Zero)
	})

	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(0), ib.Available)
}

func TestIdempotencyKey_Unique(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.InsertAccount(ctx, loyalty.Account{
			ID: "u-1", Role: loyalty.RoleCustomer, Name: "N", Email: "n@example.com",
			TotalSpent: decimal.Zero, CreatedAt: time.Now(),
		}))

		row := loyalty.Transaction{
			ID: "t-1", UserID: "u-1", Type: loyalty.TxPurchase, Amount: decimal.Zero,
			IdempotencyKey: "k-1", CreatedAt: time.Now(),
		}
		require.NoError(t, tx.InsertTransaction(ctx, row))

		exists, err := tx.IdempotencyKeyExists(ctx, "k-1")
		require.NoError(t, err)
		assert.True(t, exists)

		row.ID = "t-2"
		return tx.InsertTransaction(ctx, row)
	})

	var dup *generic.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "idempotency_key", dup.Field)
}

func TestReopen_KeepsData(t *testing.T) {
	// GIVEN: A file database with one customer
	path := filepath.Join(t.TempDir(), "loyalty.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)

	svc := loyalty.NewService(store)
	acc, err := svc.Register(context.Background(), loyalty.Registration{Name: "Kept", Email: "kept@example.com"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: Reopening (migration runs again)
	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: The account is still there
	got, err := store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept@example.com", got.Email)
}

func TestLockTimeout_ExhaustsRetriesWithoutWriting(t *testing.T) {
	// GIVEN: A file database with a funded customer and a short lock timeout
	path := filepath.Join(t.TempDir(), "loyalty.db")
	store, err := sqlite.New(path, sqlite.WithLockTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	svc := loyalty.NewService(store, loyalty.WithRetryPolicy(generic.RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}))
	acc, err := svc.Register(ctx, loyalty.Registration{Name: "Locked", Email: "locked@example.com"})
	require.NoError(t, err)
	_, err = svc.CreateRule(ctx, loyalty.RuleInput{MinAmount: decimal.Zero, PointsEarned: 10, Description: "Flat"})
	require.NoError(t, err)
	_, err = svc.RecordPurchase(ctx, acc.ID, decimal.NewFromInt(10))
	require.NoError(t, err)

	// AND: Another unit holds the write lock
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithTx(ctx, func(tx loyalty.Tx) error {
			if _, err := tx.LockAccount(ctx, acc.ID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	select {
	case <-holding:
	case err := <-done:
		t.Fatalf("lock holder failed: %v", err)
	}

	// WHEN: A purchase runs with a single attempt
	_, err = svc.RecordPurchase(ctx, acc.ID, decimal.NewFromInt(10))
	close(release)
	require.NoError(t, <-done)

	// THEN: Retries are exhausted and nothing was written
	assert.ErrorIs(t, err, generic.ErrConflictRetryExhausted)
	assert.Equal(t, generic.CodeConflictRetryExhausted, generic.CodeOf(err))

	b, err := svc.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Points)
	assert.True(t, decimal.NewFromInt(10).Equal(b.TotalSpent))
	txs, err := svc.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
