package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/storetest"
)

// Set LOYALTY_TEST_DATABASE_URL to a disposable database to run these.
// Every subtest truncates all loyalty tables.
func newTestStore(t *testing.T) loyalty.Store {
	url := os.Getenv("LOYALTY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LOYALTY_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, postgres.Config{URL: url, MaxConns: 8, LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}
