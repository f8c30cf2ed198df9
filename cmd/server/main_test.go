package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestRun_ListenFailureClosesStore(t *testing.T) {
	// GIVEN: The configured port is already taken
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := &config.Config{
		HTTPPort:      ln.Addr().(*net.TCPAddr).Port,
		DBDriver:      config.DriverSQLite,
		DBPath:        filepath.Join(t.TempDir(), "loyalty.db"),
		LockTimeout:   time.Second,
		TxMaxAttempts: 3,
		JWTSecret:     "test-secret",
	}

	closed := false
	open := func(ctx context.Context, cfg *config.Config) (loyalty.Store, func(), error) {
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			closed = true
			closeStore()
		}, nil
	}

	// WHEN: Running the server
	err = run(cfg, open)

	// THEN: The listen error is returned after the store is closed
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to serve")
	assert.True(t, closed)
}
