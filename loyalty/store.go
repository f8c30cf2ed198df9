/*
store.go - Persistence contract for the loyalty ledger

PURPOSE:
  Defines the interface between the ledger logic and the database. Reads
  go through Reader. Every write goes through WithTx, which hands the
  callback a Tx scoped to ONE database transaction:

    - fn returns nil   → commit
    - fn returns error → rollback, nothing written

LOCKING:
  Tx.LockAccount must serialize concurrent units touching the same account
  for the rest of the transaction (SELECT ... FOR UPDATE on PostgreSQL, a
  reserved write lock on SQLite). Operations on different accounts may run
  in parallel where the backend allows it.

CONFLICTS:
  When the backend aborts a transaction because of contention (serialization
  failure, deadlock, lock timeout, busy database) the store returns an error
  wrapping generic.ErrConflict. The Service re-runs the whole unit.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite via database/sql
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: Uses WithTx for every mutation
  - generic/unitofwork.go: Retry of conflicting units
*/
package loyalty

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
)

// Store is the durable backing of the ledger.
type Store interface {
	Reader

	// WithTx executes fn within a single database transaction.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Rules and Rewards are the soft-deletable catalogs.
	Rules() generic.Catalog[Rule]
	Rewards() generic.Catalog[Reward]

	Close() error
}

// Reader holds the non-locking queries.
type Reader interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	FindAccountByDNI(ctx context.Context, dni string) (Account, error)

	// ListAccounts returns accounts newest-first. An empty role lists all.
	ListAccounts(ctx context.Context, role Role) ([]Account, error)

	// ListTransactions returns a user's ledger newest-first.
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)

	GetRedemption(ctx context.Context, id string) (Redemption, error)

	// ListRedemptions returns redemptions newest-first. An empty userID
	// lists every user's.
	ListRedemptions(ctx context.Context, userID string) ([]Redemption, error)
}

// Tx is a store view bound to one open database transaction.
type Tx interface {
	// Accounts
	InsertAccount(ctx context.Context, a Account) error
	LockAccount(ctx context.Context, id string) (Account, error)
	UpdateAccountProfile(ctx context.Context, a Account) error
	DeleteAccount(ctx context.Context, id string) error

	// ApplyDelta adds points and spent to the account's counters.
	ApplyDelta(ctx context.Context, userID string, points int64, spent decimal.Decimal) error

	// Ledger rows
	InsertTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	IdempotencyKeyExists(ctx context.Context, key string) (bool, error)

	// Redemptions
	InsertRedemption(ctx context.Context, r Redemption) error
	LockRedemption(ctx context.Context, id string) (Redemption, error)
	UpdateRedemptionStatus(ctx context.Context, r Redemption) error
	CountPendingRedemptions(ctx context.Context, userID string) (int, error)

	// Catalog reads inside the unit
	GetReward(ctx context.Context, id string) (Reward, error)
	ActiveRules(ctx context.Context) ([]Rule, error)
}
