/*
Package postgres provides a PostgreSQL-backed implementation of loyalty.Store.

PURPOSE:
  Production persistence. Several API instances may share one database;
  correctness relies on row locks, not on process-local state.

LOCKING:
  Tx.LockAccount and Tx.LockRedemption use SELECT ... FOR UPDATE, so units on
  the same account run one after another while other accounts proceed in
  parallel. Each transaction sets lock_timeout; a unit that waits longer
  fails with a retryable conflict.

CONFLICTS (SQLSTATE → generic.ErrConflict):
  40001 serialization_failure
  40P01 deadlock_detected
  55P03 lock_not_available (lock_timeout)

DECIMALS:
  Amounts are NUMERIC. They cross the driver boundary as strings
  ($n::numeric on the way in, col::text on the way out) so no value ever
  passes through float64.

ORDERING:
  Every table has a seq BIGSERIAL that breaks created_at ties.

SEE ALSO:
  - store/sqlite: Single-file implementation of the same contract
  - store/storetest: Conformance suite
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// Config holds the pool settings.
type Config struct {
	URL         string
	MaxConns    int32
	LockTimeout time.Duration
}

// Store implements loyalty.Store on a pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	rules       *catalog[loyalty.Rule]
	rewards     *catalog[loyalty.Reward]
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := NewWithPool(pool, cfg.LockTimeout)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool. The caller runs EnsureSchema.
func NewWithPool(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		pool:        pool,
		lockTimeout: lockTimeout,
		rules:       &catalog[loyalty.Rule]{db: pool, t: rulesTable},
		rewards:     &catalog[loyalty.Reward]{db: pool, t: rewardsTable},
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Rules() generic.Catalog[loyalty.Rule]     { return s.rules }
func (s *Store) Rewards() generic.Catalog[loyalty.Reward] { return s.rewards }

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
    seq         BIGSERIAL,
    id          TEXT PRIMARY KEY,
    role        TEXT NOT NULL CHECK (role IN ('admin', 'customer')),
    dni         TEXT UNIQUE,
    name        TEXT NOT NULL,
    email       TEXT NOT NULL UNIQUE,
    phone       TEXT NOT NULL DEFAULT '',
    points      BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
    total_spent NUMERIC NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role_created ON users (role, created_at DESC, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS loyalty_rules (
    seq           BIGSERIAL,
    id            TEXT PRIMARY KEY,
    min_amount    NUMERIC NOT NULL CHECK (min_amount >= 0),
    max_amount    NUMERIC,
    points_earned BIGINT NOT NULL CHECK (points_earned >= 0),
    multiplier    NUMERIC NOT NULL DEFAULT 1,
    description   TEXT NOT NULL,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS rewards (
    seq         BIGSERIAL,
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    points_cost BIGINT NOT NULL CHECK (points_cost > 0),
    description TEXT NOT NULL DEFAULT '',
    is_active   BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
    seq          BIGSERIAL,
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    reward_id    TEXT NOT NULL REFERENCES rewards(id),
    points_cost  BIGINT NOT NULL CHECK (points_cost > 0),
    status       TEXT NOT NULL CHECK (status IN ('pending', 'applied', 'cancelled')),
    created_at   TIMESTAMPTZ NOT NULL,
    applied_at   TIMESTAMPTZ,
    cancelled_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_user_created ON redemptions (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transactions (
    seq             BIGSERIAL,
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    tx_type         TEXT NOT NULL CHECK (tx_type IN ('purchase', 'redemption', 'refund')),
    amount          NUMERIC NOT NULL DEFAULT 0,
    points_earned   BIGINT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    redemption_id   TEXT REFERENCES redemptions(id) ON DELETE CASCADE,
    idempotency_key TEXT UNIQUE,
    created_at      TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions (user_id, created_at DESC, seq DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure loyalty schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.Tx)
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes fn within one READ COMMITTED transaction with a bounded
// lock wait.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err, "set lock_timeout")
	}

	ts := &txStore{
		tx:      tx,
		rules:   &catalog[loyalty.Rule]{db: tx, t: rulesTable},
		rewards: &catalog[loyalty.Reward]{db: tx, t: rewardsTable},
	}
	if err := fn(ts); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type txStore struct {
	tx      pgx.Tx
	rules   *catalog[loyalty.Rule]
	rewards *catalog[loyalty.Reward]
}

func (ts *txStore) LockAccount(ctx context.Context, id string) (loyalty.Account, error) {
	return getAccount(ctx, ts.tx, "id = $1 FOR UPDATE", id)
}

func (ts *txStore) InsertAccount(ctx context.Context, a loyalty.Account) error {
	return insertAccount(ctx, ts.tx, a)
}

func (ts *txStore) UpdateAccountProfile(ctx context.Context, a loyalty.Account) error {
	return updateAccountProfile(ctx, ts.tx, a)
}

func (ts *txStore) DeleteAccount(ctx context.Context, id string) error {
	return deleteByID(ctx, ts.tx, "users", "user", id)
}

func (ts *txStore) ApplyDelta(ctx context.Context, userID string, points int64, spent decimal.Decimal) error {
	return applyDelta(ctx, ts.tx, userID, points, spent)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t loyalty.Transaction) error {
	return insertTransaction(ctx, ts.tx, t)
}

func (ts *txStore) GetTransaction(ctx context.Context, id string) (loyalty.Transaction, error) {
	return getTransaction(ctx, ts.tx, id, " FOR UPDATE")
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id string) error {
	return deleteByID(ctx, ts.tx, "transactions", "transaction", id)
}

func (ts *txStore) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := ts.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE idempotency_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, classify(err, "check idempotency key")
	}
	return exists, nil
}

func (ts *txStore) InsertRedemption(ctx context.Context, r loyalty.Redemption) error {
	return insertRedemption(ctx, ts.tx, r)
}

func (ts *txStore) LockRedemption(ctx context.Context, id string) (loyalty.Redemption, error) {
	return getRedemption(ctx, ts.tx, id, " FOR UPDATE OF r")
}

func (ts *txStore) UpdateRedemptionStatus(ctx context.Context, r loyalty.Redemption) error {
	return updateRedemptionStatus(ctx, ts.tx, r)
}

func (ts *txStore) CountPendingRedemptions(ctx context.Context, userID string) (int, error) {
	var n int
	err := ts.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE user_id = $1 AND status = 'pending'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, classify(err, "count pending redemptions")
	}
	return n, nil
}

func (ts *txStore) GetReward(ctx context.Context, id string) (loyalty.Reward, error) {
	return ts.rewards.Get(ctx, id)
}

func (ts *txStore) ActiveRules(ctx context.Context) ([]loyalty.Rule, error) {
	return ts.rules.ListActive(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	sqlstateUniqueViolation      = "23505"
	sqlstateCheckViolation       = "23514"
	sqlstateNumericOutOfRange    = "22003"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify maps driver errors onto the generic taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
		return fmt.Errorf("%s: %w: %v", op, generic.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// uniqueViolationOn reports whether err violates the named constraint.
func uniqueViolationOn(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

func deleteByID(ctx context.Context, db querier, table, kind, id string) error {
	tag, err := db.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return classify(err, "delete "+kind)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound(kind, id)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// Reset removes every row (tests and demo resets).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE transactions, redemptions, rewards, loyalty_rules, users`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
