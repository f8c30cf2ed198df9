/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Single-file persistence for development, demos and small deployments.
  The PostgreSQL store implements the same contract for production.

KEY TABLES:
  users:         Accounts with the points / total_spent counters
  transactions:  Ledger rows (purchase / redemption / refund)
  loyalty_rules: Tier catalog (soft-deleted)
  rewards:       Reward catalog (soft-deleted)
  redemptions:   Claims with their points_cost snapshot

LOCKING:
  Write transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so
  a unit takes the database write lock before its first read. That makes
  every read-then-write in a unit serializable. A unit that cannot get the
  lock within the busy timeout fails with generic.ErrConflict and the
  service retries it.

WAL MODE:
  File databases use WAL so readers never block on the writer.

IN-MEMORY:
  ":memory:" databases exist per connection, so the pool is pinned to one
  connection. Reads issued outside WithTx wait for a running unit to finish.

DECIMALS AND TIME:
  Amounts are stored as TEXT (shopspring/decimal strings), never REAL.
  Timestamps are fixed-width UTC strings so they sort lexically; rowid
  breaks ties between rows written in the same nanosecond.

USAGE:
  store, err := sqlite.New("./data/loyalty.db", sqlite.WithLockTimeout(5*time.Second))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := loyalty.NewService(store)

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/storetest:  Conformance suite
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout is fixed-width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loyalty.Store using SQLite.
type Store struct {
	db      *sql.DB
	rules   *catalog[loyalty.Rule]
	rewards *catalog[loyalty.Reward]
}

type options struct {
	lockTimeout time.Duration
}

type Option func(*options)

// WithLockTimeout sets how long a unit waits for the write lock before
// failing with a retryable conflict.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		dbPath, o.lockTimeout.Milliseconds())
	inMemory := dbPath == ":memory:"
	if !inMemory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		db:      db,
		rules:   &catalog[loyalty.Rule]{db: db, t: rulesTable},
		rewards: &catalog[loyalty.Reward]{db: db, t: rewardsTable},
	}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Rules() generic.Catalog[loyalty.Rule]     { return s.rules }
func (s *Store) Rewards() generic.Catalog[loyalty.Reward] { return s.rewards }

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL CHECK (role IN ('admin', 'customer')),
		dni TEXT UNIQUE,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		total_spent TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_role_created
		ON users(role, created_at DESC);

	CREATE TABLE IF NOT EXISTS loyalty_rules (
		id TEXT PRIMARY KEY,
		min_amount TEXT NOT NULL,
		max_amount TEXT,
		points_earned INTEGER NOT NULL CHECK (points_earned >= 0),
		multiplier TEXT NOT NULL DEFAULT '1',
		description TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		description TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reward_id TEXT NOT NULL REFERENCES rewards(id),
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		status TEXT NOT NULL CHECK (status IN ('pending', 'applied', 'cancelled')),
		created_at TEXT NOT NULL,
		applied_at TEXT,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user_created
		ON redemptions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_redemptions_pending
		ON redemptions(user_id) WHERE status = 'pending';

	-- Ledger. Rows are only removed by the admin purchase correction or
	-- by cascading a customer deletion.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('purchase', 'redemption', 'refund')),
		amount TEXT NOT NULL DEFAULT '0',
		points_earned INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		redemption_id TEXT REFERENCES redemptions(id) ON DELETE CASCADE,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_redemption
		ON transactions(redemption_id) WHERE redemption_id IS NOT NULL;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.Tx)
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within one IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	ts := &txStore{
		tx:      sqlTx,
		rules:   &catalog[loyalty.Rule]{db: sqlTx, t: rulesTable},
		rewards: &catalog[loyalty.Reward]{db: sqlTx, t: rewardsTable},
	}
	if err := fn(ts); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type txStore struct {
	tx      *sql.Tx
	rules   *catalog[loyalty.Rule]
	rewards *catalog[loyalty.Reward]
}

// LockAccount reads the account. The IMMEDIATE transaction already holds the
// database write lock, so no row lock is needed.
func (ts *txStore) LockAccount(ctx context.Context, id string) (loyalty.Account, error) {
	return getAccount(ctx, ts.tx, "id = ?", id)
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
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id string) error {
	return deleteByID(ctx, ts.tx, "transactions", "transaction", id)
}

func (ts *txStore) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", key,
	).Scan(&n)
	if err != nil {
		return false, classify(err, "check idempotency key")
	}
	return n > 0, nil
}

func (ts *txStore) InsertRedemption(ctx context.Context, r loyalty.Redemption) error {
	return insertRedemption(ctx, ts.tx, r)
}

func (ts *txStore) LockRedemption(ctx context.Context, id string) (loyalty.Redemption, error) {
	return getRedemption(ctx, ts.tx, id)
}

func (ts *txStore) UpdateRedemptionStatus(ctx context.Context, r loyalty.Redemption) error {
	return updateRedemptionStatus(ctx, ts.tx, r)
}

func (ts *txStore) CountPendingRedemptions(ctx context.Context, userID string) (int, error) {
	var n int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM redemptions WHERE user_id = ? AND status = 'pending'", userID,
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

// classify maps driver errors onto the generic taxonomy. A busy or locked
// database is a retryable conflict.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, generic.ErrConflict, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// isUniqueConstraintError reports whether err violates a UNIQUE index on
// the given table.column.
func isUniqueConstraintError(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return column == "" || strings.Contains(se.Error(), column)
}

func deleteByID(ctx context.Context, db dbtx, table, kind, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return classify(err, "delete "+kind)
	}
	return expectOne(res, kind, id)
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return generic.NotFound(kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
