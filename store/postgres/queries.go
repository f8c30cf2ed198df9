package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountSelect = `SELECT id, role, dni, name, email, phone, points, total_spent::text, created_at FROM users`

func (s *Store) GetAccount(ctx context.Context, id string) (loyalty.Account, error) {
	return getAccount(ctx, s.pool, "id = $1", id)
}

func (s *Store) FindAccountByDNI(ctx context.Context, dni string) (loyalty.Account, error) {
	return getAccount(ctx, s.pool, "dni = $1", dni)
}

func (s *Store) ListAccounts(ctx context.Context, role loyalty.Role) ([]loyalty.Account, error) {
	query := accountSelect
	var args []any
	if role != "" {
		query += ` WHERE role = $1`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query accounts")
	}
	defer rows.Close()

	accounts := []loyalty.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func getAccount(ctx context.Context, db querier, where, arg string) (loyalty.Account, error) {
	a, err := scanAccount(db.QueryRow(ctx, accountSelect+` WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Account{}, generic.NotFound("user", arg)
	}
	return a, err
}

func scanAccount(row scanner) (loyalty.Account, error) {
	var (
		a     loyalty.Account
		dni   *string
		spent string
	)
	err := row.Scan(&a.ID, &a.Role, &dni, &a.Name, &a.Email, &a.Phone, &a.Points, &spent, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, classify(err, "scan account")
	}
	a.DNI = deref(dni)
	a.CreatedAt = a.CreatedAt.UTC()
	a.TotalSpent, err = parseDecimal("total_spent", spent)
	return a, err
}

func insertAccount(ctx context.Context, db querier, a loyalty.Account) error {
	_, err := db.Exec(ctx, `
		INSERT INTO users (id, role, dni, name, email, phone, points, total_spent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9)`,
		a.ID, string(a.Role), nullString(a.DNI), a.Name, a.Email, a.Phone,
		a.Points, a.TotalSpent.String(), a.CreatedAt,
	)
	if err != nil {
		return accountWriteError(err, a, "insert account")
	}
	return nil
}

func updateAccountProfile(ctx context.Context, db querier, a loyalty.Account) error {
	tag, err := db.Exec(ctx, `
		UPDATE users SET dni = $2, name = $3, email = $4, phone = $5
		WHERE id = $1`,
		a.ID, nullString(a.DNI), a.Name, a.Email, a.Phone,
	)
	if err != nil {
		return accountWriteError(err, a, "update account")
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound("user", a.ID)
	}
	return nil
}

func accountWriteError(err error, a loyalty.Account, op string) error {
	switch {
	case uniqueViolationOn(err, "users_email_key"):
		return &generic.DuplicateError{Field: "email", Value: a.Email}
	case uniqueViolationOn(err, "users_dni_key"):
		return &generic.DuplicateError{Field: "dni", Value: a.DNI}
	case uniqueViolationOn(err, "users_pkey"):
		return &generic.DuplicateError{Field: "id", Value: a.ID}
	}
	return classify(err, op)
}

// applyDelta adjusts the counters in place. The points CHECK constraint
// rejects a negative balance.
func applyDelta(ctx context.Context, db querier, userID string, points int64, spent decimal.Decimal) error {
	tag, err := db.Exec(ctx, `
		UPDATE users SET points = points + $2, total_spent = total_spent + $3::numeric
		WHERE id = $1`,
		userID, points, spent.String(),
	)
	if err != nil {
		switch pgCode(err) {
		case sqlstateCheckViolation:
			return &generic.InsufficientBalanceError{UserID: userID, Requested: -points}
		case sqlstateNumericOutOfRange:
			return generic.Invalid("points", "balance cannot take %d more points", points)
		}
		return classify(err, "update balance")
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound("user", userID)
	}
	return nil
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

const transactionSelect = `SELECT id, user_id, tx_type, amount::text, points_earned, description,
	redemption_id, idempotency_key, created_at FROM transactions`

func (s *Store) ListTransactions(ctx context.Context, userID string) ([]loyalty.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		transactionSelect+` WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, classify(err, "query transactions")
	}
	defer rows.Close()

	txs := []loyalty.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func getTransaction(ctx context.Context, db querier, id, lock string) (loyalty.Transaction, error) {
	t, err := scanTransaction(db.QueryRow(ctx, transactionSelect+` WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Transaction{}, generic.NotFound("transaction", id)
	}
	return t, err
}

func insertTransaction(ctx context.Context, db querier, t loyalty.Transaction) error {
	_, err := db.Exec(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, points_earned, description, redemption_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, string(t.Type), t.Amount.String(), t.PointsEarned, t.Description,
		nullString(t.RedemptionID), nullString(t.IdempotencyKey), t.CreatedAt,
	)
	if err != nil {
		if uniqueViolationOn(err, "transactions_idempotency_key_key") {
			return &generic.DuplicateError{Field: "idempotency_key", Value: t.IdempotencyKey}
		}
		return classify(err, "insert transaction")
	}
	return nil
}

func scanTransaction(row scanner) (loyalty.Transaction, error) {
	var (
		t              loyalty.Transaction
		amount         string
		redemptionID   *string
		idempotencyKey *string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.PointsEarned, &t.Description,
		&redemptionID, &idempotencyKey, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, err
	}
	if err != nil {
		return t, classify(err, "scan transaction")
	}
	t.RedemptionID = deref(redemptionID)
	t.IdempotencyKey = deref(idempotencyKey)
	t.CreatedAt = t.CreatedAt.UTC()
	t.Amount, err = parseDecimal("amount", amount)
	return t, err
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

const redemptionSelect = `
	SELECT r.id, r.user_id, r.reward_id, COALESCE(w.name, ''), r.points_cost, r.status,
	       r.created_at, r.applied_at, r.cancelled_at
	FROM redemptions r
	LEFT JOIN rewards w ON w.id = r.reward_id`

func (s *Store) GetRedemption(ctx context.Context, id string) (loyalty.Redemption, error) {
	return getRedemption(ctx, s.pool, id, "")
}

func (s *Store) ListRedemptions(ctx context.Context, userID string) ([]loyalty.Redemption, error) {
	query := redemptionSelect
	var args []any
	if userID != "" {
		query += ` WHERE r.user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY r.created_at DESC, r.seq DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query redemptions")
	}
	defer rows.Close()

	out := []loyalty.Redemption{}
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getRedemption(ctx context.Context, db querier, id, lock string) (loyalty.Redemption, error) {
	r, err := scanRedemption(db.QueryRow(ctx, redemptionSelect+` WHERE r.id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Redemption{}, generic.NotFound("redemption", id)
	}
	return r, err
}

func insertRedemption(ctx context.Context, db querier, r loyalty.Redemption) error {
	_, err := db.Exec(ctx, `
		INSERT INTO redemptions
		(id, user_id, reward_id, points_cost, status, created_at, applied_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.UserID, r.RewardID, r.PointsCost, string(r.Status), r.CreatedAt,
		r.AppliedAt, r.CancelledAt,
	)
	if err != nil {
		return classify(err, "insert redemption")
	}
	return nil
}

func updateRedemptionStatus(ctx context.Context, db querier, r loyalty.Redemption) error {
	tag, err := db.Exec(ctx, `
		UPDATE redemptions SET status = $2, applied_at = $3, cancelled_at = $4
		WHERE id = $1 AND status = 'pending'`,
		r.ID, string(r.Status), r.AppliedAt, r.CancelledAt,
	)
	if err != nil {
		return classify(err, "update redemption")
	}
	if tag.RowsAffected() == 0 {
		return &generic.InvalidTransitionError{
			Entity: "redemption", ID: r.ID, From: "non-pending", To: string(r.Status),
		}
	}
	return nil
}

func scanRedemption(row scanner) (loyalty.Redemption, error) {
	var r loyalty.Redemption
	err := row.Scan(&r.ID, &r.UserID, &r.RewardID, &r.RewardName, &r.PointsCost, &r.Status,
		&r.CreatedAt, &r.AppliedAt, &r.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, classify(err, "scan redemption")
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.AppliedAt = utcPtr(r.AppliedAt)
	r.CancelledAt = utcPtr(r.CancelledAt)
	return r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
