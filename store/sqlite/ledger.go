package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// LEDGER ROWS (transactions table)
// =============================================================================

const transactionColumns = `id, user_id, tx_type, amount, points_earned, description,
	redemption_id, idempotency_key, created_at`

// ListTransactions returns a user's ledger newest-first.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]loyalty.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`, userID)
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

func getTransaction(ctx context.Context, db dbtx, id string) (loyalty.Transaction, error) {
	row := db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Transaction{}, generic.NotFound("transaction", id)
	}
	return t, err
}

func insertTransaction(ctx context.Context, db dbtx, t loyalty.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Type, t.Amount.String(), t.PointsEarned, t.Description,
		nullString(t.RedemptionID), nullString(t.IdempotencyKey), formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "transactions.idempotency_key") {
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
		redemptionID   sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.PointsEarned, &t.Description,
		&redemptionID, &idempotencyKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, err
	}
	if err != nil {
		return t, classify(err, "scan transaction")
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	t.RedemptionID = redemptionID.String
	t.IdempotencyKey = idempotencyKey.String
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	return t, nil
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
	return getRedemption(ctx, s.db, id)
}

// ListRedemptions returns redemptions newest-first, for one user or all.
func (s *Store) ListRedemptions(ctx context.Context, userID string) ([]loyalty.Redemption, error) {
	query := redemptionSelect
	var args []any
	if userID != "" {
		query += ` WHERE r.user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY r.created_at DESC, r.rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func getRedemption(ctx context.Context, db dbtx, id string) (loyalty.Redemption, error) {
	r, err := scanRedemption(db.QueryRowContext(ctx, redemptionSelect+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Redemption{}, generic.NotFound("redemption", id)
	}
	return r, err
}

func insertRedemption(ctx context.Context, db dbtx, r loyalty.Redemption) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO redemptions
		(id, user_id, reward_id, points_cost, status, created_at, applied_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.RewardID, r.PointsCost, r.Status, formatTime(r.CreatedAt),
		nullTime(r.AppliedAt), nullTime(r.CancelledAt),
	)
	if err != nil {
		return classify(err, "insert redemption")
	}
	return nil
}

// updateRedemptionStatus only moves pending rows.
func updateRedemptionStatus(ctx context.Context, db dbtx, r loyalty.Redemption) error {
	res, err := db.ExecContext(ctx, `
		UPDATE redemptions SET status = ?, applied_at = ?, cancelled_at = ?
		WHERE id = ? AND status = 'pending'`,
		r.Status, nullTime(r.AppliedAt), nullTime(r.CancelledAt), r.ID,
	)
	if err != nil {
		return classify(err, "update redemption")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &generic.InvalidTransitionError{
			Entity: "redemption", ID: r.ID, From: "non-pending", To: string(r.Status),
		}
	}
	return nil
}

func scanRedemption(row scanner) (loyalty.Redemption, error) {
	var (
		r           loyalty.Redemption
		createdAt   string
		appliedAt   sql.NullString
		cancelledAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RewardID, &r.RewardName, &r.PointsCost, &r.Status,
		&createdAt, &appliedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, classify(err, "scan redemption")
	}

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.AppliedAt, err = parseNullTime(appliedAt); err != nil {
		return r, err
	}
	if r.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return r, err
	}
	return r, nil
}
