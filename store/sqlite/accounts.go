package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// ACCOUNTS (users table)
// =============================================================================

const accountColumns = `id, role, dni, name, email, phone, points, total_spent, created_at`

func (s *Store) GetAccount(ctx context.Context, id string) (loyalty.Account, error) {
	return getAccount(ctx, s.db, "id = ?", id)
}

func (s *Store) FindAccountByDNI(ctx context.Context, dni string) (loyalty.Account, error) {
	return getAccount(ctx, s.db, "dni = ?", dni)
}

// ListAccounts returns accounts newest-first. An empty role lists all.
func (s *Store) ListAccounts(ctx context.Context, role loyalty.Role) ([]loyalty.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func getAccount(ctx context.Context, db dbtx, where string, arg string) (loyalty.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE `+where, arg)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Account{}, generic.NotFound("user", arg)
	}
	return a, err
}

func scanAccount(row scanner) (loyalty.Account, error) {
	var (
		a         loyalty.Account
		dni       sql.NullString
		spent     string
		createdAt string
	)
	err := row.Scan(&a.ID, &a.Role, &dni, &a.Name, &a.Email, &a.Phone, &a.Points, &spent, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, classify(err, "scan account")
	}

	a.DNI = dni.String
	if a.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return a, fmt.Errorf("failed to parse total_spent %q: %w", spent, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

func insertAccount(ctx context.Context, db dbtx, a loyalty.Account) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Role, nullString(a.DNI), a.Name, a.Email, a.Phone,
		a.Points, a.TotalSpent.String(), formatTime(a.CreatedAt),
	)
	if err != nil {
		return accountWriteError(err, a, "insert account")
	}
	return nil
}

func updateAccountProfile(ctx context.Context, db dbtx, a loyalty.Account) error {
	res, err := db.ExecContext(ctx, `
		UPDATE users SET dni = ?, name = ?, email = ?, phone = ?
		WHERE id = ?`,
		nullString(a.DNI), a.Name, a.Email, a.Phone, a.ID,
	)
	if err != nil {
		return accountWriteError(err, a, "update account")
	}
	return expectOne(res, "user", a.ID)
}

func accountWriteError(err error, a loyalty.Account, op string) error {
	switch {
	case isUniqueConstraintError(err, "users.email"):
		return &generic.DuplicateError{Field: "email", Value: a.Email}
	case isUniqueConstraintError(err, "users.dni"):
		return &generic.DuplicateError{Field: "dni", Value: a.DNI}
	case isUniqueConstraintError(err, "users.id"):
		return &generic.DuplicateError{Field: "id", Value: a.ID}
	}
	return classify(err, op)
}

// applyDelta adjusts the counters. total_spent is TEXT, so the new value is
// computed here; the caller's write lock makes the read-modify-write safe.
func applyDelta(ctx context.Context, db dbtx, userID string, points int64, spent decimal.Decimal) error {
	var (
		current int64
		raw     string
	)
	err := db.QueryRowContext(ctx,
		`SELECT points, total_spent FROM users WHERE id = ?`, userID,
	).Scan(&current, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.NotFound("user", userID)
	}
	if err != nil {
		return classify(err, "read balance")
	}

	total, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("failed to parse total_spent %q: %w", raw, err)
	}
	if points > 0 && current > math.MaxInt64-points {
		return generic.Invalid("points", "balance %d cannot take %d more points", current, points)
	}
	if current+points < 0 {
		return &generic.InsufficientBalanceError{UserID: userID, Available: current, Requested: -points}
	}

	_, err = db.ExecContext(ctx,
		`UPDATE users SET points = ?, total_spent = ? WHERE id = ?`,
		current+points, total.Add(spent).String(), userID,
	)
	if err != nil {
		return classify(err, "update balance")
	}
	return nil
}
