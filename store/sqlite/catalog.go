package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// GENERIC CATALOG - One implementation, described per table
// =============================================================================

// table describes how one entry type maps onto its catalog table.
// columns lists every column in insert order and must start with
// "id" and end with "is_active", "created_at".
type table[T generic.Entry] struct {
	name    string
	kind    string
	columns []string
	orderBy string
	values  func(T) []any
	scan    func(scanner) (T, error)
}

// mutable are the columns Update may overwrite.
func (t table[T]) mutable() []string {
	return t.columns[1 : len(t.columns)-2]
}

type catalog[T generic.Entry] struct {
	db dbtx
	t  table[T]
}

func (c *catalog[T]) Create(ctx context.Context, item T) error {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(c.t.columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.t.name, strings.Join(c.t.columns, ", "), marks)

	if _, err := c.db.ExecContext(ctx, query, c.t.values(item)...); err != nil {
		if isUniqueConstraintError(err, c.t.name+".id") {
			return &generic.DuplicateError{Field: "id", Value: item.EntryID()}
		}
		return classify(err, "insert "+c.t.kind)
	}
	return nil
}

func (c *catalog[T]) Update(ctx context.Context, item T) error {
	cols := c.t.mutable()
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND is_active = 1",
		c.t.name, strings.Join(sets, ", "))

	vals := c.t.values(item)
	args := append(vals[1:len(vals)-2:len(vals)-2], item.EntryID())
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err, "update "+c.t.kind)
	}
	return expectOne(res, c.t.kind, item.EntryID())
}

func (c *catalog[T]) Get(ctx context.Context, id string) (T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(c.t.columns, ", "), c.t.name)
	item, err := c.t.scan(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, generic.NotFound(c.t.kind, id)
	}
	return item, err
}

func (c *catalog[T]) ListActive(ctx context.Context) ([]T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE is_active = 1 ORDER BY %s",
		strings.Join(c.t.columns, ", "), c.t.name, c.t.orderBy)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "query "+c.t.kind+"s")
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		item, err := c.t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (c *catalog[T]) Deactivate(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET is_active = 0 WHERE id = ?", c.t.name), id)
	if err != nil {
		return classify(err, "deactivate "+c.t.kind)
	}
	return expectOne(res, c.t.kind, id)
}

// =============================================================================
// TABLES
// =============================================================================

// Rules sort by the numeric value of min_amount; ties by id.
var rulesTable = table[loyalty.Rule]{
	name: "loyalty_rules",
	kind: "rule",
	columns: []string{"id", "min_amount", "max_amount", "points_earned", "multiplier",
		"description", "is_active", "created_at"},
	orderBy: "CAST(min_amount AS REAL) DESC, id ASC",
	values: func(r loyalty.Rule) []any {
		var maxAmount sql.NullString
		if r.MaxAmount.Valid {
			maxAmount = sql.NullString{String: r.MaxAmount.Decimal.String(), Valid: true}
		}
		return []any{r.ID, r.MinAmount.String(), maxAmount, r.PointsEarned, r.Multiplier.String(),
			r.Description, r.IsActive, formatTime(r.CreatedAt)}
	},
	scan: func(row scanner) (loyalty.Rule, error) {
		var (
			r         loyalty.Rule
			minRaw    string
			maxRaw    sql.NullString
			multRaw   string
			createdAt string
		)
		err := row.Scan(&r.ID, &minRaw, &maxRaw, &r.PointsEarned, &multRaw, &r.Description, &r.IsActive, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		if err != nil {
			return r, classify(err, "scan rule")
		}

		if r.MinAmount, err = decimal.NewFromString(minRaw); err != nil {
			return r, fmt.Errorf("failed to parse min_amount %q: %w", minRaw, err)
		}
		if maxRaw.Valid {
			d, err := decimal.NewFromString(maxRaw.String)
			if err != nil {
				return r, fmt.Errorf("failed to parse max_amount %q: %w", maxRaw.String, err)
			}
			r.MaxAmount = decimal.NewNullDecimal(d)
		}
		if r.Multiplier, err = decimal.NewFromString(multRaw); err != nil {
			return r, fmt.Errorf("failed to parse multiplier %q: %w", multRaw, err)
		}
		r.CreatedAt, err = parseTime(createdAt)
		return r, err
	},
}

var rewardsTable = table[loyalty.Reward]{
	name:    "rewards",
	kind:    "reward",
	columns: []string{"id", "name", "points_cost", "description", "is_active", "created_at"},
	orderBy: "points_cost ASC, id ASC",
	values: func(r loyalty.Reward) []any {
		return []any{r.ID, r.Name, r.PointsCost, r.Description, r.IsActive, formatTime(r.CreatedAt)}
	},
	scan: func(row scanner) (loyalty.Reward, error) {
		var (
			r         loyalty.Reward
			createdAt string
		)
		err := row.Scan(&r.ID, &r.Name, &r.PointsCost, &r.Description, &r.IsActive, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		if err != nil {
			return r, classify(err, "scan reward")
		}
		r.CreatedAt, err = parseTime(createdAt)
		return r, err
	},
}
