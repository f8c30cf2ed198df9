package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/generic"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// GENERIC CATALOG
// =============================================================================

// column is a catalog column. Numeric columns travel as text.
type column struct {
	name    string
	numeric bool
}

func (c column) selectExpr() string {
	if c.numeric {
		return c.name + "::text"
	}
	return c.name
}

func (c column) placeholder(n int) string {
	if c.numeric {
		return fmt.Sprintf("$%d::numeric", n)
	}
	return fmt.Sprintf("$%d", n)
}

// table maps an entry type to its table. columns start with id and end
// with is_active, created_at.
type table[T generic.Entry] struct {
	name    string
	kind    string
	columns []column
	orderBy string
	values  func(T) []any
	scan    func(scanner) (T, error)
}

func (t table[T]) selectList() string {
	exprs := make([]string, len(t.columns))
	for i, c := range t.columns {
		exprs[i] = c.selectExpr()
	}
	return strings.Join(exprs, ", ")
}

type catalog[T generic.Entry] struct {
	db querier
	t  table[T]
}

func (c *catalog[T]) Create(ctx context.Context, item T) error {
	names := make([]string, len(c.t.columns))
	marks := make([]string, len(c.t.columns))
	for i, col := range c.t.columns {
		names[i] = col.name
		marks[i] = col.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.t.name, strings.Join(names, ", "), strings.Join(marks, ", "))

	if _, err := c.db.Exec(ctx, query, c.t.values(item)...); err != nil {
		if uniqueViolationOn(err, c.t.name+"_pkey") {
			return &generic.DuplicateError{Field: "id", Value: item.EntryID()}
		}
		return classify(err, "insert "+c.t.kind)
	}
	return nil
}

func (c *catalog[T]) Update(ctx context.Context, item T) error {
	mutable := c.t.columns[1 : len(c.t.columns)-2]
	sets := make([]string, len(mutable))
	for i, col := range mutable {
		sets[i] = col.name + " = " + col.placeholder(i+2)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 AND is_active",
		c.t.name, strings.Join(sets, ", "))

	vals := c.t.values(item)
	args := append([]any{item.EntryID()}, vals[1:len(vals)-2]...)
	tag, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "update "+c.t.kind)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound(c.t.kind, item.EntryID())
	}
	return nil
}

func (c *catalog[T]) Get(ctx context.Context, id string) (T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", c.t.selectList(), c.t.name)
	item, err := c.t.scan(c.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, generic.NotFound(c.t.kind, id)
	}
	return item, err
}

func (c *catalog[T]) ListActive(ctx context.Context) ([]T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE is_active ORDER BY %s",
		c.t.selectList(), c.t.name, c.t.orderBy)
	rows, err := c.db.Query(ctx, query)
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
	tag, err := c.db.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET is_active = FALSE WHERE id = $1", c.t.name), id)
	if err != nil {
		return classify(err, "deactivate "+c.t.kind)
	}
	if tag.RowsAffected() == 0 {
		return generic.NotFound(c.t.kind, id)
	}
	return nil
}

// =============================================================================
// TABLES
// =============================================================================

var rulesTable = table[loyalty.Rule]{
	name: "loyalty_rules",
	kind: "rule",
	columns: []column{
		{name: "id"},
		{name: "min_amount", numeric: true},
		{name: "max_amount", numeric: true},
		{name: "points_earned"},
		{name: "multiplier", numeric: true},
		{name: "description"},
		{name: "is_active"},
		{name: "created_at"},
	},
	orderBy: "min_amount DESC, id ASC",
	values: func(r loyalty.Rule) []any {
		var maxAmount *string
		if r.MaxAmount.Valid {
			s := r.MaxAmount.Decimal.String()
			maxAmount = &s
		}
		return []any{r.ID, r.MinAmount.String(), maxAmount, r.PointsEarned, r.Multiplier.String(),
			r.Description, r.IsActive, r.CreatedAt}
	},
	scan: func(row scanner) (loyalty.Rule, error) {
		var (
			r               loyalty.Rule
			minRaw, multRaw string
			maxRaw          *string
			createdAt       time.Time
		)
		err := row.Scan(&r.ID, &minRaw, &maxRaw, &r.PointsEarned, &multRaw, &r.Description, &r.IsActive, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		if err != nil {
			return r, classify(err, "scan rule")
		}
		r.CreatedAt = createdAt.UTC()

		if r.MinAmount, err = parseDecimal("min_amount", minRaw); err != nil {
			return r, err
		}
		if maxRaw != nil {
			d, err := parseDecimal("max_amount", *maxRaw)
			if err != nil {
				return r, err
			}
			r.MaxAmount = decimal.NewNullDecimal(d)
		}
		r.Multiplier, err = parseDecimal("multiplier", multRaw)
		return r, err
	},
}

var rewardsTable = table[loyalty.Reward]{
	name: "rewards",
	kind: "reward",
	columns: []column{
		{name: "id"}, {name: "name"}, {name: "points_cost"}, {name: "description"},
		{name: "is_active"}, {name: "created_at"},
	},
	orderBy: "points_cost ASC, id ASC",
	values: func(r loyalty.Reward) []any {
		return []any{r.ID, r.Name, r.PointsCost, r.Description, r.IsActive, r.CreatedAt}
	},
	scan: func(row scanner) (loyalty.Reward, error) {
		var r loyalty.Reward
		err := row.Scan(&r.ID, &r.Name, &r.PointsCost, &r.Description, &r.IsActive, &r.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		if err != nil {
			return r, classify(err, "scan reward")
		}
		r.CreatedAt = r.CreatedAt.UTC()
		return r, nil
	},
}
