/*
catalog.go - Soft-deletable, versionless catalog

PURPOSE:
  Loyalty rules and rewards share the same lifecycle: admins create them,
  edit them while active, and retire them by flipping is_active. Rows are
  never hard-deleted because past transactions recorded points derived from
  them. One generic interface covers both entity types.

LIFECYCLE:
  Create ──▶ active ──(Edit)──▶ active ──(Deactivate)──▶ inactive (terminal)

  Inactive rows can still be fetched by id (history views), but they cannot
  be edited and never show up in ListActive.

SEE ALSO:
  - loyalty/catalog.go: Rule and Reward validation
  - store/sqlite/catalog.go: Table-driven generic implementation
*/
package generic

import "context"

// Entry is a row that can live in a Catalog.
type Entry interface {
	EntryID() string
	EntryActive() bool
}

// Catalog persists soft-deletable entries of one type.
type Catalog[T Entry] interface {
	// Create inserts a new entry.
	Create(ctx context.Context, item T) error

	// Update overwrites an active entry. Returns ErrNotFound if the entry
	// is missing or inactive.
	Update(ctx context.Context, item T) error

	// Get returns the entry regardless of its active flag.
	Get(ctx context.Context, id string) (T, error)

	// ListActive returns active entries in the catalog's natural order.
	ListActive(ctx context.Context) ([]T, error)

	// Deactivate soft-deletes an entry. Returns ErrNotFound if missing.
	Deactivate(ctx context.Context, id string) error
}

// CreateEntry validates item and inserts it.
func CreateEntry[T Entry](ctx context.Context, c Catalog[T], item T, validate func(T) error) (T, error) {
	if validate != nil {
		if err := validate(item); err != nil {
			return item, err
		}
	}
	if err := c.Create(ctx, item); err != nil {
		return item, err
	}
	return item, nil
}

// EditEntry loads an active entry, applies a change, validates the result
// and writes it back.
func EditEntry[T Entry](ctx context.Context, c Catalog[T], kind, id string, apply func(*T), validate func(T) error) (T, error) {
	item, err := c.Get(ctx, id)
	if err != nil {
		return item, err
	}
	if !item.EntryActive() {
		var zero T
		return zero, NotFound(kind, id)
	}

	apply(&item)

	if validate != nil {
		if err := validate(item); err != nil {
			return item, err
		}
	}
	if err := c.Update(ctx, item); err != nil {
		return item, err
	}
	return item, nil
}

// ActiveOnly filters out inactive entries.
func ActiveOnly[T Entry](items []T) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if it.EntryActive() {
			out = append(out, it)
		}
	}
	return out
}
