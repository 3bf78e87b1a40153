package storage

import (
	"context"
	"fmt"
	"time"

	"outlay/internal/core"
	"outlay/internal/dbx"
)

const categoryColumns = `id, owner_id, name, created_at, updated_at`

// FindCategory looks up a category by exact (owner, name).
func (s *Store) FindCategory(ctx context.Context, q dbx.DBTX, ownerID int64, name string) (core.Category, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`SELECT `+categoryColumns+` FROM categories WHERE owner_id = ? AND name = ?`),
		ownerID, name)

	c, err := scanCategory(row)
	if err != nil {
		return core.Category{}, fmt.Errorf("find category: %w", translate(err))
	}
	return c, nil
}

// InsertCategory creates a category. When another writer already holds
// (owner, name) the unique constraint fails and ErrConflict is returned.
func (s *Store) InsertCategory(ctx context.Context, q dbx.DBTX, ownerID int64, name string, now time.Time) (core.Category, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO categories (owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 RETURNING `+categoryColumns),
		ownerID, name, toMillis(now), toMillis(now))

	c, err := scanCategory(row)
	if err != nil {
		return core.Category{}, fmt.Errorf("insert category: %w", translate(err))
	}
	return c, nil
}

// ReassignExpenses moves every expense of ownerID from one category to
// another with a single statement and returns the ids it touched.
func (s *Store) ReassignExpenses(ctx context.Context, q dbx.DBTX, ownerID, fromID, toID int64, now time.Time) ([]int64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`UPDATE expenses SET category_id = ?, updated_at = ?
		 WHERE owner_id = ? AND category_id = ?
		 RETURNING id`),
		toID, toMillis(now), ownerID, fromID)
	if err != nil {
		return nil, fmt.Errorf("reassign expenses: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expense id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reassign expenses: %w", err)
	}
	return ids, nil
}

func scanCategory(row rowScanner) (core.Category, error) {
	var (
		c                core.Category
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &created, &updated); err != nil {
		return core.Category{}, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}
