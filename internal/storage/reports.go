package storage

import (
	"context"
	"fmt"

	"outlay/internal/core"
)

// MonthlySummary returns the user's totals per category name for the
// period, largest first. Dates are compared as YYYY-MM-DD strings.
func (s *Store) MonthlySummary(ctx context.Context, userID int64, period core.Period) ([]core.CategoryTotal, error) {
	start, end := period.Bounds()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT c.name, CAST(SUM(e.amount_cents) AS BIGINT) AS total
		 FROM categories c
		 JOIN expenses e ON e.category_id = c.id
		 WHERE e.owner_id = ? AND e.date >= ? AND e.date < ?
		 GROUP BY c.name
		 ORDER BY total DESC, c.name ASC`),
		userID, start.String(), end.String())
	if err != nil {
		return nil, fmt.Errorf("monthly summary: %w", err)
	}
	defer rows.Close()

	var totals []core.CategoryTotal
	for rows.Next() {
		var t core.CategoryTotal
		if err := rows.Scan(&t.Name, &t.Total.Cents); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monthly summary: %w", err)
	}
	return totals, nil
}
