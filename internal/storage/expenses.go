package storage

import (
	"context"
	"fmt"
	"log/slog"

	"outlay/internal/core"
	"outlay/internal/dbx"
)

// CreateExpense inserts e. CategoryID must already be resolved.
func (s *Store) CreateExpense(ctx context.Context, q dbx.DBTX, e core.Expense) (core.Expense, error) {
	err := q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO expenses (owner_id, category_id, amount_cents, description, date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		e.OwnerID, e.CategoryID, e.Amount.Cents, e.Description, e.Date.String(),
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt)).Scan(&e.ID)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", translate(err))
	}

	slog.InfoContext(ctx, "Expense saved",
		"id", e.ID,
		"owner_id", e.OwnerID,
		"category_id", e.CategoryID,
		"amount_cents", e.Amount.Cents,
		"date", e.Date.String())

	return e, nil
}

// UpdateExpense rewrites an owned expense. A row owned by somebody else is
// reported as ErrNotFound.
func (s *Store) UpdateExpense(ctx context.Context, q dbx.DBTX, e core.Expense) (core.Expense, error) {
	res, err := q.ExecContext(ctx, s.rebind(
		`UPDATE expenses SET category_id = ?, amount_cents = ?, description = ?, date = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`),
		e.CategoryID, e.Amount.Cents, e.Description, e.Date.String(), toMillis(e.UpdatedAt),
		e.ID, e.OwnerID)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense %d: %w", e.ID, err)
	}
	if err := requireRows(res); err != nil {
		return core.Expense{}, fmt.Errorf("update expense %d: %w", e.ID, err)
	}
	return s.GetExpense(ctx, q, e.OwnerID, e.ID)
}

const expenseSelect = `SELECT e.id, e.owner_id, e.category_id, c.name, e.amount_cents, e.description, e.date, e.created_at, e.updated_at
	 FROM expenses e JOIN categories c ON c.id = e.category_id`

// GetExpense loads an owned expense together with its category name.
func (s *Store) GetExpense(ctx context.Context, q dbx.DBTX, ownerID, id int64) (core.Expense, error) {
	row := q.QueryRowContext(ctx, s.rebind(expenseSelect+` WHERE e.id = ? AND e.owner_id = ?`), id, ownerID)
	e, err := scanExpense(row)
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense %d: %w", id, translate(err))
	}
	return e, nil
}

// ListExpenses returns one page of an owner's expenses, newest first.
func (s *Store) ListExpenses(ctx context.Context, ownerID int64, limit, offset int) ([]core.Expense, error) {
	return s.listExpenses(ctx, s.rebind(expenseSelect+`
		 WHERE e.owner_id = ?
		 ORDER BY e.date DESC, e.id DESC LIMIT ? OFFSET ?`), ownerID, limit, offset)
}

// ListAllExpenses returns one page of every user's expenses, newest first.
func (s *Store) ListAllExpenses(ctx context.Context, limit, offset int) ([]core.Expense, error) {
	return s.listExpenses(ctx, s.rebind(expenseSelect+`
		 ORDER BY e.date DESC, e.id DESC LIMIT ? OFFSET ?`), limit, offset)
}

func (s *Store) listExpenses(ctx context.Context, query string, args ...any) ([]core.Expense, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	expenses := []core.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes an owned expense. A row owned by somebody else is
// reported as ErrNotFound.
func (s *Store) DeleteExpense(ctx context.Context, ownerID, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM expenses WHERE id = ? AND owner_id = ?`), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	if err := requireRows(res); err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	return nil
}

// DeleteAnyExpense removes an expense whoever owns it.
func (s *Store) DeleteAnyExpense(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM expenses WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	if err := requireRows(res); err != nil {
		return fmt.Errorf("delete expense %d: %w", id, err)
	}
	return nil
}

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e                core.Expense
		date             string
		created, updated int64
	)
	err := row.Scan(&e.ID, &e.OwnerID, &e.CategoryID, &e.Category, &e.Amount.Cents,
		&e.Description, &date, &created, &updated)
	if err != nil {
		return core.Expense{}, err
	}

	if e.Date, err = core.ParseDate(date); err != nil {
		return core.Expense{}, fmt.Errorf("expense %d has bad date %q: %w", e.ID, date, err)
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}
