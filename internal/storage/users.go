package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"outlay/internal/core"
)

const userColumns = `id, email, password_hash, role, created_at`

// CreateUser inserts a user. A duplicate email yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, role core.Role, now time.Time) (core.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO users (email, password_hash, role, created_at) VALUES (?, ?, ?, ?)
		 RETURNING `+userColumns),
		email, passwordHash, string(role), toMillis(now))

	u, err := scanUser(row)
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", translate(err))
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (core.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+userColumns+` FROM users WHERE email = ?`),
		strings.ToLower(strings.TrimSpace(email)))

	u, err := scanUser(row)
	if err != nil {
		return core.User{}, fmt.Errorf("get user by email: %w", translate(err))
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (core.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)

	u, err := scanUser(row)
	if err != nil {
		return core.User{}, fmt.Errorf("get user %d: %w", id, translate(err))
	}
	return u, nil
}

// ListUsers returns every registered user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// SetUserRole changes a user's role, used by the admin bootstrap.
func (s *Store) SetUserRole(ctx context.Context, id int64, role core.Role) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET role = ? WHERE id = ?`), string(role), id)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if err := requireRows(res); err != nil {
		return fmt.Errorf("set user role %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (core.User, error) {
	var (
		u       core.User
		role    string
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &created); err != nil {
		return core.User{}, err
	}
	r, err := core.ParseRole(role)
	if err != nil {
		return core.User{}, fmt.Errorf("user %d: %w", u.ID, err)
	}
	u.Role = r
	u.CreatedAt = fromMillis(created)
	return u, nil
}
