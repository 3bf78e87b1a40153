// Package category resolves user categories by name. Creation is
// optimistic: the UNIQUE(owner_id, name) constraint decides which of
// several concurrent writers wins and the losers adopt the winner's row.
package category

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outlay/internal/core"
	"outlay/internal/dbx"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

var (
	ErrEmptyName = errors.New("category name is empty")
	// ErrBatchAborted wraps any failure of a rename; nothing was changed.
	ErrBatchAborted = errors.New("category rename aborted")
)

// Store is the persistence the resolver needs. Every call runs on the
// caller's transaction.
type Store interface {
	FindCategory(ctx context.Context, q dbx.DBTX, ownerID int64, name string) (core.Category, error)
	InsertCategory(ctx context.Context, q dbx.DBTX, ownerID int64, name string, now time.Time) (core.Category, error)
	ReassignExpenses(ctx context.Context, q dbx.DBTX, ownerID, fromID, toID int64, now time.Time) ([]int64, error)
}

type Resolver struct {
	db    *sql.DB
	store Store
	now   func() time.Time
}

func NewResolver(db *sql.DB, store Store) *Resolver {
	return &Resolver{db: db, store: store, now: time.Now}
}

// Resolve returns the category (ownerID, name), creating it in its own
// transaction when missing.
func (r *Resolver) Resolve(ctx context.Context, ownerID int64, name string) (core.Category, error) {
	var c core.Category
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		c, err = r.ResolveTx(ctx, tx, ownerID, name)
		return err
	})
	if err != nil {
		return core.Category{}, err
	}
	return c, nil
}

// ResolveTx is Resolve inside the caller's transaction. The insert runs in
// a savepoint so a lost race rolls back only that statement.
func (r *Resolver) ResolveTx(ctx context.Context, tx dbx.DBTX, ownerID int64, name string) (core.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Category{}, ErrEmptyName
	}

	c, err := r.store.FindCategory(ctx, tx, ownerID, name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return core.Category{}, fmt.Errorf("resolve category %q: %w", name, err)
	}

	err = dbx.WithSavepoint(ctx, tx, "resolve_category", func(ctx context.Context) error {
		var insErr error
		c, insErr = r.store.InsertCategory(ctx, tx, ownerID, name, r.now())
		return insErr
	})
	if err == nil {
		slog.DebugContext(ctx, "Category created",
			applog.FieldUserID, ownerID,
			applog.FieldCategory, name,
			"category_id", c.ID)
		return c, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return core.Category{}, fmt.Errorf("create category %q: %w", name, err)
	}

	// Another writer created it between our lookup and insert.
	slog.DebugContext(ctx, "Category created concurrently, adopting existing row",
		applog.FieldUserID, ownerID,
		applog.FieldCategory, name)

	c, err = r.store.FindCategory(ctx, tx, ownerID, name)
	if err != nil {
		return core.Category{}, fmt.Errorf("reload category %q after conflict: %w", name, err)
	}
	return c, nil
}

// RenameResult describes a completed rename. From and To are zero when
// nothing was renamed.
type RenameResult struct {
	UpdatedCount int
	UpdatedIDs   []int64
	From         core.Category
	To           core.Category
}

// Rename moves every expense of ownerID filed under from to to, creating
// the destination if needed. The move is a single transaction: either all
// expenses are reassigned or none. An unknown source is not an error and
// reassigns nothing. The source category itself is kept.
func (r *Resolver) Rename(ctx context.Context, ownerID int64, from, to string) (RenameResult, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return RenameResult{}, ErrEmptyName
	}
	res := RenameResult{UpdatedIDs: []int64{}}
	if from == to {
		return res, nil
	}

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		src, err := r.store.FindCategory(ctx, tx, ownerID, from)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		dst, err := r.ResolveTx(ctx, tx, ownerID, to)
		if err != nil {
			return err
		}

		ids, err := r.store.ReassignExpenses(ctx, tx, ownerID, src.ID, dst.ID, r.now())
		if err != nil {
			return err
		}

		res.From, res.To = src, dst
		res.UpdatedIDs = ids
		res.UpdatedCount = len(ids)
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "Category rename rolled back",
			applog.FieldUserID, ownerID,
			"from", from,
			"to", to,
			applog.FieldError, err)
		return RenameResult{}, fmt.Errorf("%w: %w", ErrBatchAborted, err)
	}

	if res.UpdatedCount > 0 {
		slog.InfoContext(ctx, "Category renamed",
			applog.FieldUserID, ownerID,
			"from", from,
			"to", to,
			"updated_count", res.UpdatedCount)
	}
	return res, nil
}
