package category

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/core"
	"outlay/internal/dbx"
	"outlay/internal/storage"
)

var now = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.Store
	resolver *Resolver
	owner    core.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "outlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	owner, err := s.CreateUser(ctx, "alice@example.com", "hash", core.RoleUser, now)
	require.NoError(t, err)

	r := NewResolver(s.DB(), s)
	r.now = func() time.Time { return now }
	return fixture{store: s, resolver: r, owner: owner}
}

func (f fixture) expense(t *testing.T, categoryID, cents int64) core.Expense {
	t.Helper()
	e, err := f.store.CreateExpense(context.Background(), f.store.DB(), core.Expense{
		OwnerID:    f.owner.ID,
		CategoryID: categoryID,
		Amount:     core.Money{Cents: cents},
		Date:       core.NewDate(2025, 6, 1),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	return e
}

func (f fixture) categoryOf(t *testing.T, expenseID int64) int64 {
	t.Helper()
	e, err := f.store.GetExpense(context.Background(), f.store.DB(), f.owner.ID, expenseID)
	require.NoError(t, err)
	return e.CategoryID
}

func countCategories(t *testing.T, db *sql.DB, ownerID int64, name string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM categories WHERE owner_id = ? AND name = ?`, ownerID, name).Scan(&n))
	return n
}

func TestResolve_CreatesOnceThenFinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, f.owner.ID, "  Food ")
	require.NoError(t, err)
	assert.Equal(t, "Food", first.Name)

	again, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, countCategories(t, f.store.DB(), f.owner.ID, "Food"))
}

func TestResolve_EmptyName(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), f.owner.ID, "   ")
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestResolve_CaseSensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upper, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	lower, err := f.resolver.Resolve(ctx, f.owner.ID, "food")
	require.NoError(t, err)
	assert.NotEqual(t, upper.ID, lower.ID)
}

func TestResolve_ConcurrentCallersConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 50
	var (
		wg   sync.WaitGroup
		ids  = make([]int64, callers)
		errs = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, ids[0], ids[i], "caller %d", i)
	}
	assert.Equal(t, 1, countCategories(t, f.store.DB(), f.owner.ID, "Food"))
}

// racingStore simulates a writer that commits the same category between
// the lookup and the insert.
type racingStore struct {
	winner  core.Category
	finds   int
	inserts int
}

func (s *racingStore) FindCategory(_ context.Context, _ dbx.DBTX, _ int64, _ string) (core.Category, error) {
	s.finds++
	if s.finds == 1 {
		return core.Category{}, fmt.Errorf("find category: %w", storage.ErrNotFound)
	}
	return s.winner, nil
}

func (s *racingStore) InsertCategory(context.Context, dbx.DBTX, int64, string, time.Time) (core.Category, error) {
	s.inserts++
	return core.Category{}, fmt.Errorf("insert category: %w", storage.ErrConflict)
}

func (s *racingStore) ReassignExpenses(context.Context, dbx.DBTX, int64, int64, int64, time.Time) ([]int64, error) {
	return nil, errors.New("not used")
}

type recordingTx struct {
	statements []string
}

func (tx *recordingTx) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	tx.statements = append(tx.statements, query)
	return driver.RowsAffected(0), nil
}

func (tx *recordingTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not used")
}

func (tx *recordingTx) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func TestResolveTx_ConflictAdoptsWinner(t *testing.T) {
	store := &racingStore{winner: core.Category{ID: 99, OwnerID: 1, Name: "Food"}}
	tx := &recordingTx{}
	r := NewResolver(nil, store)

	c, err := r.ResolveTx(context.Background(), tx, 1, "Food")
	require.NoError(t, err)
	assert.Equal(t, int64(99), c.ID)
	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, 2, store.finds)

	assert.Equal(t, []string{
		"SAVEPOINT resolve_category",
		"ROLLBACK TO SAVEPOINT resolve_category",
		"RELEASE SAVEPOINT resolve_category",
	}, tx.statements)
}

func TestRename_MovesAllExpenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	food, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	e1 := f.expense(t, food.ID, 100)
	e2 := f.expense(t, food.ID, 200)

	res, err := f.resolver.Rename(ctx, f.owner.ID, "Food", "Groceries")
	require.NoError(t, err)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.ElementsMatch(t, []int64{e1.ID, e2.ID}, res.UpdatedIDs)
	assert.Equal(t, "Groceries", res.To.Name)
	assert.Equal(t, food.ID, res.From.ID)

	assert.Equal(t, res.To.ID, f.categoryOf(t, e1.ID))
	assert.Equal(t, res.To.ID, f.categoryOf(t, e2.ID))
	// source category survives
	assert.Equal(t, 1, countCategories(t, f.store.DB(), f.owner.ID, "Food"))
}

func TestRename_UnknownSourceIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Rename(context.Background(), f.owner.ID, "Nope", "Groceries")
	require.NoError(t, err)
	assert.Zero(t, res.UpdatedCount)
	assert.Empty(t, res.UpdatedIDs)
	assert.Equal(t, 0, countCategories(t, f.store.DB(), f.owner.ID, "Groceries"))
}

func TestRename_SameNameIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	f.expense(t, food.ID, 100)

	res, err := f.resolver.Rename(ctx, f.owner.ID, "Food", " Food ")
	require.NoError(t, err)
	assert.Zero(t, res.UpdatedCount)
}

func TestRename_CaseOnlyIsNotNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	e := f.expense(t, food.ID, 100)

	res, err := f.resolver.Rename(ctx, f.owner.ID, "Food", "food")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedCount)
	assert.NotEqual(t, food.ID, f.categoryOf(t, e.ID))
}

func TestRename_IntoExistingCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)
	groceries, err := f.resolver.Resolve(ctx, f.owner.ID, "Groceries")
	require.NoError(t, err)
	e := f.expense(t, food.ID, 100)

	res, err := f.resolver.Rename(ctx, f.owner.ID, "Food", "Groceries")
	require.NoError(t, err)
	assert.Equal(t, groceries.ID, res.To.ID)
	assert.Equal(t, groceries.ID, f.categoryOf(t, e.ID))
}

func TestRename_FailureMidBatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	food, err := f.resolver.Resolve(ctx, f.owner.ID, "Food")
	require.NoError(t, err)

	var expenses []core.Expense
	for i := 0; i < 5; i++ {
		expenses = append(expenses, f.expense(t, food.ID, int64(100+i)))
	}

	_, err = f.store.DB().Exec(fmt.Sprintf(`
		CREATE TRIGGER fail_mid_batch BEFORE UPDATE OF category_id ON expenses
		WHEN NEW.id = %d
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`, expenses[3].ID))
	require.NoError(t, err)

	_, err = f.resolver.Rename(ctx, f.owner.ID, "Food", "Groceries")
	require.ErrorIs(t, err, ErrBatchAborted)
	assert.ErrorContains(t, err, "injected failure")

	for _, e := range expenses {
		assert.Equal(t, food.ID, f.categoryOf(t, e.ID), "expense %d", e.ID)
	}
	// the destination created inside the batch is rolled back too
	assert.Equal(t, 0, countCategories(t, f.store.DB(), f.owner.ID, "Groceries"))
}

func TestRename_EmptyNames(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Rename(context.Background(), f.owner.ID, "", "x")
	require.ErrorIs(t, err, ErrEmptyName)
	_, err = f.resolver.Rename(context.Background(), f.owner.ID, "x", "  ")
	require.ErrorIs(t, err, ErrEmptyName)
}
