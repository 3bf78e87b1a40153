package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/core"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "outlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *Store, email string) core.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash", core.RoleUser, t0)
	require.NoError(t, err)
	return u
}

func mustCategory(t *testing.T, s *Store, ownerID int64, name string) core.Category {
	t.Helper()
	c, err := s.InsertCategory(context.Background(), s.DB(), ownerID, name, t0)
	require.NoError(t, err)
	return c
}

func mustExpense(t *testing.T, s *Store, ownerID, categoryID, cents int64, date string) core.Expense {
	t.Helper()
	d, err := core.ParseDate(date)
	require.NoError(t, err)
	e, err := s.CreateExpense(context.Background(), s.DB(), core.Expense{
		OwnerID:    ownerID,
		CategoryID: categoryID,
		Amount:     core.Money{Cents: cents},
		Date:       d,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	})
	require.NoError(t, err)
	return e
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}

	q := `SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/tmp/x.db")
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustUser(t, s, " Alice@Example.com ")
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, core.RoleUser, u.Role)

	_, err := s.CreateUser(ctx, "alice@example.com", "other", core.RoleUser, t0)
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUser(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetUserRole(ctx, u.ID, core.RoleAdmin))
	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RoleAdmin, got.Role)

	mustUser(t, s, "bob@example.com")
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestCategories_UniquePerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	food := mustCategory(t, s, alice.ID, "Food")

	_, err := s.InsertCategory(ctx, s.DB(), alice.ID, "Food", t0)
	require.ErrorIs(t, err, ErrConflict)

	// same name, different owner
	mustCategory(t, s, bob.ID, "Food")
	// case differs, distinct category
	mustCategory(t, s, alice.ID, "food")

	found, err := s.FindCategory(ctx, s.DB(), alice.ID, "Food")
	require.NoError(t, err)
	assert.Equal(t, food.ID, found.ID)

	_, err = s.FindCategory(ctx, s.DB(), alice.ID, "Travel")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReassignExpenses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	from := mustCategory(t, s, alice.ID, "Food")
	to := mustCategory(t, s, alice.ID, "Groceries")
	bobs := mustCategory(t, s, bob.ID, "Food")

	e1 := mustExpense(t, s, alice.ID, from.ID, 100, "2025-06-01")
	e2 := mustExpense(t, s, alice.ID, from.ID, 200, "2025-06-02")
	other := mustExpense(t, s, bob.ID, bobs.ID, 300, "2025-06-03")

	ids, err := s.ReassignExpenses(ctx, s.DB(), alice.ID, from.ID, to.ID, t0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{e1.ID, e2.ID}, ids)

	got, err := s.GetExpense(ctx, s.DB(), alice.ID, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", got.Category)

	untouched, err := s.GetExpense(ctx, s.DB(), bob.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, bobs.ID, untouched.CategoryID)
}

func TestUpdateExpense_OwnerScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")
	cat := mustCategory(t, s, alice.ID, "Food")
	e := mustExpense(t, s, alice.ID, cat.ID, 100, "2025-06-01")

	e.Amount = core.Money{Cents: 250}
	e.Description = "lunch"
	updated, err := s.UpdateExpense(ctx, s.DB(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(250), updated.Amount.Cents)
	assert.Equal(t, "lunch", updated.Description)

	e.OwnerID = bob.ID
	_, err = s.UpdateExpense(ctx, s.DB(), e)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDeleteExpenses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")
	food := mustCategory(t, s, alice.ID, "Food")
	rent := mustCategory(t, s, bob.ID, "Rent")

	older := mustExpense(t, s, alice.ID, food.ID, 100, "2025-06-01")
	newer := mustExpense(t, s, alice.ID, food.ID, 200, "2025-06-20")
	bobs := mustExpense(t, s, bob.ID, rent.ID, 90000, "2025-06-10")

	mine, err := s.ListExpenses(ctx, alice.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, newer.ID, mine[0].ID)
	assert.Equal(t, "Food", mine[0].Category)

	page, err := s.ListExpenses(ctx, alice.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)

	all, err := s.ListAllExpenses(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ListExpenses(ctx, 4242, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	require.ErrorIs(t, s.DeleteExpense(ctx, alice.ID, bobs.ID), ErrNotFound)
	require.NoError(t, s.DeleteExpense(ctx, alice.ID, older.ID))
	require.ErrorIs(t, s.DeleteExpense(ctx, alice.ID, older.ID), ErrNotFound)

	require.NoError(t, s.DeleteAnyExpense(ctx, bobs.ID))
	require.ErrorIs(t, s.DeleteAnyExpense(ctx, bobs.ID), ErrNotFound)

	all, err = s.ListAllExpenses(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, newer.ID, all[0].ID)
}

func TestMonthlySummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	food := mustCategory(t, s, alice.ID, "Food")
	rent := mustCategory(t, s, alice.ID, "Rent")
	bobFood := mustCategory(t, s, bob.ID, "Food")

	mustExpense(t, s, alice.ID, food.ID, 1500, "2025-06-01")
	mustExpense(t, s, alice.ID, food.ID, 2500, "2025-06-30")
	mustExpense(t, s, alice.ID, rent.ID, 90000, "2025-06-10")
	mustExpense(t, s, alice.ID, food.ID, 700, "2025-05-31") // previous month
	mustExpense(t, s, alice.ID, food.ID, 800, "2025-07-01") // next month
	mustExpense(t, s, bob.ID, bobFood.ID, 99999, "2025-06-05")

	totals, err := s.MonthlySummary(ctx, alice.ID, core.Period{Year: 2025, Month: 6})
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, core.CategoryTotal{Name: "Rent", Total: core.Money{Cents: 90000}}, totals[0])
	assert.Equal(t, core.CategoryTotal{Name: "Food", Total: core.Money{Cents: 4000}}, totals[1])

	empty, err := s.MonthlySummary(ctx, alice.ID, core.Period{Year: 2024, Month: 1})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	jobs, err := s.EnqueueJobs(ctx, []int64{alice.ID, bob.ID}, core.Period{Year: 2025, Month: 6}, 5, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, core.JobQueued, jobs[0].Status)
	assert.Equal(t, 0, jobs[0].AttemptCount)
	assert.Equal(t, 5, jobs[0].MaxAttempts)

	id := jobs[0].ID
	claimed, err := s.ClaimJob(ctx, id, t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	assert.True(t, claimed.LeaseUntil.Equal(t0.Add(time.Minute)))

	retry, err := s.RetryJob(ctx, id, t0.Add(2*time.Second), "smtp timeout", t0)
	require.NoError(t, err)
	assert.Equal(t, core.JobRetrying, retry.Status)
	assert.Equal(t, "smtp timeout", retry.LastError)
	assert.True(t, retry.LeaseUntil.IsZero())

	// only running jobs may finish an attempt
	_, err = s.CompleteJob(ctx, id, t0)
	require.ErrorIs(t, err, ErrStaleJob)

	claimed, err = s.ClaimJob(ctx, id, t0.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)

	done, err := s.CompleteJob(ctx, id, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, done.Status)

	// a live lease keeps other workers out until it expires
	leased, err := s.ClaimJob(ctx, id, t0.Add(2*time.Second+time.Second), time.Minute)
	require.ErrorIs(t, err, ErrJobLeased)
	assert.Equal(t, 2, leased.AttemptCount)

	// terminal jobs cannot be claimed or moved
	current, err := s.ClaimJob(ctx, id, t0.Add(4*time.Second), time.Minute)
	require.ErrorIs(t, err, ErrStaleJob)
	assert.Equal(t, core.JobSucceeded, current.Status)
	_, err = s.FailJob(ctx, id, "late", t0)
	require.ErrorIs(t, err, ErrStaleJob)

	_, err = s.ClaimJob(ctx, 4242, t0, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)

	stats, err := s.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[core.JobSucceeded])
	assert.Equal(t, 1, stats[core.JobQueued])
}

func TestClaimDueJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")
	carol := mustUser(t, s, "carol@example.com")

	jobs, err := s.EnqueueJobs(ctx, []int64{alice.ID, bob.ID, carol.ID}, core.Period{Year: 2025, Month: 6}, 5, t0)
	require.NoError(t, err)

	// job 0 retries in the future, job 1 is leased by a worker that dies
	_, err = s.ClaimJob(ctx, jobs[0].ID, t0, time.Minute)
	require.NoError(t, err)
	_, err = s.RetryJob(ctx, jobs[0].ID, t0.Add(time.Hour), "remote busy", t0)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, jobs[1].ID, t0, time.Minute)
	require.NoError(t, err)

	claimed, err := s.ClaimDueJobs(ctx, t0.Add(time.Second), time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobs[2].ID, claimed[0].ID)

	// lease of job 1 expired, job 2 is still leased
	claimed, err = s.ClaimDueJobs(ctx, t0.Add(2*time.Minute), time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobs[1].ID, claimed[0].ID)
	assert.Equal(t, 2, claimed[0].AttemptCount)

	claimed, err = s.ClaimDueJobs(ctx, t0.Add(3*time.Hour), time.Hour, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = s.ClaimDueJobs(ctx, t0.Add(3*time.Hour), time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestUndispatchedAndFinishedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	jobs, err := s.EnqueueJobs(ctx, []int64{alice.ID, bob.ID}, core.Period{Year: 2025, Month: 6}, 5, t0)
	require.NoError(t, err)

	orphans, err := s.ListUndispatchedJobs(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans, "jobs younger than the cutoff are left alone")

	orphans, err = s.ListUndispatchedJobs(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)

	require.NoError(t, s.MarkJobDispatched(ctx, jobs[0].ID, t0.Add(time.Second)))
	got, err := s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.True(t, got.DispatchedAt.Equal(t0.Add(time.Second)))

	orphans, err = s.ListUndispatchedJobs(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, jobs[1].ID, orphans[0].ID)

	require.ErrorIs(t, s.MarkJobDispatched(ctx, 4242, t0), ErrNotFound)

	_, err = s.ClaimJob(ctx, jobs[1].ID, t0, time.Minute)
	require.NoError(t, err)
	_, err = s.FailJob(ctx, jobs[1].ID, "invalid destination", t0)
	require.NoError(t, err)

	n, err := s.DeleteFinishedJobs(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, jobs[1].ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
}
