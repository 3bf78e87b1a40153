package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outlay/internal/core"
	"outlay/internal/dbx"
)

const jobColumns = `id, user_id, year, month, status, attempt_count, max_attempts, run_at, lease_until, dispatched_at, last_error, created_at, updated_at`

// EnqueueJobs inserts one queued job per user, all due now.
func (s *Store) EnqueueJobs(ctx context.Context, userIDs []int64, period core.Period, maxAttempts int, now time.Time) ([]core.Job, error) {
	jobs := make([]core.Job, 0, len(userIDs))
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, userID := range userIDs {
			row := tx.QueryRowContext(ctx, s.rebind(
				`INSERT INTO report_jobs (user_id, year, month, status, attempt_count, max_attempts, run_at, last_error, created_at, updated_at)
				 VALUES (?, ?, ?, ?, 0, ?, ?, '', ?, ?)
				 RETURNING `+jobColumns),
				userID, period.Year, period.Month, string(core.JobQueued), maxAttempts,
				toMillis(now), toMillis(now), toMillis(now))
			job, err := scanJob(row)
			if err != nil {
				return fmt.Errorf("insert job for user %d: %w", userID, err)
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (core.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM report_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if err != nil {
		return core.Job{}, fmt.Errorf("get job %d: %w", id, translate(err))
	}
	return job, nil
}

// ClaimJob moves a queued or retrying job to running and counts the
// attempt. A running job is claimed again only once its lease has expired,
// which means its holder is gone. A live lease yields ErrJobLeased and a
// terminal job ErrStaleJob, both together with the current row.
func (s *Store) ClaimJob(ctx context.Context, id int64, now time.Time, lease time.Duration) (core.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE report_jobs
		 SET status = 'running', attempt_count = attempt_count + 1, lease_until = ?, updated_at = ?
		 WHERE id = ? AND (status IN ('queued', 'retrying')
		       OR (status = 'running' AND (lease_until IS NULL OR lease_until <= ?)))
		 RETURNING `+jobColumns),
		toMillis(now.Add(lease)), toMillis(now), id, toMillis(now))

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Job{}, fmt.Errorf("claim job %d: %w", id, err)
	}

	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return core.Job{}, getErr
	}
	if !current.Status.CanTransition(core.JobRunning) {
		return current, fmt.Errorf("claim job %d in status %s: %w", id, current.Status, ErrStaleJob)
	}
	return current, fmt.Errorf("claim job %d: %w until %s", id, ErrJobLeased, current.LeaseUntil.Format(time.RFC3339))
}

// ClaimDueJobs leases up to limit jobs that are due: queued or retrying
// with run_at reached, or running with an expired lease.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]core.Job, error) {
	const due = `((status IN ('queued', 'retrying') AND run_at <= ?) OR (status = 'running' AND lease_until <= ?))`

	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	var claimed []core.Job
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT id FROM report_jobs WHERE `+due+` ORDER BY run_at, id LIMIT ?`+lock),
			toMillis(now), toMillis(now), limit)
		if err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}

		for _, id := range ids {
			row := tx.QueryRowContext(ctx, s.rebind(
				`UPDATE report_jobs
				 SET status = 'running', attempt_count = attempt_count + 1, lease_until = ?, updated_at = ?
				 WHERE id = ? AND `+due+`
				 RETURNING `+jobColumns),
				toMillis(now.Add(lease)), toMillis(now), id, toMillis(now), toMillis(now))
			job, err := scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("claim job %d: %w", id, err)
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob records running -> succeeded.
func (s *Store) CompleteJob(ctx context.Context, id int64, now time.Time) (core.Job, error) {
	return s.finishAttempt(ctx, id, core.JobSucceeded, now, now, "")
}

// RetryJob records running -> retrying with the next attempt due at runAt.
func (s *Store) RetryJob(ctx context.Context, id int64, runAt time.Time, reason string, now time.Time) (core.Job, error) {
	return s.finishAttempt(ctx, id, core.JobRetrying, runAt, now, reason)
}

// FailJob records running -> failed.
func (s *Store) FailJob(ctx context.Context, id int64, reason string, now time.Time) (core.Job, error) {
	return s.finishAttempt(ctx, id, core.JobFailed, now, now, reason)
}

func (s *Store) finishAttempt(ctx context.Context, id int64, to core.JobStatus, runAt, now time.Time, reason string) (core.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE report_jobs
		 SET status = ?, run_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'
		 RETURNING `+jobColumns),
		string(to), toMillis(runAt), reason, toMillis(now), id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Job{}, fmt.Errorf("job %d -> %s: %w", id, to, ErrStaleJob)
	}
	if err != nil {
		return core.Job{}, fmt.Errorf("job %d -> %s: %w", id, to, err)
	}
	return job, nil
}

// ListUndispatchedJobs returns queued jobs created before cutoff whose
// message was never published: the publish failed or the process died
// between insert and publish.
func (s *Store) ListUndispatchedJobs(ctx context.Context, cutoff time.Time, limit int) ([]core.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+jobColumns+` FROM report_jobs
		 WHERE status = 'queued' AND dispatched_at IS NULL AND created_at < ?
		 ORDER BY id LIMIT ?`),
		toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list undispatched jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list undispatched jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobDispatched records that the job's message reached the broker.
func (s *Store) MarkJobDispatched(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE report_jobs SET dispatched_at = ? WHERE id = ?`), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("mark job %d dispatched: %w", id, err)
	}
	if err := requireRows(res); err != nil {
		return fmt.Errorf("mark job %d dispatched: %w", id, err)
	}
	return nil
}

// DeleteFinishedJobs removes terminal jobs last updated before cutoff.
func (s *Store) DeleteFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM report_jobs WHERE status IN ('succeeded', 'failed') AND updated_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return n, nil
}

// JobStats counts jobs per status.
func (s *Store) JobStats(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM report_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[core.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[core.JobStatus(status)] = n
	}
	return stats, rows.Err()
}

func scanJob(row rowScanner) (core.Job, error) {
	var (
		j                       core.Job
		status                  string
		runAt, created, updated int64
		lease, dispatched       sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Period.Year, &j.Period.Month, &status, &j.AttemptCount,
		&j.MaxAttempts, &runAt, &lease, &dispatched, &j.LastError, &created, &updated)
	if err != nil {
		return core.Job{}, err
	}
	j.Status = core.JobStatus(status)
	j.RunAt = fromMillis(runAt)
	j.LeaseUntil = nullMillis(lease)
	j.DispatchedAt = nullMillis(dispatched)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}
