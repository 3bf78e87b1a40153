// Package jobs runs monthly report jobs outside the request path with
// at-least-once execution and failure-aware retries.
package jobs

import (
	"context"
	"time"

	"outlay/internal/core"
)

// Store is the persistence the queue, runner and pools need.
type Store interface {
	EnqueueJobs(ctx context.Context, userIDs []int64, period core.Period, maxAttempts int, now time.Time) ([]core.Job, error)
	GetJob(ctx context.Context, id int64) (core.Job, error)
	ClaimJob(ctx context.Context, id int64, now time.Time, lease time.Duration) (core.Job, error)
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]core.Job, error)
	CompleteJob(ctx context.Context, id int64, now time.Time) (core.Job, error)
	RetryJob(ctx context.Context, id int64, runAt time.Time, reason string, now time.Time) (core.Job, error)
	FailJob(ctx context.Context, id int64, reason string, now time.Time) (core.Job, error)
	ListUndispatchedJobs(ctx context.Context, cutoff time.Time, limit int) ([]core.Job, error)
	MarkJobDispatched(ctx context.Context, id int64, now time.Time) error
	DeleteFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error)

	GetUser(ctx context.Context, id int64) (core.User, error)
	ListUsers(ctx context.Context) ([]core.User, error)
	MonthlySummary(ctx context.Context, userID int64, period core.Period) ([]core.CategoryTotal, error)
}
