package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outlay/internal/core"
	applog "outlay/internal/log"
)

// Dispatcher hands a persisted job to the transport that will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job core.Job) error
}

// Publisher is the AMQP side of a Dispatcher.
type Publisher interface {
	PublishReportJob(ctx context.Context, jobID int64) error
}

// AMQPDispatcher publishes one message per job.
type AMQPDispatcher struct {
	Publisher Publisher
}

func (d AMQPDispatcher) Dispatch(ctx context.Context, job core.Job) error {
	return d.Publisher.PublishReportJob(ctx, job.ID)
}

// PollDispatcher does nothing: polling workers find queued rows by
// themselves.
type PollDispatcher struct{}

func (PollDispatcher) Dispatch(context.Context, core.Job) error { return nil }

// EnqueueResult summarises an admin-triggered enqueue.
type EnqueueResult struct {
	Queued int
	Period core.Period
	Jobs   []core.Job
}

// Queue persists jobs and dispatches them. It never runs a job itself, so
// enqueueing returns as soon as the rows are written.
type Queue struct {
	store       Store
	dispatcher  Dispatcher
	maxAttempts int
	now         func() time.Time
}

func NewQueue(store Store, dispatcher Dispatcher, maxAttempts int) *Queue {
	if dispatcher == nil {
		dispatcher = PollDispatcher{}
	}
	return &Queue{store: store, dispatcher: dispatcher, maxAttempts: maxAttempts, now: time.Now}
}

// Enqueue creates one job for userID and period.
func (q *Queue) Enqueue(ctx context.Context, userID int64, period core.Period) (core.Job, error) {
	jobs, err := q.enqueue(ctx, []int64{userID}, period)
	if err != nil {
		return core.Job{}, err
	}
	return jobs[0], nil
}

// EnqueueMonthly creates one job per registered user. With no users it
// returns a zero result and no error.
func (q *Queue) EnqueueMonthly(ctx context.Context, period core.Period) (EnqueueResult, error) {
	users, err := q.store.ListUsers(ctx)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		return EnqueueResult{Period: period}, nil
	}

	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	jobs, err := q.enqueue(ctx, ids, period)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Queued: len(jobs), Period: period, Jobs: jobs}, nil
}

func (q *Queue) enqueue(ctx context.Context, userIDs []int64, period core.Period) ([]core.Job, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	jobs, err := q.store.EnqueueJobs(ctx, userIDs, period, q.maxAttempts, q.now())
	if err != nil {
		return nil, err
	}

	// A job left undispatched is republished by the consumer's sweep.
	for i, job := range jobs {
		if err := q.dispatcher.Dispatch(ctx, job); err != nil {
			slog.WarnContext(ctx, "Job persisted but not dispatched",
				applog.FieldJobID, job.ID,
				applog.FieldUserID, job.UserID,
				applog.FieldError, err)
			continue
		}
		now := q.now()
		if err := q.store.MarkJobDispatched(ctx, job.ID, now); err != nil {
			slog.WarnContext(ctx, "Failed to mark job dispatched",
				applog.FieldJobID, job.ID,
				applog.FieldError, err)
			continue
		}
		jobs[i].DispatchedAt = now
	}

	slog.InfoContext(ctx, "Report jobs enqueued",
		applog.FieldPeriod, period.String(),
		"count", len(jobs))
	return jobs, nil
}
