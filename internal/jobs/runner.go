package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outlay/internal/core"
	"outlay/internal/delivery"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

// Runner executes one attempt of a claimed job and records its outcome.
type Runner struct {
	store   Store
	channel delivery.Channel
	backoff BackoffPolicy
	now     func() time.Time
}

func NewRunner(store Store, channel delivery.Channel, backoff BackoffPolicy) *Runner {
	return &Runner{store: store, channel: channel, backoff: backoff, now: time.Now}
}

// RunAttempt runs the pipeline for job, which must be in the running state
// with its attempt already counted, and moves it to succeeded, retrying or
// failed. The returned job reflects the stored state.
func (r *Runner) RunAttempt(ctx context.Context, job core.Job) (core.Job, error) {
	logger := slog.With(applog.NewFields().
		WithJob(job.ID, job.UserID, job.Period.String(), job.AttemptCount).
		WithComponent(applog.ComponentJobs).
		ToSlice()...)

	// The outcome must be recorded even when the worker is shutting down.
	recordCtx := context.WithoutCancel(ctx)

	if job.AttemptCount > job.MaxAttempts {
		return r.fail(recordCtx, logger, job, "attempts exhausted")
	}

	start := r.now()
	err := r.execute(ctx, job)
	elapsed := time.Since(start)

	if err == nil {
		done, err := r.store.CompleteJob(recordCtx, job.ID, r.now())
		if err != nil {
			return r.transitionFailed(logger, job, core.JobSucceeded, err)
		}
		logger.InfoContext(ctx, "Report delivered",
			applog.FieldChannel, r.channel.Name(),
			applog.FieldDuration, elapsed.Milliseconds())
		return done, nil
	}

	if delivery.IsPermanent(err) {
		logger.ErrorContext(ctx, "Report job failed permanently",
			applog.FieldErrorType, applog.ErrorTypePermanent,
			applog.FieldError, err)
		return r.fail(recordCtx, logger, job, err.Error())
	}

	if job.AttemptCount >= job.MaxAttempts {
		return r.fail(recordCtx, logger, job, fmt.Sprintf("retries exhausted after %d attempts: %v", job.AttemptCount, err))
	}

	delay := r.backoff.Delay(job.AttemptCount)
	retry, rerr := r.store.RetryJob(recordCtx, job.ID, r.now().Add(delay), err.Error(), r.now())
	if rerr != nil {
		return r.transitionFailed(logger, job, core.JobRetrying, rerr)
	}
	logger.WarnContext(ctx, "Report attempt failed, retry scheduled",
		applog.FieldErrorType, applog.ErrorTypeRetryable,
		applog.FieldRetryIn, delay.String(),
		applog.FieldError, err)
	return retry, nil
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job core.Job, reason string) (core.Job, error) {
	failed, err := r.store.FailJob(ctx, job.ID, reason, r.now())
	if err != nil {
		return r.transitionFailed(logger, job, core.JobFailed, err)
	}
	logger.ErrorContext(ctx, "Report job failed",
		"attempts", failed.AttemptCount,
		"reason", reason)
	return failed, nil
}

// transitionFailed handles a refused state change. A stale job was moved
// on by someone else, typically a concurrent re-execution; its current
// row is returned.
func (r *Runner) transitionFailed(logger *slog.Logger, job core.Job, to core.JobStatus, err error) (core.Job, error) {
	if errors.Is(err, storage.ErrStaleJob) {
		current, getErr := r.store.GetJob(context.Background(), job.ID)
		if getErr == nil {
			logger.Warn("Job already moved on, outcome discarded",
				"wanted", string(to),
				applog.FieldStatus, string(current.Status))
			return current, nil
		}
	}
	return job, fmt.Errorf("record job %d as %s: %w", job.ID, to, err)
}

// execute is the per-job pipeline: aggregate, render, deliver.
func (r *Runner) execute(ctx context.Context, job core.Job) error {
	user, err := r.store.GetUser(ctx, job.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return delivery.Permanent("invalid destination: user no longer exists")
	}
	if err != nil {
		return delivery.Retryable("load user").Wrap(err)
	}
	if user.Email == "" {
		return delivery.Permanent("invalid destination: user has no email address")
	}

	rows, err := r.store.MonthlySummary(ctx, user.ID, job.Period)
	if err != nil {
		return delivery.Retryable("aggregate expenses").Wrap(err)
	}

	report, err := Render(user, job.Period, rows)
	if err != nil {
		return delivery.Permanent("malformed payload").Wrap(err)
	}

	return r.channel.Deliver(ctx, report)
}
