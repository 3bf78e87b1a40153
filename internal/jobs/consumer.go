package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"outlay/internal/amqp"
	"outlay/internal/core"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

// Subscriber delivers report job messages to a handler until ctx ends.
type Subscriber interface {
	ConsumeReportJobs(ctx context.Context, prefetch int, handler amqp.Handler) error
}

// ConsumerConfig configures the broker-driven worker pool.
type ConsumerConfig struct {
	Prefetch        int
	Lease           time.Duration
	SweepInterval   time.Duration // how often undispatched jobs are published again
	OrphanAge       time.Duration // minimum age of an undispatched job before the sweep picks it up
	CleanupInterval time.Duration
	Retention       time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Prefetch:        4,
		Lease:           5 * time.Minute,
		SweepInterval:   time.Minute,
		OrphanAge:       2 * time.Minute,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Consumer runs jobs announced over AMQP. A message is acknowledged only
// once its job is terminal, so a worker lost mid-job leaves the message to
// be redelivered to another worker.
type Consumer struct {
	store      Store
	runner     *Runner
	dispatcher Dispatcher
	config     ConsumerConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewConsumer(store Store, runner *Runner, dispatcher Dispatcher, config ConsumerConfig) *Consumer {
	d := DefaultConsumerConfig()
	if config.Prefetch <= 0 {
		config.Prefetch = d.Prefetch
	}
	if config.Lease <= 0 {
		config.Lease = d.Lease
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = d.SweepInterval
	}
	if config.OrphanAge <= 0 {
		config.OrphanAge = d.OrphanAge
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.Retention <= 0 {
		config.Retention = d.Retention
	}
	return &Consumer{
		store:      store,
		runner:     runner,
		dispatcher: dispatcher,
		config:     config,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Run consumes messages and runs the maintenance loop until ctx is done.
func (c *Consumer) Run(ctx context.Context, sub Subscriber) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sub.ConsumeReportJobs(ctx, c.config.Prefetch, c.HandleMessage)
	})
	g.Go(func() error {
		c.maintain(ctx)
		return nil
	})
	return g.Wait()
}

// HandleMessage drives one job to a terminal state, waiting out retry
// delays in between attempts. A job leased by another worker is waited on
// until it finishes or its lease runs out, so the job never runs on two
// workers at once.
func (c *Consumer) HandleMessage(ctx context.Context, msg *amqp.ReportJobMessage) amqp.Outcome {
	logger := slog.With(applog.FieldComponent, applog.ComponentWorker, applog.FieldJobID, msg.JobID)

	for {
		job, err := c.store.GetJob(ctx, msg.JobID)
		if errors.Is(err, storage.ErrNotFound) {
			logger.WarnContext(ctx, "Message for unknown job dropped")
			return amqp.Ack
		}
		if err != nil {
			logger.ErrorContext(ctx, "Failed to load job", applog.FieldError, err)
			return amqp.Requeue
		}
		if job.Status.Terminal() {
			logger.DebugContext(ctx, "Job already finished", applog.FieldStatus, job.Status.String())
			return amqp.Ack
		}

		if wait := c.waitFor(job); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return amqp.Requeue
			}
		}

		claimed, err := c.store.ClaimJob(ctx, job.ID, c.now(), c.config.Lease)
		if errors.Is(err, storage.ErrStaleJob) {
			return amqp.Ack
		}
		if errors.Is(err, storage.ErrJobLeased) {
			logger.DebugContext(ctx, "Job held by another worker", applog.FieldError, err)
			continue
		}
		if err != nil {
			logger.ErrorContext(ctx, "Failed to claim job", applog.FieldError, err)
			return amqp.Requeue
		}

		result, err := c.runner.RunAttempt(ctx, claimed)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to record job outcome", applog.FieldError, err)
			return amqp.Requeue
		}
		if result.Status.Terminal() {
			return amqp.Ack
		}
		if ctx.Err() != nil {
			return amqp.Requeue
		}
	}
}

// waitFor is how long to wait before claiming job: until its retry is due,
// or until the lease of the worker running it expires.
func (c *Consumer) waitFor(job core.Job) time.Duration {
	if job.Status == core.JobRunning {
		return job.LeaseUntil.Sub(c.now())
	}
	return job.RunAt.Sub(c.now())
}

func (c *Consumer) maintain(ctx context.Context) {
	sweep := time.NewTicker(c.config.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(c.config.CleanupInterval)
	defer cleanup.Stop()

	c.SweepOrphans(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			c.SweepOrphans(ctx)
		case <-cleanup.C:
			n, err := c.store.DeleteFinishedJobs(ctx, c.now().Add(-c.config.Retention))
			if err != nil {
				slog.ErrorContext(ctx, "Failed to clean up finished jobs", applog.FieldError, err)
			} else if n > 0 {
				slog.InfoContext(ctx, "Cleaned up finished jobs", "count", n)
			}
		}
	}
}

// SweepOrphans publishes queued jobs whose message never reached the
// broker. It returns how many were dispatched.
func (c *Consumer) SweepOrphans(ctx context.Context) int {
	orphans, err := c.store.ListUndispatchedJobs(ctx, c.now().Add(-c.config.OrphanAge), 100)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list undispatched jobs", applog.FieldError, err)
		return 0
	}

	n := 0
	for _, job := range orphans {
		if err := c.dispatcher.Dispatch(ctx, job); err != nil {
			slog.WarnContext(ctx, "Failed to republish job",
				applog.FieldJobID, job.ID,
				applog.FieldError, err)
			continue
		}
		if err := c.store.MarkJobDispatched(ctx, job.ID, c.now()); err != nil {
			slog.WarnContext(ctx, "Failed to mark republished job",
				applog.FieldJobID, job.ID,
				applog.FieldError, err)
		}
		n++
	}
	if n > 0 {
		slog.InfoContext(ctx, "Republished undispatched jobs", "count", n)
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
