package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	applog "outlay/internal/log"
)

// PollerConfig holds configuration for the polling worker pool
type PollerConfig struct {
	// Concurrency bounds jobs claimed and run per tick (default: 4)
	Concurrency int

	// PollInterval is how often due jobs are claimed (default: 2s)
	PollInterval time.Duration

	// Lease is how long a claimed job is owned before another worker may
	// take it over (default: 5m)
	Lease time.Duration

	// CleanupInterval is how often finished jobs are purged (default: 1h)
	CleanupInterval time.Duration

	// Retention is how long finished jobs are kept (default: 7 days)
	Retention time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Concurrency:     4,
		PollInterval:    2 * time.Second,
		Lease:           5 * time.Minute,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	d := DefaultPollerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Poller is a worker pool that claims due jobs straight from the database.
// It needs no broker, and any number of pollers may share one database
// since claims are leased.
type Poller struct {
	store  Store
	runner *Runner
	config PollerConfig
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	doneCh   chan struct{}
}

func NewPoller(store Store, runner *Runner, config PollerConfig) *Poller {
	return &Poller{
		store:  store,
		runner: runner,
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// Start begins the polling loop. Returns an error if already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stopOnce = new(sync.Once)
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	slog.InfoContext(ctx, "Job poller started",
		applog.FieldComponent, applog.ComponentWorker,
		"poll_interval", p.config.PollInterval,
		"concurrency", p.config.Concurrency)
	return nil
}

// Stop signals the loop and waits for in-flight attempts to be recorded.
// It is safe to call concurrently and after the loop exited on its own.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, once, doneCh := p.stopCh, p.stopOnce, p.doneCh
	p.mu.Unlock()

	once.Do(func() { close(stopCh) })

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Job poller stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Job poller stop timed out")
		return ctx.Err()
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(doneCh)
	}()

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	p.Tick(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.Tick(ctx)
		case <-cleanupTicker.C:
			p.Cleanup(ctx)
		}
	}
}

// Tick claims up to Concurrency due jobs and runs them in parallel. It
// returns the number of jobs attempted.
func (p *Poller) Tick(ctx context.Context) int {
	jobs, err := p.store.ClaimDueJobs(ctx, p.now(), p.config.Lease, p.config.Concurrency)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to claim due jobs",
			applog.FieldComponent, applog.ComponentWorker,
			applog.FieldError, err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	slog.DebugContext(ctx, "Running claimed jobs", "count", len(jobs))

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if _, err := p.runner.RunAttempt(ctx, job); err != nil {
				slog.ErrorContext(ctx, "Failed to record job outcome",
					applog.FieldJobID, job.ID,
					applog.FieldError, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs)
}

// Cleanup purges finished jobs older than Retention.
func (p *Poller) Cleanup(ctx context.Context) {
	n, err := p.store.DeleteFinishedJobs(ctx, p.now().Add(-p.config.Retention))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to clean up finished jobs", applog.FieldError, err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "Cleaned up finished jobs", "count", n)
	}
}
