package main

import (
	"context"
	"errors"
	"os"
	"time"

	"outlay/internal/amqp"
	"outlay/internal/cli"
	"outlay/internal/config"
	"outlay/internal/jobs"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentWorker)
	cfg := cli.LoadAndValidateConfig(logger, config.ProcessWorker)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	store := cli.OpenStore(ctx, logger, cfg)
	defer store.Close()
	defer logJobStats(logger, store)

	channel, err := cli.NewChannel(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize delivery channel", applog.FieldError, err)
		os.Exit(1)
	}
	runner := jobs.NewRunner(store, channel, cli.Backoff(cfg))

	logger.Info("Starting outlay-worker",
		applog.FieldChannel, channel.Name(),
		"concurrency", cfg.WorkerConcurrency,
		"max_attempts", cfg.JobMaxAttempts)

	if cfg.AMQPURL == "" {
		runPoller(ctx, logger, store, runner, cfg.WorkerConcurrency, cfg.JobPollInterval, cfg.JobLease, cfg.JobRetention)
		return
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	consumer := jobs.NewConsumer(store, runner, jobs.AMQPDispatcher{Publisher: client}, jobs.ConsumerConfig{
		Prefetch:  cfg.WorkerConcurrency,
		Lease:     cfg.JobLease,
		Retention: cfg.JobRetention,
	})
	if err := consumer.Run(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker stopped gracefully")
}

func runPoller(ctx context.Context, logger *applog.Logger, store jobs.Store, runner *jobs.Runner, concurrency int, interval, lease, retention time.Duration) {
	poller := jobs.NewPoller(store, runner, jobs.PollerConfig{
		Concurrency:  concurrency,
		PollInterval: interval,
		Lease:        lease,
		Retention:    retention,
	})
	if err := poller.Start(ctx); err != nil {
		logger.Error("Failed to start poller", applog.FieldError, err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Error("Poller stop timed out", applog.FieldError, err)
	}
	logger.Info("Worker stopped gracefully")
}

func logJobStats(logger *applog.Logger, store *storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := store.JobStats(ctx)
	if err != nil {
		logger.Warn("Failed to read job stats", applog.FieldError, err)
		return
	}
	args := make([]any, 0, len(stats)*2)
	for status, n := range stats {
		args = append(args, string(status), n)
	}
	logger.Info("Report job backlog", args...)
}
