package cli

import (
	"context"
	"fmt"
	"time"

	"outlay/internal/config"
	"outlay/internal/delivery"
	"outlay/internal/jobs"
	applog "outlay/internal/log"
	"outlay/internal/ratelimit"
)

// NewRateLimiter builds the limiter on the configured backend. The returned
// function releases its resources.
func NewRateLimiter(ctx context.Context, logger *applog.Logger, cfg *config.Config) (*ratelimit.Limiter, func(), error) {
	policy := ratelimit.Policy{Limit: cfg.RateLimitCount, Window: cfg.RateLimitWindow}

	switch cfg.RateLimitBackend {
	case "redis":
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis not reachable at startup", applog.FieldError, err)
		}
		logger.Info("Rate limiter ready", "backend", "redis", "limit", policy.Limit, "window", policy.Window)
		return ratelimit.New(ratelimit.NewRedisStore(client, policy)), func() { _ = client.Close() }, nil

	default:
		store := ratelimit.NewMemoryStore(policy)
		janitorCtx, cancel := context.WithCancel(ctx)
		store.StartJanitor(janitorCtx, policy.Window)
		logger.Info("Rate limiter ready", "backend", "memory", "limit", policy.Limit, "window", policy.Window)
		return ratelimit.New(store), cancel, nil
	}
}

// NewChannel builds the configured delivery channel behind the outbound
// throttle.
func NewChannel(ctx context.Context, cfg *config.Config) (delivery.Channel, error) {
	var ch delivery.Channel
	switch cfg.ReportChannel {
	case "smtp":
		ch = delivery.NewSMTPChannel(delivery.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	case "sheets":
		sc, err := delivery.NewSheetsChannel(ctx, delivery.SheetsConfig{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			return nil, fmt.Errorf("sheets channel: %w", err)
		}
		ch = sc
	case "log", "":
		ch = delivery.LogChannel{}
	default:
		return nil, fmt.Errorf("unknown report channel %q", cfg.ReportChannel)
	}

	if cfg.DeliveryRatePerSec > 0 {
		ch = delivery.NewThrottled(ch, cfg.DeliveryRatePerSec)
	}
	return ch, nil
}

func Backoff(cfg *config.Config) jobs.BackoffPolicy {
	p := jobs.DefaultBackoff()
	if cfg.JobBackoffBase > 0 {
		p.Base = cfg.JobBackoffBase
	}
	if cfg.JobBackoffMax > 0 {
		p.Max = cfg.JobBackoffMax
	}
	p.Jitter = cfg.JobBackoffJitter
	return p
}
