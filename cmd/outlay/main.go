package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"outlay/internal/amqp"
	"outlay/internal/auth"
	"outlay/internal/category"
	"outlay/internal/cli"
	"outlay/internal/config"
	"outlay/internal/core"
	apphttp "outlay/internal/http"
	"outlay/internal/jobs"
	applog "outlay/internal/log"
	"outlay/internal/middleware/security"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger, config.ProcessAPI)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	store := cli.OpenStore(ctx, logger, cfg)
	defer store.Close()

	// outlay promote <email> grants the admin role.
	if len(os.Args) > 2 && os.Args[1] == "promote" {
		if err := promote(ctx, store, os.Args[2]); err != nil {
			logger.Error("Promote failed", applog.FieldError, err)
			os.Exit(1)
		}
		logger.Info("User promoted to admin", "email", os.Args[2])
		return
	}

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTAlgorithm)
	if err != nil {
		logger.Error("Failed to create token verifier", applog.FieldError, err)
		os.Exit(1)
	}
	issuer, err := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.JWTAlgorithm, cfg.AccessTokenTTL)
	if err != nil {
		logger.Error("Failed to create token issuer", applog.FieldError, err)
		os.Exit(1)
	}

	limiter, releaseLimiter, err := cli.NewRateLimiter(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to create rate limiter", applog.FieldError, err)
		os.Exit(1)
	}
	defer releaseLimiter()

	detector := security.NewDetector()
	for _, cidr := range cfg.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Error("Invalid trusted proxy", applog.FieldError, err)
			os.Exit(1)
		}
	}

	var dispatcher jobs.Dispatcher = jobs.PollDispatcher{}
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
			os.Exit(1)
		}
		defer client.Close()
		dispatcher = jobs.AMQPDispatcher{Publisher: client}
		logger.Info("Report jobs published over AMQP", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	} else {
		logger.Info("No AMQP_URL, report jobs are picked up by polling workers")
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		DB:             store.DB(),
		Store:          store,
		Resolver:       category.NewResolver(store.DB(), store),
		Verifier:       verifier,
		Issuer:         issuer,
		Reports:        jobs.NewQueue(store, dispatcher, cfg.JobMaxAttempts),
		Limiter:        limiter,
		RateLimitPaths: cfg.RateLimitPaths,
		Detector:       detector,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
	}()

	logger.Info("Starting outlay server", "port", cfg.Port, "db_driver", cfg.DBDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

type roleSetter interface {
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	SetUserRole(ctx context.Context, id int64, role core.Role) error
}

func promote(ctx context.Context, store roleSetter, email string) error {
	user, err := store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("find user %s: %w", email, err)
	}
	return store.SetUserRole(ctx, user.ID, core.RoleAdmin)
}
