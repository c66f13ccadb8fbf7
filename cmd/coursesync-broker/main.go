// Command coursesync-broker runs the credential broker that trades GitHub
// OAuth authorization codes for access tokens on behalf of the course site.
//
// Configuration is read from the environment (and an optional .env file):
//
//	GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET, GITHUB_REDIRECT_URI, ALLOWED_ORIGIN
//
// are required. See coursesync.LoadConfig for the full list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/giantswarm/coursesync"
	"github.com/giantswarm/coursesync/broker"
	"github.com/giantswarm/coursesync/instrumentation"
	ghprovider "github.com/giantswarm/coursesync/providers/github"
	"github.com/giantswarm/coursesync/security"
	"github.com/giantswarm/coursesync/storage"
	"github.com/giantswarm/coursesync/storage/memory"
	"github.com/giantswarm/coursesync/storage/redis"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	sentryFlushTimeout            = 2 * time.Second
	instrumentationShutdownPeriod = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coursesync-broker: %v\n", err)
		os.Exit(1)
	}
}

// brokerStore is what both storage backends provide to the broker.
type brokerStore interface {
	storage.RevocationStore
	storage.ExchangeCache
	SetEncryptor(enc *security.Encryptor)
	SetInstrumentation(inst *instrumentation.Instrumentation)
	SetLogger(logger *slog.Logger)
}

func run() error {
	cfg, err := coursesync.LoadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          version,
			AttachStacktrace: true,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(sentryFlushTimeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var inst *instrumentation.Instrumentation
	if cfg.MetricsEnabled {
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:     "coursesync-broker",
			ServiceVersion:  version,
			Enabled:         true,
			MetricsExporter: instrumentation.ExporterPrometheus,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), instrumentationShutdownPeriod)
			defer cancel()
			if err := inst.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Instrumentation shutdown failed", "error", err)
			}
		}()
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	encryptor.SetInstrumentation(inst)
	store.SetEncryptor(encryptor)
	store.SetInstrumentation(inst)

	provider, err := ghprovider.NewProvider(&ghprovider.Config{
		ClientID:       cfg.GitHub.ClientID,
		ClientSecret:   cfg.GitHub.ClientSecret,
		RedirectURL:    cfg.GitHub.RedirectURI,
		RequestTimeout: cfg.Broker.UpstreamTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create github provider: %w", err)
	}
	provider.SetInstrumentation(inst)

	b, err := broker.New(provider, store, store, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	b.SetInstrumentation(inst)

	handler, err := coursesync.NewHandler(b, cfg, logger)
	if err != nil {
		return err
	}

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)
	auditor.SetInstrumentation(inst)
	handler.SetAuditor(auditor)

	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := security.NewRateLimiter(security.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Logger:            logger,
		})
		defer limiter.Stop()
		handler.SetRateLimiter(limiter)
	}
	handler.SetInstrumentation(inst)

	logger.Info("Starting credential broker",
		"addr", cfg.Addr(),
		"version", version,
		"environment", cfg.Environment,
		"allowed_origin", cfg.AllowedOrigin,
		"redis", cfg.RedisAddr != "",
		"encryption", encryptor.IsEnabled(),
		"metrics", cfg.MetricsEnabled,
	)
	if !cfg.SecureTransport() {
		logger.Warn("Redirect URI is not HTTPS; only use this setup for local development")
	}

	err = coursesync.NewServer(cfg.Addr(), handler.Routes(), logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Credential broker stopped")
	return nil
}

// openStore picks Redis when REDIS_ADDR is set so several broker replicas
// share revocations and cached exchanges, and memory otherwise.
func openStore(ctx context.Context, cfg *coursesync.Config, logger *slog.Logger) (brokerStore, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("Using in-memory storage; revocations are lost on restart")
		s := memory.New()
		s.SetLogger(logger)
		return s, s.Stop, nil
	}

	s, err := redis.New(ctx, redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, nil, err
	}
	s.SetLogger(logger)
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}, nil
}
