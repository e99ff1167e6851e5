package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/stagehand/internal/api"
	"github.com/austindbirch/stagehand/internal/auth"
	"github.com/austindbirch/stagehand/internal/billing"
	"github.com/austindbirch/stagehand/internal/config"
	"github.com/austindbirch/stagehand/internal/db"
	"github.com/austindbirch/stagehand/internal/delivery"
	"github.com/austindbirch/stagehand/internal/health"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/reservation"
	"github.com/austindbirch/stagehand/internal/tracing"
	"github.com/austindbirch/stagehand/internal/worker"
)

func main() {
	logger := logging.New("stagehand-api")
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Plain().WithError(err).Fatal("API server exited")
	}
}

func run(logger *logging.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, cfg.App.Name+"-api")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if cfg.DB.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Plain().Info("Database migrations applied")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	port, err := queue.NewNSQPort(cfg.NSQ.NsqdTCPAddr, queue.NewRedisLedger(rdb, cfg.Redis.PendingTTL))
	if err != nil {
		return err
	}
	defer port.Stop()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	// Enqueues here only ever raise the depth gauge; the broker's view resets it.
	go worker.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.WorkerChannel, cfg.Queue.MonitorEvery, m, logger).Run(ctx)

	producer := queue.NewProducer(port, m, cfg.App.Region, cfg.App.FailoverMode).
		WithDefaults(cfg.Queue.MaxAttempts, cfg.Queue.BackoffDelay)

	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, API routes are not authenticated")
	}

	srv := api.NewServer(api.Deps{
		Billing: billing.NewService(
			billing.NewPGStore(pool),
			billing.ProvidersFromSecrets(cfg.Billing.WebhookSecrets),
			producer, m, logger,
		),
		Reservations:    reservation.NewService(reservation.NewPGStore(pool), m, logger),
		DeadLetters:     delivery.NewReplayer(delivery.NewPGStore(pool), producer, logger),
		Jobs:            producer,
		Auth:            validator,
		SignatureHeader: cfg.Billing.SignatureHeader,
		Health: health.HTTPHandler(
			health.Check{Name: "postgres", Ping: pool.Ping},
			health.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			health.Check{Name: "nsqd", Ping: func(context.Context) error { return port.Ping() }},
		),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.App.HTTPPort,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("API HTTP server starting")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
	}

	logger.Plain().Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	logger.Plain().Info("API server stopped")
	return nil
}
