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

	"github.com/austindbirch/stagehand/internal/billing"
	"github.com/austindbirch/stagehand/internal/config"
	"github.com/austindbirch/stagehand/internal/db"
	"github.com/austindbirch/stagehand/internal/delivery"
	"github.com/austindbirch/stagehand/internal/health"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/notify"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/tracing"
	"github.com/austindbirch/stagehand/internal/worker"
)

func main() {
	logger := logging.New("stagehand-worker")
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Plain().WithError(err).Fatal("Worker exited")
	}
}

func run(logger *logging.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, cfg.App.Name+"-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

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

	producer := queue.NewProducer(port, m, cfg.App.Region, cfg.App.FailoverMode).
		WithDefaults(cfg.Queue.MaxAttempts, cfg.Queue.BackoffDelay)

	seen, closeSeen, err := newSeenStore(cfg.Notify, rdb)
	if err != nil {
		return err
	}
	defer closeSeen()

	renderer, err := notify.NewRenderer()
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(renderer, notify.NewLogChannel(logger), seen, logger)
	invoices := billing.NewPGStore(pool)

	consumer := worker.NewConsumer(producer, m, logger,
		worker.WithReleaser(port),
		worker.WithBackoff(cfg.Queue.BackoffMax, cfg.Queue.JitterPercent),
	)
	worker.Register(consumer, dispatcher, invoices, producer, delivery.NewPGStore(pool), logger)

	workers, err := worker.NewPool(worker.PoolConfig{
		NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
		Channel:        cfg.NSQ.WorkerChannel,
		Concurrency:    cfg.Queue.Concurrency,
		LeaseTimeout:   cfg.Queue.LeaseTimeout,
	}, consumer, logger)
	if err != nil {
		return err
	}

	// HTTP health/metrics
	httpSrv := &http.Server{
		Addr: cfg.Worker.HTTPPort,
		Handler: newMux(reg,
			health.Check{Name: "postgres", Ping: pool.Ping},
			health.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			health.Check{Name: "nsqd", Ping: func(context.Context) error { return port.Ping() }},
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Worker HTTP server starting")
		errCh <- httpSrv.ListenAndServe()
	}()

	if err := workers.Start(ctx); err != nil {
		return err
	}

	go worker.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.WorkerChannel, cfg.Queue.MonitorEvery, m, logger).Run(ctx)
	go worker.NewReminderSweep(invoices, producer, cfg.Queue.ReminderWindow, cfg.Queue.ReminderSweep, logger).Run(ctx)

	logger.Plain().WithField("queues", len(queue.All())).Info("Worker service started")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("HTTP serve: %w", err)
		}
	}

	logger.Plain().Info("Shutting down worker service")
	workers.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("Worker service stopped")
	return serveErr
}

func newMux(reg *prometheus.Registry, checks ...health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// newSeenStore picks the notification dedupe store. The returned close
// func is always safe to call.
func newSeenStore(cfg config.Notify, rdb *redis.Client) (notify.SeenStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.SeenStore {
	case "bolt":
		s, err := notify.NewBoltSeenStore(cfg.BoltPath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "redis":
		return notify.NewRedisSeenStore(rdb, cfg.SeenTTL), noop, nil
	case "memory", "":
		return notify.NewMemorySeenStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown seen store %q", cfg.SeenStore)
	}
}
