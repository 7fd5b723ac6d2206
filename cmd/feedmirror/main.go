package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/feedmirror/internal/admin"
	"github.com/lsm/feedmirror/internal/circuitbreaker"
	"github.com/lsm/feedmirror/internal/config"
	"github.com/lsm/feedmirror/internal/dlq"
	"github.com/lsm/feedmirror/internal/feed"
	"github.com/lsm/feedmirror/internal/mirror"
	"github.com/lsm/feedmirror/internal/observability"
	"github.com/lsm/feedmirror/internal/publish"
	amqppub "github.com/lsm/feedmirror/internal/publish/amqp"
	kafkapub "github.com/lsm/feedmirror/internal/publish/kafka"
	"github.com/lsm/feedmirror/internal/ratecontrol"
	"github.com/lsm/feedmirror/internal/retry"
	"github.com/lsm/feedmirror/internal/scheduler"
	"github.com/lsm/feedmirror/internal/store"
	"github.com/lsm/feedmirror/internal/store/memory"
	pgstore "github.com/lsm/feedmirror/internal/store/postgres"
	redisstore "github.com/lsm/feedmirror/internal/store/redis"
	"github.com/lsm/feedmirror/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFlag   = flag.String("config", "", "Path to config file. Can also be set via FEEDMIRROR_CONFIG env var.")
		logLevelFlag = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via FEEDMIRROR_LOG_LEVEL env var.")
	)
	flag.Parse()

	var level slog.LevelVar
	level.Set(observability.ResolveLogLevel(*logLevelFlag, ""))
	logger := observability.NewLogger("feedmirror", &level)
	slog.SetDefault(logger)

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("FEEDMIRROR_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(observability.ResolveLogLevel(*logLevelFlag, cfg.Log.Level))

	logger.Info("loaded config",
		"path", configPath,
		"feed", cfg.Feed.URL,
		"store", cfg.Store.Type,
		"bus", cfg.Bus.Type,
		"exchange", cfg.Bus.Exchange,
		"delay_secs", cfg.Mirror.PollEvery,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig("feedmirror"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthServer()

	fetcher, err := feed.NewHTTPFetcher(cfg.Feed.HTTPConfig(), logger)
	if err != nil {
		return fmt.Errorf("feed fetcher: %w", err)
	}
	fetcher.SetTracer(tracer)
	health.AddCheck("feed", func() error {
		if fetcher.BreakerState() == circuitbreaker.Open {
			return circuitbreaker.ErrCircuitOpen
		}
		return nil
	})

	st, backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	pub, err := openPublisher(ctx, cfg, cfg.Bus.Exchange, tracer, logger)
	if err != nil {
		return fmt.Errorf("open %s publisher: %w", cfg.Bus.Type, err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error("publisher close error", "error", err)
		}
	}()

	opts := []mirror.Option{
		mirror.WithLogger(logger),
		mirror.WithTracer(tracer),
		mirror.WithMetrics(metrics),
		mirror.WithOperationTimeout(cfg.Mirror.OperationTimeout),
		mirror.WithStoreBackend(backend),
	}
	if cfg.Bus.DeadLetterExchange != "" {
		dlqPub, err := openPublisher(ctx, cfg, cfg.Bus.DeadLetterExchange, tracer, logger)
		if err != nil {
			return fmt.Errorf("open dead-letter publisher: %w", err)
		}
		handler := dlq.NewHandler(dlqPub)
		defer func() {
			if err := handler.Close(); err != nil {
				logger.Error("dead-letter publisher close error", "error", err)
			}
		}()
		opts = append(opts, mirror.WithDeadLetter(handler, cfg.Bus.Exchange))
	}
	runner := mirror.NewRunner(fetcher, st, pub, opts...)

	ctrl, err := ratecontrol.New(cfg.Mirror.PollEvery, ratecontrol.WithMinDelay(cfg.Mirror.MinDelay))
	if err != nil {
		return fmt.Errorf("rate controller: %w", err)
	}
	loop := scheduler.New(runner, ctrl,
		scheduler.WithControlPeriod(cfg.Mirror.ControlPeriod),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)

	adminServer := admin.NewServer(cfg.Admin.Addr,
		admin.NewRouter(health, reg, func() any { return loop.Status() }),
		logger,
	)
	adminServer.Start()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(c *config.Config) {
			next := observability.ResolveLogLevel(*logLevelFlag, c.Log.Level)
			if next != level.Level() {
				level.Set(next)
				logger.Info("log level changed", "level", next.String())
			}
		}, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	health.SetReady(true)
	runErr := loop.Run(ctx)
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// openStore connects the configured dedup store, retrying transient dial
// failures. It also returns the backend name used on spans.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, string, error) {
	switch cfg.Store.Type {
	case config.StorePostgres:
		var s *pgstore.Store
		err := retry.Do(ctx, cfg.Startup, logRetry(logger, "postgres"), func(ctx context.Context) error {
			var err error
			s, err = pgstore.Open(ctx, cfg.Store.Postgres, logger)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return s, "postgresql", nil

	case config.StoreRedis:
		var s *redisstore.Store
		err := retry.Do(ctx, cfg.Startup, logRetry(logger, "redis"), func(ctx context.Context) error {
			var err error
			s, err = redisstore.Open(ctx, cfg.Store.Redis, logger)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		return s, "redis", nil

	case config.StoreMemory:
		logger.Warn("using in-memory store, seen events are forgotten on restart")
		return memory.New(), "memory", nil
	}
	return nil, "", fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
}

// openPublisher connects a publisher bound to exchange.
func openPublisher(ctx context.Context, cfg *config.Config, exchange string, tracer trace.Tracer, logger *slog.Logger) (publish.Publisher, error) {
	switch cfg.Bus.Type {
	case config.BusAMQP:
		var p *amqppub.Publisher
		err := retry.Do(ctx, cfg.Startup, logRetry(logger, "amqp"), func(context.Context) error {
			var err error
			p, err = amqppub.NewPublisher(amqppub.Config{URL: cfg.Bus.AMQP.URL, Exchange: exchange}, logger)
			return err
		})
		if err != nil {
			return nil, err
		}
		p.SetTracer(tracer)
		return p, nil

	case config.BusKafka:
		p, err := kafkapub.NewPublisher(cfg.Bus.Kafka, exchange, logger)
		if err != nil {
			return nil, err
		}
		p.SetTracer(tracer)
		return p, nil
	}
	return nil, fmt.Errorf("unsupported bus type: %s", cfg.Bus.Type)
}

func logRetry(logger *slog.Logger, target string) retry.NotifyFunc {
	return func(attempt int, err error, wait time.Duration) {
		logger.Warn("connect failed, retrying", "target", target, "attempt", attempt, "wait", wait.String(), "error", err)
	}
}
