package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/config"
	httphandler "github.com/azizikri/coupon-issuance/internal/delivery/http"
	"github.com/azizikri/coupon-issuance/internal/delivery/kafka"
	"github.com/azizikri/coupon-issuance/internal/delivery/stream"
	"github.com/azizikri/coupon-issuance/internal/lock"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/repository"
	"github.com/azizikri/coupon-issuance/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type appStore interface {
	repository.Store
	repository.FallbackStore
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func bootstrap() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log.With("instance", cfg.InstanceID), nil
}

func serve(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry, metrics.DefaultNamespace)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = initRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	locker, err := newLocker(cfg, redisClient, log)
	if err != nil {
		return err
	}
	if c, ok := locker.(io.Closer); ok {
		defer c.Close()
	}
	guard := lock.NewGuard(locker, log,
		lock.WithWaitTimeout(cfg.LockWaitTimeout),
		lock.WithLeaseTime(cfg.LockLeaseTime),
		lock.WithWaitObserver(m.ObserveLockWait),
	)

	clk := clock.NewSystem()
	opts := []usecase.IssuanceOption{usecase.WithMetrics(m), usecase.WithClock(clk)}

	var consumers []*stream.Consumer
	if cfg.AsyncEnabled {
		opts = append(opts, usecase.WithQueue(stream.NewPublisher(redisClient, stream.PublisherConfig{
			Stream: cfg.StreamKey,
		})))
	}

	var (
		producerClient *kgo.Client
		consumerClient *kgo.Client
	)
	if cfg.EventsEnabled {
		producerClient, err = kafka.NewProducerClient(cfg)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producerClient.Close()

		if err := kafka.EnsureTopics(ctx, producerClient, cfg, log); err != nil {
			log.Warn("failed to ensure kafka topics", "error", err)
		}

		consumerClient, err = kafka.NewConsumerClient(cfg, kafka.TopicClaimIssued)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		defer consumerClient.Close()

		opts = append(opts, usecase.WithEventPublisher(kafka.NewEventPublisher(producerClient, store, log,
			kafka.WithPublisherMetrics(m),
			kafka.WithPublisherClock(clk),
			kafka.WithMaxRetry(cfg.FallbackMaxRetry),
		)))
	}

	issuance := usecase.NewIssuanceService(store, guard, log, opts...)
	pools := usecase.NewPoolService(store, clk)

	if cfg.AsyncEnabled {
		for i := 1; i <= cfg.StreamWorkers; i++ {
			consumers = append(consumers, stream.NewConsumer(redisClient, issuance, stream.ConsumerConfig{
				Stream:            cfg.StreamKey,
				Group:             cfg.StreamGroup,
				Consumer:          fmt.Sprintf("%s-%d", cfg.InstanceID, i),
				BatchSize:         cfg.StreamBatchSize,
				Block:             cfg.StreamBlock,
				VisibilityTimeout: cfg.VisibilityTimeout,
				ReclaimInterval:   cfg.ReclaimInterval,
				MaxDeliveries:     cfg.StreamMaxDeliveries,
				Retention:         cfg.StreamRetention,
			}, log, m))
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           httphandler.NewRouter(httphandler.NewHandler(issuance, pools, log), registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, c := range consumers {
		g.Go(func() error { return c.Start(gctx) })
	}

	if cfg.EventsEnabled {
		sweeper := kafka.NewFallbackSweeper(producerClient, store, locker, kafka.SweeperConfig{
			Interval:      cfg.FallbackSweepInterval,
			StatsInterval: cfg.FallbackStatsInterval,
			BatchSize:     cfg.FallbackBatchSize,
			MaxBackoff:    cfg.FallbackMaxBackoff,
		}, log, m, clk)
		g.Go(func() error { return sweeper.Run(gctx) })

		issuedConsumer := kafka.NewIssuedEventConsumer(consumerClient, log)
		g.Go(func() error { return issuedConsumer.Start(gctx) })
	}

	g.Go(func() error {
		log.Info("starting server", "port", cfg.AppPort,
			"storage", cfg.StorageBackend, "lock", cfg.LockBackend,
			"async", cfg.AsyncEnabled, "events", cfg.EventsEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown error", "error", err)
		}
		if consumerClient != nil {
			consumerClient.Close()
		}
		return nil
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (appStore, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemory(), func() {}, nil
	}

	pool, err := initDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := runMigrations(ctx, pool, cfg, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository.NewPostgres(pool), pool.Close, nil
}

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, log logger.Logger) error {
	if err := repository.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return client, nil
}

func newLocker(cfg *config.Config, client *redis.Client, log logger.Logger) (lock.Locker, error) {
	if cfg.LockBackend == config.BackendLocal {
		log.Warn("using process-local locks, pools are only serialized within this instance")
		return lock.NewLocal(), nil
	}
	return lock.NewRedis(client, lock.RedisConfig{Prefix: cfg.RedisKeyPrefix + ":lock"}, log)
}
