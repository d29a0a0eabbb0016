package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/lock"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/repository"
	"github.com/azizikri/coupon-issuance/internal/usecase"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	opts, err := redis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type issuanceFixture struct {
	store   *repository.Memory
	service *usecase.IssuanceService
	pool    domain.Pool
}

func newIssuanceFixture(t *testing.T, capacity, requesters int) *issuanceFixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemory()
	for i := 0; i < requesters; i++ {
		_, _ = store.CreateRequester(ctx, fmt.Sprintf("user-%d", i+1), time.Now())
	}
	pool, err := store.CreatePool(ctx, domain.NewPool{Name: "flash", Capacity: capacity}, time.Now())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	guard := lock.NewGuard(lock.NewLocal(), logger.Nop())
	return &issuanceFixture{
		store:   store,
		service: usecase.NewIssuanceService(store, guard, logger.Nop(), usecase.WithClock(clock.NewSystem())),
		pool:    pool,
	}
}

func TestStream_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := startRedis(t)

	t.Run("QueuedRequestsAreIssuedAndAcked", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		cfg := ConsumerConfig{Stream: "test:issue:a", Group: "g", Consumer: "w1", Block: 100 * time.Millisecond}
		f := newIssuanceFixture(t, 3, 5)

		pub := NewPublisher(client, PublisherConfig{Stream: cfg.Stream})
		consumer := NewConsumer(client, f.service, cfg, logger.Nop(), nil)
		if err := consumer.EnsureGroup(ctx); err != nil {
			t.Fatalf("ensure group: %v", err)
		}
		go func() { _ = consumer.Start(ctx) }()

		for i := int64(1); i <= 5; i++ {
			id, err := pub.Publish(ctx, domain.ClaimRequest{PoolID: f.pool.ID, RequesterID: i, RequestedAt: time.Now()})
			if err != nil || id == "" {
				t.Fatalf("publish: %v %q", err, id)
			}
		}
		// A repeat of an earlier request must be absorbed by the ledger.
		_, _ = pub.Publish(ctx, domain.ClaimRequest{PoolID: f.pool.ID, RequesterID: 1, RequestedAt: time.Now()})

		waitFor(t, 5*time.Second, func() bool {
			pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
			return err == nil && pending.Count == 0 && streamLen(ctx, client, cfg.Stream) == 6 && readCount(ctx, client, cfg) == 0
		})

		got, _ := f.store.GetPool(ctx, f.pool.ID)
		if got.Granted != 3 {
			t.Fatalf("expected granted 3, got %d", got.Granted)
		}
	})

	t.Run("CrashedConsumerEntriesAreRedelivered", func(t *testing.T) {
		ctx := context.Background()
		cfg := ConsumerConfig{
			Stream:            "test:issue:b",
			Group:             "g",
			Consumer:          "survivor",
			VisibilityTimeout: 100 * time.Millisecond,
		}
		f := newIssuanceFixture(t, 5, 1)
		pub := NewPublisher(client, PublisherConfig{Stream: cfg.Stream})
		survivor := NewConsumer(client, f.service, cfg, logger.Nop(), nil)
		if err := survivor.EnsureGroup(ctx); err != nil {
			t.Fatalf("ensure group: %v", err)
		}

		if _, err := pub.Publish(ctx, domain.ClaimRequest{PoolID: f.pool.ID, RequesterID: 1, RequestedAt: time.Now()}); err != nil {
			t.Fatalf("publish: %v", err)
		}

		// The crashed worker reads the entry and dies before acknowledging it.
		read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: cfg.Group, Consumer: "crashed", Streams: []string{cfg.Stream, ">"}, Count: 1,
		}).Result()
		if err != nil || len(read) != 1 || len(read[0].Messages) != 1 {
			t.Fatalf("expected crashed consumer to read one entry, got %v %v", read, err)
		}

		time.Sleep(200 * time.Millisecond)
		survivor.Reclaim(ctx)

		pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
		if err != nil {
			t.Fatalf("xpending: %v", err)
		}
		if pending.Count != 0 {
			t.Fatalf("expected nothing pending after redelivery, got %d", pending.Count)
		}
		got, _ := f.store.GetPool(ctx, f.pool.ID)
		if got.Granted != 1 {
			t.Fatalf("expected redelivered claim to be issued, got granted %d", got.Granted)
		}
	})

	t.Run("BacklogOutlivingRetentionIsFullyIssued", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		cfg := ConsumerConfig{
			Stream:          "test:issue:c",
			Group:           "g",
			Consumer:        "w1",
			BatchSize:       2,
			Block:           50 * time.Millisecond,
			ReclaimInterval: 10 * time.Millisecond,
			Retention:       time.Millisecond,
		}
		const backlog = 25
		f := newIssuanceFixture(t, 50, backlog)
		pub := NewPublisher(client, PublisherConfig{Stream: cfg.Stream})
		consumer := NewConsumer(client, f.service, cfg, logger.Nop(), nil)
		if err := consumer.EnsureGroup(ctx); err != nil {
			t.Fatalf("ensure group: %v", err)
		}

		// Every request is accepted before any worker runs, and all of them
		// are older than the retention window by the time they are read.
		for i := int64(1); i <= backlog; i++ {
			if _, err := pub.Publish(ctx, domain.ClaimRequest{PoolID: f.pool.ID, RequesterID: i, RequestedAt: time.Now()}); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		if n := streamLen(ctx, client, cfg.Stream); n != backlog {
			t.Fatalf("expected %d queued entries, got %d", backlog, n)
		}
		time.Sleep(20 * time.Millisecond)

		go func() { _ = consumer.Start(ctx) }()

		waitFor(t, 10*time.Second, func() bool {
			pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
			return err == nil && pending.Count == 0 && readCount(ctx, client, cfg) == 0
		})

		got, _ := f.store.GetPool(ctx, f.pool.ID)
		if got.Granted != backlog {
			t.Fatalf("expected all %d queued requests granted, got %d", backlog, got.Granted)
		}

		// Acked history goes; the last delivered entry stays as the group's cursor.
		if _, err := consumer.TrimAcked(ctx); err != nil {
			t.Fatalf("trim: %v", err)
		}
		if n := streamLen(ctx, client, cfg.Stream); n != 1 {
			t.Fatalf("expected acked history trimmed to 1 entry, got %d", n)
		}
	})

	t.Run("PublishFailsWhenRedisIsGone", func(t *testing.T) {
		dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
		defer dead.Close()
		_, err := NewPublisher(dead, PublisherConfig{}).Publish(context.Background(), domain.ClaimRequest{PoolID: 1, RequesterID: 1})
		if err == nil {
			t.Fatal("expected publish error")
		}
	})
}

func streamLen(ctx context.Context, client *redis.Client, stream string) int64 {
	n, _ := client.XLen(ctx, stream).Result()
	return n
}

// readCount reports how many entries the group has not yet been handed.
func readCount(ctx context.Context, client *redis.Client, cfg ConsumerConfig) int64 {
	groups, err := client.XInfoGroups(ctx, cfg.Stream).Result()
	if err != nil {
		return -1
	}
	for _, g := range groups {
		if g.Name == cfg.Group {
			return g.Lag
		}
	}
	return -1
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
