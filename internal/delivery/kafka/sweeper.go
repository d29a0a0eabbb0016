package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/lock"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/repository"
	"github.com/twmb/franz-go/pkg/kgo"
)

type SweeperConfig struct {
	Interval      time.Duration
	StatsInterval time.Duration
	BatchSize     int
	MaxBackoff    time.Duration
}

func (c *SweeperConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = domain.DefaultFallbackMaxBackoff
	}
}

// SweepLease is how long one round may hold the sweep lock: a full batch of
// publishes that each run to the timeout, plus room for the store calls.
func SweepLease(cfg SweeperConfig) time.Duration {
	cfg.normalize()
	return time.Duration(cfg.BatchSize)*PublishTimeout + sweepLeaseMargin
}

// FallbackSweeper republishes stored events. Only one instance sweeps at a
// time; the others skip the round. The sweep lock has its own lease sized for
// a whole batch, separate from the per-pool claim locks.
type FallbackSweeper struct {
	producer       producer
	store          repository.FallbackStore
	guard          *lock.Guard
	log            logger.Logger
	metrics        *metrics.Metrics
	clock          clock.Clock
	config         SweeperConfig
	publishTimeout time.Duration
}

func NewFallbackSweeper(producer producer, store repository.FallbackStore, locker lock.Locker, cfg SweeperConfig, log logger.Logger, m *metrics.Metrics, clk clock.Clock) *FallbackSweeper {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	log = log.With("component", "fallback-sweeper")
	return &FallbackSweeper{
		producer:       producer,
		store:          store,
		guard:          lock.NewGuard(locker, log, lock.WithLeaseTime(SweepLease(cfg))),
		log:            log,
		metrics:        m,
		clock:          clk,
		config:         cfg,
		publishTimeout: PublishTimeout,
	}
}

func (s *FallbackSweeper) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(s.config.Interval)
	defer sweepTicker.Stop()
	statsTicker := time.NewTicker(s.config.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("fallback sweep failed", "error", err)
			}
		case <-statsTicker.C:
			if err := s.ReportStats(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("fallback stats failed", "error", err)
			}
		}
	}
}

// Sweep runs one republish round and returns how many messages went out.
// It returns 0 without error when another instance holds the sweep lock.
func (s *FallbackSweeper) Sweep(ctx context.Context) (int, error) {
	published := 0
	ran, err := s.guard.DoIfFree(ctx, SweeperLockKey, func(ctx context.Context) error {
		n, err := s.sweep(ctx)
		published = n
		return err
	})
	if err != nil {
		return published, err
	}
	if !ran {
		s.log.Debug("fallback sweep skipped, another instance is sweeping")
	}
	return published, nil
}

func (s *FallbackSweeper) sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDueFallback(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due fallback messages: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	published := 0
	for i, msg := range due {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		// The rest of the batch waits for the next round once a full publish
		// no longer fits in the lease.
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < s.publishTimeout {
			s.log.Warn("fallback sweep lease running out, deferring rest of batch",
				"due", len(due), "attempted", i, "published", published)
			return published, nil
		}

		record := &kgo.Record{Topic: msg.Topic, Key: []byte(msg.MessageKey), Value: []byte(msg.Payload)}
		produceCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		perr := s.producer.ProduceSync(produceCtx, record).FirstErr()
		cancel()

		if perr != nil && ctx.Err() != nil {
			// Cut short by the round, not refused by the broker.
			s.log.Warn("fallback republish interrupted", "id", msg.ID, "error", perr)
			return published, ctx.Err()
		}

		now := s.clock.Now()
		if perr != nil {
			msg.IncrementRetry(perr.Error(), now, s.config.MaxBackoff)
			if msg.Status == domain.FallbackFailed {
				s.log.Error("fallback message failed permanently", "id", msg.ID, "retries", msg.RetryCount, "error", perr)
			} else {
				s.log.Warn("fallback republish failed", "id", msg.ID, "retries", msg.RetryCount, "error", perr)
			}
		} else {
			msg.MarkPublished(now)
			published++
			s.metrics.IncEventPublished(ResultPublished)
		}

		if err := s.store.UpdateFallback(ctx, msg); err != nil {
			return published, fmt.Errorf("update fallback message %d: %w", msg.ID, err)
		}
	}

	s.log.Info("fallback sweep finished", "due", len(due), "published", published)
	return published, nil
}

func (s *FallbackSweeper) ReportStats(ctx context.Context) error {
	counts, err := s.store.CountFallbackByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []domain.FallbackStatus{domain.FallbackPending, domain.FallbackPublished, domain.FallbackFailed} {
		s.metrics.SetFallbackCount(string(status), counts[status])
	}
	s.log.Info("fallback stats",
		"pending", counts[domain.FallbackPending],
		"published", counts[domain.FallbackPublished],
		"failed", counts[domain.FallbackFailed])
	return nil
}
