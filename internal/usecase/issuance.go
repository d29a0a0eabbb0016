package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/lock"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/repository"
)

const (
	PathSync  = "sync"
	PathAsync = "async"
)

type IssuanceService struct {
	store   repository.Store
	guard   *lock.Guard
	clock   clock.Clock
	log     logger.Logger
	queue   ClaimQueue
	events  ClaimEventPublisher
	metrics *metrics.Metrics
}

type IssuanceOption func(*IssuanceService)

func WithQueue(q ClaimQueue) IssuanceOption {
	return func(s *IssuanceService) { s.queue = q }
}

func WithEventPublisher(p ClaimEventPublisher) IssuanceOption {
	return func(s *IssuanceService) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) IssuanceOption {
	return func(s *IssuanceService) { s.metrics = m }
}

func WithClock(c clock.Clock) IssuanceOption {
	return func(s *IssuanceService) { s.clock = c }
}

func NewIssuanceService(store repository.Store, guard *lock.Guard, log logger.Logger, opts ...IssuanceOption) *IssuanceService {
	if log == nil {
		log = logger.Nop()
	}
	s := &IssuanceService{
		store: store,
		guard: guard,
		clock: clock.NewSystem(),
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueSync grants one unit of the pool to the requester, or explains why not.
// All reads and writes happen in one transaction under the pool's lock.
func (s *IssuanceService) IssueSync(ctx context.Context, poolID, requesterID int64) (domain.Claim, error) {
	return s.apply(ctx, PathSync, poolID, requesterID)
}

// ApplyQueued is IssueSync for a request taken off the queue; outcomes are
// recorded against the async path.
func (s *IssuanceService) ApplyQueued(ctx context.Context, poolID, requesterID int64) (domain.Claim, error) {
	return s.apply(ctx, PathAsync, poolID, requesterID)
}

func (s *IssuanceService) apply(ctx context.Context, path string, poolID, requesterID int64) (domain.Claim, error) {
	claim, err := s.issue(ctx, poolID, requesterID)
	if err != nil {
		s.metrics.ObserveClaim(path, domain.ReasonCode(err))
		return domain.Claim{}, err
	}
	s.metrics.ObserveClaim(path, domain.StatusIssued)
	s.log.Info("claim issued", "claim_id", claim.ID, "pool_id", poolID, "requester_id", requesterID, "path", path)

	if s.events != nil {
		if err := s.events.PublishClaimIssued(ctx, claim); err != nil {
			s.log.Error("publish claim issued failed", "claim_id", claim.ID, "error", err)
		}
	}
	return claim, nil
}

func (s *IssuanceService) issue(ctx context.Context, poolID, requesterID int64) (domain.Claim, error) {
	if err := (domain.ClaimRequest{PoolID: poolID, RequesterID: requesterID}).Validate(); err != nil {
		return domain.Claim{}, err
	}

	var issued domain.Claim
	err := s.guard.Do(ctx, lock.PoolKey(poolID), func(ctx context.Context) error {
		return s.store.ExecTx(ctx, func(q repository.Querier) error {
			exists, err := q.RequesterExists(ctx, requesterID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrRequesterNotFound
			}

			pool, err := q.GetPool(ctx, poolID)
			if err != nil {
				return err
			}

			existing, err := q.FindClaim(ctx, poolID, requesterID)
			if err != nil {
				return err
			}
			if existing != nil {
				return domain.ErrAlreadyClaimed
			}

			now := s.clock.Now()
			if err := pool.Claim(now); err != nil {
				return err
			}
			if err := q.UpdateGranted(ctx, pool.ID, pool.Granted); err != nil {
				return err
			}

			issued, err = q.InsertClaim(ctx, domain.NewClaim(poolID, requesterID, now))
			return err
		})
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return domain.Claim{}, fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		}
		return domain.Claim{}, err
	}
	return issued, nil
}

// IssueAsync rejects requests that are certain to fail and queues the rest.
// The receipt says nothing about whether a unit will be granted.
func (s *IssuanceService) IssueAsync(ctx context.Context, poolID, requesterID int64) (domain.Receipt, error) {
	receipt, err := s.enqueue(ctx, poolID, requesterID)
	if err != nil {
		s.metrics.ObserveClaim(PathAsync, domain.ReasonCode(err))
		return domain.Receipt{}, err
	}
	s.metrics.ObserveClaim(PathAsync, domain.StatusPending)
	return receipt, nil
}

func (s *IssuanceService) enqueue(ctx context.Context, poolID, requesterID int64) (domain.Receipt, error) {
	req := domain.ClaimRequest{PoolID: poolID, RequesterID: requesterID, RequestedAt: s.clock.Now()}
	if err := req.Validate(); err != nil {
		return domain.Receipt{}, err
	}
	if s.queue == nil {
		return domain.Receipt{}, fmt.Errorf("%w: async issuance is disabled", domain.ErrUnavailable)
	}

	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if pool.Expired(req.RequestedAt) {
		return domain.Receipt{}, domain.ErrExpired
	}
	if pool.Remaining() <= 0 {
		return domain.Receipt{}, domain.ErrExhausted
	}

	eventID, err := s.queue.Publish(ctx, req)
	if err != nil {
		s.log.Error("enqueue claim request failed", "pool_id", poolID, "requester_id", requesterID, "error", err)
		return domain.Receipt{}, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}

	s.log.Debug("claim request queued", "pool_id", poolID, "requester_id", requesterID, "event_id", eventID)
	return domain.Receipt{
		PoolID:      poolID,
		RequesterID: requesterID,
		EventID:     eventID,
		Status:      domain.StatusPending,
	}, nil
}
