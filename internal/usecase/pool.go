package usecase

import (
	"context"
	"strings"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/repository"
)

type PoolService struct {
	store repository.Store
	clock clock.Clock
}

func NewPoolService(store repository.Store, clk clock.Clock) *PoolService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PoolService{store: store, clock: clk}
}

func (s *PoolService) CreatePool(ctx context.Context, arg domain.NewPool) (domain.Pool, error) {
	arg.Name = strings.TrimSpace(arg.Name)
	if err := arg.Validate(); err != nil {
		return domain.Pool{}, err
	}
	return s.store.CreatePool(ctx, arg, s.clock.Now())
}

func (s *PoolService) GetPool(ctx context.Context, id int64) (domain.Pool, error) {
	if id <= 0 {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return s.store.GetPool(ctx, id)
}

func (s *PoolService) ListPools(ctx context.Context) ([]domain.Pool, error) {
	return s.store.ListPools(ctx)
}

// ListClaims returns the pool's claim history in issue order.
func (s *PoolService) ListClaims(ctx context.Context, poolID int64) ([]domain.Claim, error) {
	if _, err := s.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return s.store.ListClaimsByPool(ctx, poolID)
}

func (s *PoolService) CreateRequester(ctx context.Context, name string) (domain.Requester, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Requester{}, domain.ErrInvalidRequest
	}
	return s.store.CreateRequester(ctx, name, s.clock.Now())
}

func (s *PoolService) MarkClaimUsed(ctx context.Context, claimID int64) (domain.Claim, error) {
	if claimID <= 0 {
		return domain.Claim{}, domain.ErrClaimNotFound
	}

	var used domain.Claim
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		claim, err := q.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if err := claim.MarkUsed(s.clock.Now()); err != nil {
			return err
		}
		if err := q.UpdateClaimUsage(ctx, claim); err != nil {
			return err
		}
		used = claim
		return nil
	})
	return used, err
}
