package usecase

import (
	"context"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// ClaimQueue hands claim requests to the durable queue and returns the
// queue-assigned event id.
type ClaimQueue interface {
	Publish(ctx context.Context, req domain.ClaimRequest) (string, error)
}

// ClaimEventPublisher announces issued claims to downstream consumers.
type ClaimEventPublisher interface {
	PublishClaimIssued(ctx context.Context, claim domain.Claim) error
}

type IssuanceUsecase interface {
	IssueSync(ctx context.Context, poolID, requesterID int64) (domain.Claim, error)
	IssueAsync(ctx context.Context, poolID, requesterID int64) (domain.Receipt, error)
}

type PoolUsecase interface {
	CreatePool(ctx context.Context, arg domain.NewPool) (domain.Pool, error)
	GetPool(ctx context.Context, id int64) (domain.Pool, error)
	ListPools(ctx context.Context) ([]domain.Pool, error)
	ListClaims(ctx context.Context, poolID int64) ([]domain.Claim, error)
	CreateRequester(ctx context.Context, name string) (domain.Requester, error)
	MarkClaimUsed(ctx context.Context, claimID int64) (domain.Claim, error)
}
