package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/repository"
)

type mockStore struct {
	createPoolFn       func(ctx context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error)
	getPoolFn          func(ctx context.Context, id int64) (domain.Pool, error)
	listPoolsFn        func(ctx context.Context) ([]domain.Pool, error)
	createRequesterFn  func(ctx context.Context, name string, now time.Time) (domain.Requester, error)
	listClaimsByPoolFn func(ctx context.Context, poolID int64) ([]domain.Claim, error)
	requesterExistsFn  func(ctx context.Context, id int64) (bool, error)
	findClaimFn        func(ctx context.Context, poolID, requesterID int64) (*domain.Claim, error)
	updateGrantedFn    func(ctx context.Context, poolID int64, granted int) error
	insertClaimFn      func(ctx context.Context, claim domain.Claim) (domain.Claim, error)
	getClaimFn         func(ctx context.Context, id int64) (domain.Claim, error)
	updateClaimUsageFn func(ctx context.Context, claim domain.Claim) error
	execTxFn           func(ctx context.Context, fn func(repository.Querier) error) error
}

func (m *mockStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	if m.execTxFn != nil {
		return m.execTxFn(ctx, fn)
	}
	return fn(m)
}

func (m *mockStore) CreatePool(ctx context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error) {
	if m.createPoolFn != nil {
		return m.createPoolFn(ctx, arg, now)
	}
	return domain.Pool{ID: 1, Name: arg.Name, Capacity: arg.Capacity, CreatedAt: now}, nil
}

func (m *mockStore) GetPool(ctx context.Context, id int64) (domain.Pool, error) {
	if m.getPoolFn != nil {
		return m.getPoolFn(ctx, id)
	}
	return domain.Pool{ID: id, Capacity: 10}, nil
}

func (m *mockStore) ListPools(ctx context.Context) ([]domain.Pool, error) {
	if m.listPoolsFn != nil {
		return m.listPoolsFn(ctx)
	}
	return nil, nil
}

func (m *mockStore) CreateRequester(ctx context.Context, name string, now time.Time) (domain.Requester, error) {
	if m.createRequesterFn != nil {
		return m.createRequesterFn(ctx, name, now)
	}
	return domain.Requester{ID: 1, Name: name, CreatedAt: now}, nil
}

func (m *mockStore) ListClaimsByPool(ctx context.Context, poolID int64) ([]domain.Claim, error) {
	if m.listClaimsByPoolFn != nil {
		return m.listClaimsByPoolFn(ctx, poolID)
	}
	return nil, nil
}

func (m *mockStore) RequesterExists(ctx context.Context, id int64) (bool, error) {
	if m.requesterExistsFn != nil {
		return m.requesterExistsFn(ctx, id)
	}
	return true, nil
}

func (m *mockStore) FindClaim(ctx context.Context, poolID, requesterID int64) (*domain.Claim, error) {
	if m.findClaimFn != nil {
		return m.findClaimFn(ctx, poolID, requesterID)
	}
	return nil, nil
}

func (m *mockStore) UpdateGranted(ctx context.Context, poolID int64, granted int) error {
	if m.updateGrantedFn != nil {
		return m.updateGrantedFn(ctx, poolID, granted)
	}
	return nil
}

func (m *mockStore) InsertClaim(ctx context.Context, claim domain.Claim) (domain.Claim, error) {
	if m.insertClaimFn != nil {
		return m.insertClaimFn(ctx, claim)
	}
	claim.ID = 1
	return claim, nil
}

func (m *mockStore) GetClaim(ctx context.Context, id int64) (domain.Claim, error) {
	if m.getClaimFn != nil {
		return m.getClaimFn(ctx, id)
	}
	return domain.Claim{ID: id}, nil
}

func (m *mockStore) UpdateClaimUsage(ctx context.Context, claim domain.Claim) error {
	if m.updateClaimUsageFn != nil {
		return m.updateClaimUsageFn(ctx, claim)
	}
	return nil
}

type mockQueue struct {
	mu        sync.Mutex
	published []domain.ClaimRequest
	err       error
}

func (q *mockQueue) Publish(_ context.Context, req domain.ClaimRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.published = append(q.published, req)
	return "1700000000000-0", nil
}

type mockEvents struct {
	mu     sync.Mutex
	claims []domain.Claim
	err    error
}

func (e *mockEvents) PublishClaimIssued(_ context.Context, claim domain.Claim) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claims = append(e.claims, claim)
	return e.err
}

func (e *mockEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.claims)
}
