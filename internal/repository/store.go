package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store interface {
	ExecTx(ctx context.Context, fn func(Querier) error) error
	CreatePool(ctx context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error)
	GetPool(ctx context.Context, id int64) (domain.Pool, error)
	ListPools(ctx context.Context) ([]domain.Pool, error)
	CreateRequester(ctx context.Context, name string, now time.Time) (domain.Requester, error)
	ListClaimsByPool(ctx context.Context, poolID int64) ([]domain.Claim, error)
}

// Querier is the transactional view used while a pool lock is held.
type Querier interface {
	GetPool(ctx context.Context, id int64) (domain.Pool, error)
	RequesterExists(ctx context.Context, id int64) (bool, error)
	FindClaim(ctx context.Context, poolID, requesterID int64) (*domain.Claim, error)
	UpdateGranted(ctx context.Context, poolID int64, granted int) error
	InsertClaim(ctx context.Context, claim domain.Claim) (domain.Claim, error)
	GetClaim(ctx context.Context, id int64) (domain.Claim, error)
	UpdateClaimUsage(ctx context.Context, claim domain.Claim) error
}

// FallbackStore keeps outbound events that could not be published.
type FallbackStore interface {
	InsertFallback(ctx context.Context, msg domain.FallbackMessage) (domain.FallbackMessage, error)
	ListDueFallback(ctx context.Context, now time.Time, limit int) ([]domain.FallbackMessage, error)
	UpdateFallback(ctx context.Context, msg domain.FallbackMessage) error
	CountFallbackByStatus(ctx context.Context) (map[domain.FallbackStatus]int64, error)
}

type Postgres struct {
	pool    *pgxpool.Pool
	queries *queries
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:    pool,
		queries: &queries{db: pool},
	}
}

func (s *Postgres) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	q := s.queries.withTx(tx)
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) CreatePool(ctx context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error) {
	return s.queries.CreatePool(ctx, arg, now)
}

func (s *Postgres) GetPool(ctx context.Context, id int64) (domain.Pool, error) {
	return s.queries.GetPool(ctx, id)
}

func (s *Postgres) ListPools(ctx context.Context) ([]domain.Pool, error) {
	return s.queries.ListPools(ctx)
}

func (s *Postgres) CreateRequester(ctx context.Context, name string, now time.Time) (domain.Requester, error) {
	return s.queries.CreateRequester(ctx, name, now)
}

func (s *Postgres) ListClaimsByPool(ctx context.Context, poolID int64) ([]domain.Claim, error) {
	return s.queries.ListClaimsByPool(ctx, poolID)
}

func (s *Postgres) InsertFallback(ctx context.Context, msg domain.FallbackMessage) (domain.FallbackMessage, error) {
	return s.queries.InsertFallback(ctx, msg)
}

func (s *Postgres) ListDueFallback(ctx context.Context, now time.Time, limit int) ([]domain.FallbackMessage, error) {
	return s.queries.ListDueFallback(ctx, now, limit)
}

func (s *Postgres) UpdateFallback(ctx context.Context, msg domain.FallbackMessage) error {
	return s.queries.UpdateFallback(ctx, msg)
}

func (s *Postgres) CountFallbackByStatus(ctx context.Context) (map[domain.FallbackStatus]int64, error) {
	return s.queries.CountFallbackByStatus(ctx)
}
