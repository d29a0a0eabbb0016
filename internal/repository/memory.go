package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

// Memory is a process-local Store and FallbackStore. Transactions are
// serialized and buffer their writes until fn returns nil.
type Memory struct {
	mu sync.Mutex

	pools      map[int64]domain.Pool
	requesters map[int64]domain.Requester
	claims     map[int64]domain.Claim
	claimIndex map[claimKey]int64
	fallback   map[int64]domain.FallbackMessage

	nextPoolID      int64
	nextRequesterID int64
	nextClaimID     int64
	nextFallbackID  int64
}

type claimKey struct {
	poolID      int64
	requesterID int64
}

func NewMemory() *Memory {
	return &Memory{
		pools:      make(map[int64]domain.Pool),
		requesters: make(map[int64]domain.Requester),
		claims:     make(map[int64]domain.Claim),
		claimIndex: make(map[claimKey]int64),
		fallback:   make(map[int64]domain.FallbackMessage),
	}
}

func (m *Memory) ExecTx(ctx context.Context, fn func(Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:  m,
		pools:  make(map[int64]domain.Pool),
		claims: make(map[int64]domain.Claim),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) CreatePool(_ context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPoolID++
	p := domain.Pool{
		ID:             m.nextPoolID,
		Name:           arg.Name,
		DiscountAmount: arg.DiscountAmount,
		Capacity:       arg.Capacity,
		ExpiresAt:      arg.ExpiresAt,
		CreatedAt:      now,
	}
	m.pools[p.ID] = p
	return p, nil
}

func (m *Memory) GetPool(_ context.Context, id int64) (domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (m *Memory) ListPools(_ context.Context) ([]domain.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pools := make([]domain.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (m *Memory) CreateRequester(_ context.Context, name string, now time.Time) (domain.Requester, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRequesterID++
	r := domain.Requester{ID: m.nextRequesterID, Name: name, CreatedAt: now}
	m.requesters[r.ID] = r
	return r, nil
}

func (m *Memory) ListClaimsByPool(_ context.Context, poolID int64) ([]domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claims []domain.Claim
	for _, c := range m.claims {
		if c.PoolID == poolID {
			claims = append(claims, c)
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })
	return claims, nil
}

func (m *Memory) InsertFallback(_ context.Context, msg domain.FallbackMessage) (domain.FallbackMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextFallbackID++
	msg.ID = m.nextFallbackID
	m.fallback[msg.ID] = msg
	return msg, nil
}

func (m *Memory) ListDueFallback(_ context.Context, now time.Time, limit int) ([]domain.FallbackMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []domain.FallbackMessage
	for _, msg := range m.fallback {
		if msg.Due(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) UpdateFallback(_ context.Context, msg domain.FallbackMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fallback[msg.ID]; !ok {
		return fmt.Errorf("fallback message %d not found", msg.ID)
	}
	m.fallback[msg.ID] = msg
	return nil
}

func (m *Memory) CountFallbackByStatus(_ context.Context) (map[domain.FallbackStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[domain.FallbackStatus]int64{
		domain.FallbackPending:   0,
		domain.FallbackPublished: 0,
		domain.FallbackFailed:    0,
	}
	for _, msg := range m.fallback {
		counts[msg.Status]++
	}
	return counts, nil
}

// memoryTx runs with Memory.mu held.
type memoryTx struct {
	store  *Memory
	pools  map[int64]domain.Pool
	claims map[int64]domain.Claim
}

func (tx *memoryTx) GetPool(_ context.Context, id int64) (domain.Pool, error) {
	if p, ok := tx.pools[id]; ok {
		return p, nil
	}
	p, ok := tx.store.pools[id]
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (tx *memoryTx) RequesterExists(_ context.Context, id int64) (bool, error) {
	_, ok := tx.store.requesters[id]
	return ok, nil
}

func (tx *memoryTx) FindClaim(_ context.Context, poolID, requesterID int64) (*domain.Claim, error) {
	if c, ok := tx.lookupClaim(poolID, requesterID); ok {
		return &c, nil
	}
	return nil, nil
}

func (tx *memoryTx) UpdateGranted(ctx context.Context, poolID int64, granted int) error {
	p, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if granted > p.Capacity {
		return domain.ErrExhausted
	}
	p.Granted = granted
	tx.pools[poolID] = p
	return nil
}

func (tx *memoryTx) InsertClaim(_ context.Context, claim domain.Claim) (domain.Claim, error) {
	if _, ok := tx.lookupClaim(claim.PoolID, claim.RequesterID); ok {
		return domain.Claim{}, domain.ErrAlreadyClaimed
	}
	tx.store.nextClaimID++
	claim.ID = tx.store.nextClaimID
	tx.claims[claim.ID] = claim
	return claim, nil
}

func (tx *memoryTx) GetClaim(_ context.Context, id int64) (domain.Claim, error) {
	if c, ok := tx.claims[id]; ok {
		return c, nil
	}
	c, ok := tx.store.claims[id]
	if !ok {
		return domain.Claim{}, domain.ErrClaimNotFound
	}
	return c, nil
}

func (tx *memoryTx) UpdateClaimUsage(ctx context.Context, claim domain.Claim) error {
	current, err := tx.GetClaim(ctx, claim.ID)
	if err != nil {
		return err
	}
	current.Used = claim.Used
	current.UsedAt = claim.UsedAt
	tx.claims[claim.ID] = current
	return nil
}

func (tx *memoryTx) lookupClaim(poolID, requesterID int64) (domain.Claim, bool) {
	for _, c := range tx.claims {
		if c.PoolID == poolID && c.RequesterID == requesterID {
			return c, true
		}
	}
	id, ok := tx.store.claimIndex[claimKey{poolID, requesterID}]
	if !ok {
		return domain.Claim{}, false
	}
	return tx.store.claims[id], true
}

func (tx *memoryTx) commit() {
	for id, p := range tx.pools {
		tx.store.pools[id] = p
	}
	for id, c := range tx.claims {
		tx.store.claims[id] = c
		tx.store.claimIndex[claimKey{c.PoolID, c.RequesterID}] = id
	}
}
