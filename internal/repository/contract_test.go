package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

type fullStore interface {
	Store
	FallbackStore
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func runStoreContract(t *testing.T, newStore func(t *testing.T) fullStore) {
	ctx := context.Background()

	t.Run("ClaimCommitsPoolAndLedgerTogether", func(t *testing.T) {
		s := newStore(t)
		pool, err := s.CreatePool(ctx, domain.NewPool{Name: "welcome", Capacity: 2, DiscountAmount: 500}, testNow)
		if err != nil {
			t.Fatalf("create pool: %v", err)
		}
		req, err := s.CreateRequester(ctx, "alice", testNow)
		if err != nil {
			t.Fatalf("create requester: %v", err)
		}

		var issued domain.Claim
		err = s.ExecTx(ctx, func(q Querier) error {
			ok, err := q.RequesterExists(ctx, req.ID)
			if err != nil || !ok {
				t.Fatalf("expected requester to exist, got %v %v", ok, err)
			}
			p, err := q.GetPool(ctx, pool.ID)
			if err != nil {
				return err
			}
			if existing, err := q.FindClaim(ctx, pool.ID, req.ID); err != nil || existing != nil {
				t.Fatalf("expected no existing claim, got %v %v", existing, err)
			}
			if err := p.Claim(testNow); err != nil {
				return err
			}
			if err := q.UpdateGranted(ctx, p.ID, p.Granted); err != nil {
				return err
			}
			issued, err = q.InsertClaim(ctx, domain.NewClaim(p.ID, req.ID, testNow))
			return err
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if issued.ID == 0 {
			t.Fatal("expected claim id to be assigned")
		}

		got, err := s.GetPool(ctx, pool.ID)
		if err != nil {
			t.Fatalf("get pool: %v", err)
		}
		if got.Granted != 1 || got.Remaining() != 1 {
			t.Fatalf("expected granted 1, got %d", got.Granted)
		}
		claims, err := s.ListClaimsByPool(ctx, pool.ID)
		if err != nil {
			t.Fatalf("list claims: %v", err)
		}
		if len(claims) != 1 || claims[0].RequesterID != req.ID {
			t.Fatalf("expected one claim for requester, got %+v", claims)
		}
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		pool, _ := s.CreatePool(ctx, domain.NewPool{Name: "welcome", Capacity: 2}, testNow)
		req, _ := s.CreateRequester(ctx, "bob", testNow)
		boom := errors.New("boom")

		err := s.ExecTx(ctx, func(q Querier) error {
			if err := q.UpdateGranted(ctx, pool.ID, 1); err != nil {
				return err
			}
			if _, err := q.InsertClaim(ctx, domain.NewClaim(pool.ID, req.ID, testNow)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		got, _ := s.GetPool(ctx, pool.ID)
		if got.Granted != 0 {
			t.Fatalf("expected granted 0 after rollback, got %d", got.Granted)
		}
		claims, _ := s.ListClaimsByPool(ctx, pool.ID)
		if len(claims) != 0 {
			t.Fatalf("expected no claims after rollback, got %+v", claims)
		}
	})

	t.Run("DuplicateClaimRejected", func(t *testing.T) {
		s := newStore(t)
		pool, _ := s.CreatePool(ctx, domain.NewPool{Name: "welcome", Capacity: 5}, testNow)
		req, _ := s.CreateRequester(ctx, "carol", testNow)

		insert := func() error {
			return s.ExecTx(ctx, func(q Querier) error {
				_, err := q.InsertClaim(ctx, domain.NewClaim(pool.ID, req.ID, testNow))
				return err
			})
		}
		if err := insert(); err != nil {
			t.Fatalf("expected first insert to succeed, got %v", err)
		}
		if err := insert(); !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
		}
	})

	t.Run("UpdateGrantedRefusesOverCapacity", func(t *testing.T) {
		s := newStore(t)
		pool, _ := s.CreatePool(ctx, domain.NewPool{Name: "tiny", Capacity: 1}, testNow)

		err := s.ExecTx(ctx, func(q Querier) error {
			return q.UpdateGranted(ctx, pool.ID, 2)
		})
		if !errors.Is(err, domain.ErrExhausted) {
			t.Fatalf("expected ErrExhausted, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetPool(ctx, 9999); !errors.Is(err, domain.ErrPoolNotFound) {
			t.Fatalf("expected ErrPoolNotFound, got %v", err)
		}
		err := s.ExecTx(ctx, func(q Querier) error {
			ok, err := q.RequesterExists(ctx, 9999)
			if err != nil {
				return err
			}
			if ok {
				t.Fatal("expected unknown requester")
			}
			_, err = q.GetClaim(ctx, 9999)
			return err
		})
		if !errors.Is(err, domain.ErrClaimNotFound) {
			t.Fatalf("expected ErrClaimNotFound, got %v", err)
		}
	})

	t.Run("ClaimUsage", func(t *testing.T) {
		s := newStore(t)
		pool, _ := s.CreatePool(ctx, domain.NewPool{Name: "welcome", Capacity: 5}, testNow)
		req, _ := s.CreateRequester(ctx, "dave", testNow)

		var claimID int64
		_ = s.ExecTx(ctx, func(q Querier) error {
			c, err := q.InsertClaim(ctx, domain.NewClaim(pool.ID, req.ID, testNow))
			claimID = c.ID
			return err
		})

		err := s.ExecTx(ctx, func(q Querier) error {
			c, err := q.GetClaim(ctx, claimID)
			if err != nil {
				return err
			}
			if err := c.MarkUsed(testNow.Add(time.Hour)); err != nil {
				return err
			}
			return q.UpdateClaimUsage(ctx, c)
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		claims, _ := s.ListClaimsByPool(ctx, pool.ID)
		if len(claims) != 1 || !claims[0].Used || claims[0].UsedAt == nil {
			t.Fatalf("expected used claim, got %+v", claims)
		}
	})

	t.Run("ListPoolsOrdered", func(t *testing.T) {
		s := newStore(t)
		expiry := testNow.Add(24 * time.Hour)
		a, _ := s.CreatePool(ctx, domain.NewPool{Name: "a", Capacity: 1}, testNow)
		b, _ := s.CreatePool(ctx, domain.NewPool{Name: "b", Capacity: 1, ExpiresAt: &expiry}, testNow)

		pools, err := s.ListPools(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(pools) < 2 || pools[len(pools)-2].ID != a.ID || pools[len(pools)-1].ID != b.ID {
			t.Fatalf("expected pools ordered by id, got %+v", pools)
		}
		if pools[len(pools)-1].ExpiresAt == nil || !pools[len(pools)-1].ExpiresAt.Equal(expiry) {
			t.Fatalf("expected expiry to round-trip, got %v", pools[len(pools)-1].ExpiresAt)
		}
	})

	t.Run("FallbackLifecycle", func(t *testing.T) {
		s := newStore(t)
		first, err := s.InsertFallback(ctx, domain.NewFallbackMessage("coupon.claim.issued", "1", `{"a":1}`, "down", 3, testNow))
		if err != nil {
			t.Fatalf("insert fallback: %v", err)
		}
		second, _ := s.InsertFallback(ctx, domain.NewFallbackMessage("coupon.claim.issued", "2", `{"a":2}`, "down", 3, testNow.Add(time.Second)))

		due, err := s.ListDueFallback(ctx, testNow, 10)
		if err != nil {
			t.Fatalf("list due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("expected nothing due before first retry, got %d", len(due))
		}

		due, _ = s.ListDueFallback(ctx, testNow.Add(2*time.Minute), 10)
		if len(due) != 2 || due[0].ID != first.ID || due[1].ID != second.ID {
			t.Fatalf("expected both due in creation order, got %+v", due)
		}

		due[0].MarkPublished(testNow.Add(2 * time.Minute))
		if err := s.UpdateFallback(ctx, due[0]); err != nil {
			t.Fatalf("update: %v", err)
		}
		due[1].IncrementRetry("still down", testNow.Add(2*time.Minute), time.Hour)
		_ = s.UpdateFallback(ctx, due[1])

		counts, err := s.CountFallbackByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[domain.FallbackPublished] != 1 || counts[domain.FallbackPending] != 1 || counts[domain.FallbackFailed] != 0 {
			t.Fatalf("unexpected counts %v", counts)
		}

		due, _ = s.ListDueFallback(ctx, testNow.Add(3*time.Minute), 10)
		if len(due) != 0 {
			t.Fatalf("expected retry backoff to hide message, got %+v", due)
		}
		due, _ = s.ListDueFallback(ctx, testNow.Add(4*time.Minute), 10)
		if len(due) != 1 || due[0].RetryCount != 1 || due[0].ErrorMessage != "still down" {
			t.Fatalf("expected retried message due again, got %+v", due)
		}
	})
}
