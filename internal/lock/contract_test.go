package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runLockerContract exercises behaviour every Locker must share.
func runLockerContract(t *testing.T, newLocker func(t *testing.T) Locker) {
	t.Run("MutualExclusion", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		var inside, maxInside, total int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h, err := l.Acquire(ctx, "pool:1", 5*time.Second, 5*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&total, 1)
				atomic.AddInt32(&inside, -1)
				if err := l.Release(ctx, h); err != nil {
					t.Errorf("release: %v", err)
				}
			}()
		}
		wg.Wait()

		if maxInside != 1 {
			t.Fatalf("expected at most one holder at a time, saw %d", maxInside)
		}
		if total != 20 {
			t.Fatalf("expected 20 critical sections, got %d", total)
		}
	})

	t.Run("ReleaseWakesWaiter", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		h, err := l.Acquire(ctx, "pool:2", 0, 10*time.Second)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = l.Release(ctx, h)
		}()

		start := time.Now()
		h2, err := l.Acquire(ctx, "pool:2", 5*time.Second, 10*time.Second)
		if err != nil {
			t.Fatalf("expected waiter to acquire, got %v", err)
		}
		defer l.Release(ctx, h2)
		if waited := time.Since(start); waited > 2*time.Second {
			t.Fatalf("expected waiter to wake on release, waited %v", waited)
		}
	})

	t.Run("WaitTimeout", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		h, err := l.Acquire(ctx, "pool:3", 0, 5*time.Second)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer l.Release(ctx, h)

		start := time.Now()
		_, err = l.Acquire(ctx, "pool:3", 150*time.Millisecond, 5*time.Second)
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected ErrLockTimeout, got %v", err)
		}
		if waited := time.Since(start); waited < 100*time.Millisecond {
			t.Fatalf("expected to wait for the timeout, returned after %v", waited)
		}
	})

	t.Run("LeaseExpirySelfHeals", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		stale, err := l.Acquire(ctx, "pool:4", 0, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		h, err := l.Acquire(ctx, "pool:4", 3*time.Second, 5*time.Second)
		if err != nil {
			t.Fatalf("expected acquire after lease expiry, got %v", err)
		}
		if err := l.Release(ctx, stale); !errors.Is(err, ErrNotHeld) {
			t.Fatalf("expected ErrNotHeld for stale handle, got %v", err)
		}
		if err := l.Release(ctx, h); err != nil {
			t.Fatalf("expected current holder release to succeed, got %v", err)
		}
	})

	t.Run("TryAcquireSkipsWhenHeld", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		h, err := l.TryAcquire(ctx, "sweeper", time.Second)
		if err != nil || h == nil {
			t.Fatalf("expected handle, got %v %v", h, err)
		}
		again, err := l.TryAcquire(ctx, "sweeper", time.Second)
		if err != nil || again != nil {
			t.Fatalf("expected nil handle while held, got %v %v", again, err)
		}
		if err := l.Release(ctx, h); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		again, err = l.TryAcquire(ctx, "sweeper", time.Second)
		if err != nil || again == nil {
			t.Fatalf("expected handle after release, got %v %v", again, err)
		}
		_ = l.Release(ctx, again)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()

		a, err := l.Acquire(ctx, PoolKey(10), 0, 5*time.Second)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer l.Release(ctx, a)

		start := time.Now()
		b, err := l.Acquire(ctx, PoolKey(11), time.Second, 5*time.Second)
		if err != nil {
			t.Fatalf("expected other key to be free, got %v", err)
		}
		defer l.Release(ctx, b)
		if waited := time.Since(start); waited > 500*time.Millisecond {
			t.Fatalf("expected no wait on an unrelated key, waited %v", waited)
		}
	})

	t.Run("ContextCancel", func(t *testing.T) {
		l := newLocker(t)
		h, err := l.Acquire(context.Background(), "pool:5", 0, 5*time.Second)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer l.Release(context.Background(), h)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = l.Acquire(ctx, "pool:5", 5*time.Second, 5*time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context deadline, got %v", err)
		}
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		l := newLocker(t)
		ctx := context.Background()
		if _, err := l.Acquire(ctx, " ", time.Second, time.Second); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
		}
		if _, err := l.Acquire(ctx, "k", time.Second, 0); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for zero lease, got %v", err)
		}
		if err := l.Release(ctx, nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for nil handle, got %v", err)
		}
	})
}
