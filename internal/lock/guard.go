package lock

import (
	"context"
	"errors"
	"time"

	"github.com/azizikri/coupon-issuance/internal/logger"
)

const releaseTimeout = 3 * time.Second

// Guard runs functions while holding a key. The function's context carries a
// deadline at the lease expiry, so work cannot outlive the lock it runs under.
type Guard struct {
	locker      Locker
	wait        time.Duration
	lease       time.Duration
	log         logger.Logger
	observeWait func(time.Duration)
}

type GuardOption func(*Guard)

func WithWaitTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.wait = d }
}

func WithLeaseTime(d time.Duration) GuardOption {
	return func(g *Guard) { g.lease = d }
}

func WithWaitObserver(fn func(time.Duration)) GuardOption {
	return func(g *Guard) { g.observeWait = fn }
}

func NewGuard(locker Locker, log logger.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = logger.Nop()
	}
	g := &Guard{
		locker: locker,
		wait:   DefaultWaitTimeout,
		lease:  DefaultLeaseTime,
		log:    log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do waits for key, runs fn and releases. ErrLockTimeout means fn never ran.
func (g *Guard) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	start := time.Now()
	h, err := g.locker.Acquire(ctx, key, g.wait, g.lease)
	if g.observeWait != nil && (err == nil || errors.Is(err, ErrLockTimeout)) {
		g.observeWait(time.Since(start))
	}
	if err != nil {
		return err
	}
	return g.run(ctx, h, fn)
}

// DoIfFree runs fn only when key can be taken immediately.
func (g *Guard) DoIfFree(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	h, err := g.locker.TryAcquire(ctx, key, g.lease)
	if err != nil {
		return false, err
	}
	if h == nil {
		g.log.Debug("lock held elsewhere, skipping", "key", key)
		return false, nil
	}
	return true, g.run(ctx, h, fn)
}

func (g *Guard) run(ctx context.Context, h *Handle, fn func(context.Context) error) error {
	defer g.release(ctx, h)

	leaseCtx, cancel := context.WithDeadline(ctx, h.ExpiresAt)
	defer cancel()
	return fn(leaseCtx)
}

func (g *Guard) release(ctx context.Context, h *Handle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := g.locker.Release(releaseCtx, h); err != nil {
		g.log.Warn("lock release failed", "key", h.Key, "error", err)
	}
}
