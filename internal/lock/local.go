package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker. It gives no guarantee across processes.
//
// Entries are created on first use and kept for the life of the process.
// Waiters park on the holder's released channel instead of polling, and wake
// early when the holder's lease runs out.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	token     string
	expiresAt time.Time
	released  chan struct{}
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	key, err := validate(key, wait, lease)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		h, released, holderLeft := l.tryGrant(key, lease)
		if h != nil {
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutError(key, wait)
		}
		if holderLeft < remaining {
			remaining = holderLeft
		}

		timer := time.NewTimer(remaining)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

func (l *Local) TryAcquire(_ context.Context, key string, lease time.Duration) (*Handle, error) {
	key, err := validate(key, 0, lease)
	if err != nil {
		return nil, err
	}
	h, _, _ := l.tryGrant(key, lease)
	return h, nil
}

func (l *Local) Release(_ context.Context, h *Handle) error {
	if err := validateHandle(h); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[h.Key]
	if !ok || e.token != h.Token {
		return lockError(ErrNotHeld, h.Key)
	}
	expired := !time.Now().Before(e.expiresAt)
	e.free()
	if expired {
		return lockError(ErrNotHeld, h.Key+": lease expired")
	}
	return nil
}

// tryGrant takes the key if it is free or its lease has run out. Otherwise it
// returns the holder's released channel and remaining lease.
func (l *Local) tryGrant(key string, lease time.Duration) (*Handle, <-chan struct{}, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{}
		l.entries[key] = e
	}

	now := time.Now()
	if e.token != "" && now.Before(e.expiresAt) {
		return nil, e.released, e.expiresAt.Sub(now)
	}

	// An expired holder still has waiters parked on its channel.
	e.free()
	e.token = newToken()
	e.expiresAt = now.Add(lease)
	e.released = make(chan struct{})
	return &Handle{Key: key, Token: e.token, AcquiredAt: now, ExpiresAt: e.expiresAt}, nil, 0
}

func (e *localEntry) free() {
	if e.released != nil {
		close(e.released)
		e.released = nil
	}
	e.token = ""
	e.expiresAt = time.Time{}
}
