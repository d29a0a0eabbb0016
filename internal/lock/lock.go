package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLockTimeout     = errors.New("lock wait timeout")
	ErrNotHeld         = errors.New("lock not held")
	ErrInvalidArgument = errors.New("lock invalid argument")
	ErrUnavailable     = errors.New("lock backend unavailable")
)

const (
	DefaultWaitTimeout = 5 * time.Second
	DefaultLeaseTime   = 10 * time.Second
)

// Handle identifies one holder of a key. Token is unique per acquisition, so a
// holder whose lease expired cannot release a later holder's lock.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker grants mutually exclusive, lease-bounded access to a key.
//
// Acquire blocks up to wait for the key and fails with ErrLockTimeout when the
// wait elapses. TryAcquire never blocks and returns a nil handle when the key
// is held. Release fails with ErrNotHeld when the handle no longer owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error)
	TryAcquire(ctx context.Context, key string, lease time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

func PoolKey(poolID int64) string {
	return "pool:" + strconv.FormatInt(poolID, 10)
}

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

func validate(key string, wait, lease time.Duration) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", lockError(ErrInvalidArgument, "key is required")
	}
	if wait < 0 {
		return "", lockError(ErrInvalidArgument, "wait must be >= 0")
	}
	if lease <= 0 {
		return "", lockError(ErrInvalidArgument, "lease must be > 0")
	}
	return key, nil
}

func validateHandle(h *Handle) error {
	if h == nil || strings.TrimSpace(h.Key) == "" || h.Token == "" {
		return lockError(ErrInvalidArgument, "handle key and token are required")
	}
	return nil
}

func timeoutError(key string, wait time.Duration) error {
	return lockError(ErrLockTimeout, fmt.Sprintf("key %q not acquired within %s", key, wait))
}

func newToken() string {
	return uuid.NewString()
}
