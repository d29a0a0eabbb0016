package domain

import (
	"fmt"
	"strings"
	"time"
)

// Pool is a fixed-quantity coupon inventory. Granted only ever grows and
// never exceeds Capacity.
type Pool struct {
	ID             int64
	Name           string
	DiscountAmount int64
	Capacity       int
	Granted        int
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

type NewPool struct {
	Name           string
	DiscountAmount int64
	Capacity       int
	ExpiresAt      *time.Time
}

func (p NewPool) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPool)
	}
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidPool)
	}
	if p.DiscountAmount < 0 {
		return fmt.Errorf("%w: discount amount must not be negative", ErrInvalidPool)
	}
	return nil
}

func (p Pool) Remaining() int {
	return p.Capacity - p.Granted
}

// Expired reports whether now is at or past the expiry instant.
func (p Pool) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p Pool) Available(now time.Time) bool {
	return p.Remaining() > 0 && !p.Expired(now)
}

// Claim takes one unit from the pool. The caller must hold exclusive access
// to the pool for the duration of the read-modify-write.
func (p *Pool) Claim(now time.Time) error {
	if p.Expired(now) {
		return ErrExpired
	}
	if p.Granted >= p.Capacity {
		return ErrExhausted
	}
	p.Granted++
	return nil
}
