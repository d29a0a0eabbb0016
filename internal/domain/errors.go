package domain

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid claim request")
	ErrInvalidPool       = errors.New("invalid coupon pool")
	ErrPoolNotFound      = errors.New("coupon pool not found")
	ErrRequesterNotFound = errors.New("requester not found")
	ErrClaimNotFound     = errors.New("claim not found")
	ErrExpired           = errors.New("coupon pool has expired")
	ErrExhausted         = errors.New("coupon pool is exhausted")
	ErrAlreadyClaimed    = errors.New("requester has already claimed this coupon pool")
	ErrClaimAlreadyUsed  = errors.New("claim has already been used")
	ErrLockTimeout       = errors.New("timed out waiting for the pool lock")
	ErrUnavailable       = errors.New("issuance temporarily unavailable")
)

const (
	ReasonInvalidRequest = "INVALID_REQUEST"
	ReasonNotFound       = "NOT_FOUND"
	ReasonExpired        = "EXPIRED"
	ReasonExhausted      = "EXHAUSTED"
	ReasonAlreadyClaimed = "ALREADY_CLAIMED"
	ReasonAlreadyUsed    = "ALREADY_USED"
	ReasonLockTimeout    = "LOCK_TIMEOUT"
	ReasonUnavailable    = "UNAVAILABLE"
	ReasonInternal       = "INTERNAL_ERROR"
)

// ReasonCode maps an error to the stable code reported to callers.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidPool):
		return ReasonInvalidRequest
	case errors.Is(err, ErrPoolNotFound), errors.Is(err, ErrRequesterNotFound), errors.Is(err, ErrClaimNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrExhausted):
		return ReasonExhausted
	case errors.Is(err, ErrAlreadyClaimed):
		return ReasonAlreadyClaimed
	case errors.Is(err, ErrClaimAlreadyUsed):
		return ReasonAlreadyUsed
	case errors.Is(err, ErrLockTimeout):
		return ReasonLockTimeout
	case errors.Is(err, ErrUnavailable):
		return ReasonUnavailable
	default:
		return ReasonInternal
	}
}

// IsBusinessRejection reports whether err is a terminal outcome of a claim
// attempt. Retrying a rejected request cannot change its result.
func IsBusinessRejection(err error) bool {
	switch ReasonCode(err) {
	case ReasonInvalidRequest, ReasonNotFound, ReasonExpired, ReasonExhausted, ReasonAlreadyClaimed:
		return true
	default:
		return false
	}
}
