package domain

import "time"

type Claim struct {
	ID          int64
	PoolID      int64
	RequesterID int64
	ClaimedAt   time.Time
	Used        bool
	UsedAt      *time.Time
}

func NewClaim(poolID, requesterID int64, now time.Time) Claim {
	return Claim{
		PoolID:      poolID,
		RequesterID: requesterID,
		ClaimedAt:   now,
	}
}

func (c *Claim) MarkUsed(now time.Time) error {
	if c.Used {
		return ErrClaimAlreadyUsed
	}
	c.Used = true
	c.UsedAt = &now
	return nil
}

type Requester struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// ClaimRequest is a claim accepted for asynchronous processing.
type ClaimRequest struct {
	PoolID      int64
	RequesterID int64
	RequestedAt time.Time
}

func (r ClaimRequest) Validate() error {
	if r.PoolID <= 0 || r.RequesterID <= 0 {
		return ErrInvalidRequest
	}
	return nil
}

const (
	StatusIssued  = "ISSUED"
	StatusPending = "PENDING"
)

// Receipt acknowledges that a claim request was queued. It promises nothing
// about the final outcome.
type Receipt struct {
	PoolID      int64
	RequesterID int64
	EventID     string
	Status      string
}
