package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/google/uuid"
)

var errMalformedTicket = errors.New("malformed ticket")

// Ticket is the envelope every outbound event travels in.
type Ticket struct {
	MessageID string          `json:"message_id"`
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type ClaimIssuedPayload struct {
	SchemaVersion int       `json:"schema_version"`
	ClaimID       int64     `json:"claim_id"`
	PoolID        int64     `json:"pool_id"`
	RequesterID   int64     `json:"requester_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

func newClaimIssuedTicket(claim domain.Claim, now time.Time) (Ticket, error) {
	payload, err := json.Marshal(ClaimIssuedPayload{
		SchemaVersion: 1,
		ClaimID:       claim.ID,
		PoolID:        claim.PoolID,
		RequesterID:   claim.RequesterID,
		ClaimedAt:     claim.ClaimedAt,
	})
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{
		MessageID: uuid.NewString(),
		Topic:     TopicClaimIssued,
		EventType: EventTypeClaimIssued,
		Payload:   payload,
		Timestamp: now,
	}, nil
}

// claimKey partitions claim events by pool so a pool's events stay ordered.
func claimKey(claim domain.Claim) string {
	return strconv.FormatInt(claim.PoolID, 10)
}

func decodeTicket(value []byte) (Ticket, ClaimIssuedPayload, error) {
	var ticket Ticket
	if err := json.Unmarshal(value, &ticket); err != nil {
		return Ticket{}, ClaimIssuedPayload{}, fmt.Errorf("%w: %v", errMalformedTicket, err)
	}
	if ticket.EventType != EventTypeClaimIssued {
		return Ticket{}, ClaimIssuedPayload{}, fmt.Errorf("%w: unexpected event type %q", errMalformedTicket, ticket.EventType)
	}
	var payload ClaimIssuedPayload
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		return Ticket{}, ClaimIssuedPayload{}, fmt.Errorf("%w: payload: %v", errMalformedTicket, err)
	}
	return ticket, payload, nil
}
