package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errMalformed = errors.New("malformed claim request")

type ClaimPayload struct {
	PoolID      int64 `json:"pool_id"`
	RequesterID int64 `json:"requester_id"`
}

type Envelope struct {
	MessageID string       `json:"message_id"`
	EventType string       `json:"event_type"`
	Payload   ClaimPayload `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}

func newEnvelope(req domain.ClaimRequest) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		EventType: EventTypeClaimRequested,
		Payload: ClaimPayload{
			PoolID:      req.PoolID,
			RequesterID: req.RequesterID,
		},
		CreatedAt: req.RequestedAt,
	}
}

func decodeEnvelope(msg redis.XMessage) (Envelope, error) {
	raw, ok := msg.Values[FieldEnvelope].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing %s field", errMalformed, FieldEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.EventType != EventTypeClaimRequested {
		return Envelope{}, fmt.Errorf("%w: unexpected event type %q", errMalformed, env.EventType)
	}
	return env, nil
}
