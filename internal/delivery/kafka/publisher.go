package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/azizikri/coupon-issuance/internal/repository"
	"github.com/azizikri/coupon-issuance/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// EventPublisher sends claim events to Kafka. Events the broker refuses are
// stored in the fallback store for the sweeper to retry.
type EventPublisher struct {
	producer producer
	fallback repository.FallbackStore
	log      logger.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	maxRetry int
}

type PublisherOption func(*EventPublisher)

func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *EventPublisher) { p.metrics = m }
}

func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *EventPublisher) { p.clock = c }
}

func WithMaxRetry(n int) PublisherOption {
	return func(p *EventPublisher) { p.maxRetry = n }
}

func NewEventPublisher(producer producer, fallback repository.FallbackStore, log logger.Logger, opts ...PublisherOption) *EventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	p := &EventPublisher{
		producer: producer,
		fallback: fallback,
		log:      log.With("component", "event-publisher"),
		clock:    clock.NewSystem(),
		maxRetry: domain.DefaultFallbackMaxRetry,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishClaimIssued returns nil once the event is either on the broker or
// in the fallback store. It errors only when both fail.
func (p *EventPublisher) PublishClaimIssued(ctx context.Context, claim domain.Claim) error {
	now := p.clock.Now()
	ticket, err := newClaimIssuedTicket(claim, now)
	if err != nil {
		return fmt.Errorf("encode claim event: %w", err)
	}
	value, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	key := claimKey(claim)

	produceCtx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	record := &kgo.Record{Topic: TopicClaimIssued, Key: []byte(key), Value: value}
	err = p.producer.ProduceSync(produceCtx, record).FirstErr()
	if err == nil {
		p.metrics.IncEventPublished(ResultPublished)
		return nil
	}

	p.log.Warn("publish claim event failed, storing for retry",
		"claim_id", claim.ID, "message_id", ticket.MessageID, "error", err)

	msg := domain.NewFallbackMessage(TopicClaimIssued, key, string(value), err.Error(), p.maxRetry, now)
	stored, storeErr := p.fallback.InsertFallback(context.WithoutCancel(ctx), msg)
	if storeErr != nil {
		p.metrics.IncEventPublished(ResultDropped)
		p.log.Error("store fallback message failed", "claim_id", claim.ID, "error", storeErr)
		return fmt.Errorf("publish claim event: %w (fallback: %w)", err, storeErr)
	}

	p.metrics.IncEventPublished(ResultFallback)
	p.log.Info("claim event stored in fallback", "claim_id", claim.ID, "fallback_id", stored.ID)
	return nil
}

var _ usecase.ClaimEventPublisher = (*EventPublisher)(nil)
