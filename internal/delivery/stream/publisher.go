package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/redis/go-redis/v9"
)

type PublisherConfig struct {
	Stream string
}

type Publisher struct {
	client redis.Cmdable
	config PublisherConfig
}

func NewPublisher(client redis.Cmdable, cfg PublisherConfig) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	return &Publisher{client: client, config: cfg}
}

// Publish appends the request to the stream and returns the entry id. The
// stream is never capped here: an entry may only go once its group has acked
// it, which is Consumer.TrimAcked's job.
func (p *Publisher) Publish(ctx context.Context, req domain.ClaimRequest) (string, error) {
	raw, err := json.Marshal(newEnvelope(req))
	if err != nil {
		return "", fmt.Errorf("encode claim request: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.config.Stream,
		Values: map[string]any{FieldEnvelope: string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.config.Stream, err)
	}
	return id, nil
}
