package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fetchClient interface {
	producer
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// IssuedEventConsumer keeps an audit log of issued claims from its own
// consumer group. Offsets are committed after each processed batch, and never
// past an undecodable record that has not reached the dead-letter topic.
type IssuedEventConsumer struct {
	client     fetchClient
	log        logger.Logger
	ready      chan struct{}
	dlqBackoff time.Duration
}

func NewIssuedEventConsumer(client fetchClient, log logger.Logger) *IssuedEventConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &IssuedEventConsumer{
		client:     client,
		log:        log.With("component", "issued-event-consumer"),
		ready:      make(chan struct{}),
		dlqBackoff: dlqRetryBackoff,
	}
}

func (c *IssuedEventConsumer) Ready() <-chan struct{} {
	return c.ready
}

func (c *IssuedEventConsumer) Start(ctx context.Context) error {
	close(c.ready)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("consumer poll error", "topic", topic, "partition", partition, "error", err)
		})
		c.handleFetches(ctx, fetches)
	}
}

func (c *IssuedEventConsumer) handleFetches(ctx context.Context, fetches kgo.Fetches) {
	records := fetches.Records()
	if len(records) == 0 {
		return
	}
	for i, record := range records {
		if err := c.processRecord(ctx, record); err != nil {
			// The record and everything after it stay uncommitted and are
			// fetched again by whoever owns the partition next.
			c.log.Error("stopping batch before undelivered dead letter",
				"topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
			commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
			c.commit(commitCtx, records[:i])
			cancel()
			return
		}
	}
	c.commit(ctx, records)
}

func (c *IssuedEventConsumer) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		c.log.Error("commit records failed", "count", len(records), "error", err)
	}
}

func (c *IssuedEventConsumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ticket, payload, err := decodeTicket(record.Value)
	if err != nil {
		c.log.Warn("undecodable claim event", "topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
		return c.deadLetter(ctx, record, err.Error())
	}

	c.log.Info("claim issued",
		"message_id", ticket.MessageID,
		"claim_id", payload.ClaimID,
		"pool_id", payload.PoolID,
		"requester_id", payload.RequesterID,
		"claimed_at", payload.ClaimedAt,
		"partition", record.Partition,
		"offset", record.Offset,
	)
	return nil
}

// deadLetter retries the dead-letter publish until it lands or ctx ends.
func (c *IssuedEventConsumer) deadLetter(ctx context.Context, record *kgo.Record, message string) error {
	for attempt := 1; ; attempt++ {
		err := c.sendDLQ(ctx, record, message)
		if err == nil {
			return nil
		}
		c.log.Error("send to dead-letter topic failed", "topic", record.Topic+TopicDLQSuffix, "offset", record.Offset, "attempt", attempt, "error", err)

		timer := time.NewTimer(c.dlqBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("dead-letter offset %d: %w", record.Offset, err)
		case <-timer.C:
		}
	}
}

func (c *IssuedEventConsumer) sendDLQ(ctx context.Context, record *kgo.Record, message string) error {
	dlqRecord := &kgo.Record{
		Topic: record.Topic + TopicDLQSuffix,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: ErrorHeaderKey, Value: []byte(message)},
		},
	}
	produceCtx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	return c.client.ProduceSync(produceCtx, dlqRecord).FirstErr()
}
