package stream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/azizikri/coupon-issuance/internal/clock"
	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Issuer applies a queued claim request. It must be idempotent per
// (pool, requester).
type Issuer interface {
	ApplyQueued(ctx context.Context, poolID, requesterID int64) (domain.Claim, error)
}

type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XInfoGroups(ctx context.Context, key string) *redis.XInfoGroupsCmd
	XTrimMinID(ctx context.Context, key string, minID string) *redis.IntCmd
}

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	BatchSize int64
	Block     time.Duration
	// VisibilityTimeout is how long an entry may sit unacknowledged with one
	// consumer before another consumer takes it over.
	VisibilityTimeout time.Duration
	ReclaimInterval   time.Duration
	// MaxDeliveries bounds redelivery; past it the entry is dead-lettered.
	MaxDeliveries int64
	ErrorBackoff  time.Duration
	// Retention is how long acknowledged entries are kept before TrimAcked
	// drops them. Zero disables trimming.
	Retention time.Duration
}

func (c *ConsumerConfig) normalize() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "worker-1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

type Consumer struct {
	client  streamClient
	issuer  Issuer
	config  ConsumerConfig
	log     logger.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	ready   chan struct{}
}

func NewConsumer(client streamClient, issuer Issuer, cfg ConsumerConfig, log logger.Logger, m *metrics.Metrics) *Consumer {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		client:  client,
		issuer:  issuer,
		config:  cfg,
		log:     log.With("component", "claim-consumer", "consumer", cfg.Consumer),
		metrics: m,
		clock:   clock.NewSystem(),
		ready:   make(chan struct{}),
	}
}

func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start consumes until ctx is cancelled. Entries left unacknowledged stay in
// the group's pending list and are picked up again by reclaim.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	close(c.ready)

	lastReclaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastReclaim) >= c.config.ReclaimInterval {
			c.Reclaim(ctx)
			if _, err := c.TrimAcked(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("trim claim stream failed", "error", err)
			}
			lastReclaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			Streams:  []string{c.config.Stream, ">"},
			Count:    c.config.BatchSize,
			Block:    c.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("read claim requests failed", "error", err)
			c.sleep(ctx, c.config.ErrorBackoff)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// Reclaim takes over entries idle past the visibility timeout and processes
// them again.
func (c *Consumer) Reclaim(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.config.Stream,
		Group:  c.config.Group,
		Idle:   c.config.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  c.config.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("list pending claim requests failed", "error", err)
		}
		return
	}

	for _, p := range pending {
		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.config.Stream,
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			MinIdle:  c.config.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error("claim pending request failed", "id", p.ID, "error", err)
			continue
		}

		for _, msg := range msgs {
			if p.RetryCount >= c.config.MaxDeliveries {
				c.log.Warn("claim request exceeded max deliveries", "id", msg.ID, "deliveries", p.RetryCount)
				c.deadLetter(ctx, msg, "max deliveries exceeded")
				continue
			}
			c.metrics.IncRedelivery()
			c.log.Info("redelivering claim request", "id", msg.ID, "from", p.Consumer, "deliveries", p.RetryCount)
			c.handle(ctx, msg)
		}
	}
}

// TrimAcked drops entries older than the retention window that every group
// on the stream has already acknowledged. Unread and pending entries are kept
// whatever their age.
func (c *Consumer) TrimAcked(ctx context.Context) (int64, error) {
	if c.config.Retention <= 0 {
		return 0, nil
	}

	floor, err := c.trimFloor(ctx)
	if err != nil {
		return 0, err
	}
	if floor == (streamID{}) {
		return 0, nil
	}

	n, err := c.client.XTrimMinID(ctx, c.config.Stream, floor.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", c.config.Stream, err)
	}
	if n > 0 {
		c.log.Info("trimmed acknowledged claim requests", "count", n, "min_id", floor.String())
	}
	return n, nil
}

// trimFloor is the lowest id that must survive: the retention cutoff, or the
// oldest entry some group has not acknowledged, whichever comes first.
func (c *Consumer) trimFloor(ctx context.Context) (streamID, error) {
	floor := streamID{ms: uint64(c.clock.Now().Add(-c.config.Retention).UnixMilli())}

	groups, err := c.client.XInfoGroups(ctx, c.config.Stream).Result()
	if err != nil {
		return streamID{}, fmt.Errorf("xinfo groups %s: %w", c.config.Stream, err)
	}
	if len(groups) == 0 {
		return streamID{}, nil
	}

	for _, g := range groups {
		// Entries after the last delivered id have not been read yet.
		floor = minStreamID(floor, parseStreamID(g.LastDeliveredID))
		if g.Pending == 0 {
			continue
		}
		summary, err := c.client.XPending(ctx, c.config.Stream, g.Name).Result()
		if err != nil {
			return streamID{}, fmt.Errorf("xpending %s: %w", g.Name, err)
		}
		if summary.Count > 0 {
			floor = minStreamID(floor, parseStreamID(summary.Lower))
		}
	}
	return floor, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	outcome, reason := c.process(ctx, msg)
	switch outcome {
	case dispositionAck:
		c.metrics.IncQueueAck(reason)
		c.ack(ctx, msg.ID)
	case dispositionDeadLetter:
		c.deadLetter(ctx, msg, reason)
	case dispositionRetry:
		// left pending for reclaim
	}
}

// process applies one entry and decides what happens to it. Success and
// business rejections are final. Anything else is retried by redelivery.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) (disposition, string) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		c.log.Warn("malformed claim request", "id", msg.ID, "error", err)
		return dispositionDeadLetter, err.Error()
	}

	poolID, requesterID := env.Payload.PoolID, env.Payload.RequesterID
	claim, err := c.issuer.ApplyQueued(ctx, poolID, requesterID)
	switch {
	case err == nil:
		c.log.Info("queued claim issued",
			"id", msg.ID, "message_id", env.MessageID, "claim_id", claim.ID,
			"pool_id", poolID, "requester_id", requesterID)
		return dispositionAck, domain.StatusIssued
	case domain.IsBusinessRejection(err):
		reason := domain.ReasonCode(err)
		c.log.Info("queued claim rejected",
			"id", msg.ID, "message_id", env.MessageID, "reason", reason,
			"pool_id", poolID, "requester_id", requesterID)
		return dispositionAck, reason
	default:
		c.log.Error("queued claim failed, leaving pending",
			"id", msg.ID, "message_id", env.MessageID,
			"pool_id", poolID, "requester_id", requesterID, "error", err)
		return dispositionRetry, domain.ReasonCode(err)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.config.Stream, c.config.Group, id).Err(); err != nil {
		c.log.Error("ack claim request failed", "id", id, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := map[string]any{
		FieldReason:     reason,
		FieldOriginalID: msg.ID,
	}
	if raw, ok := msg.Values[FieldEnvelope]; ok {
		values[FieldEnvelope] = raw
	}

	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.config.Stream + DeadLetterSuffix,
		Values: values,
	}).Err()
	if err != nil {
		c.log.Error("dead-letter claim request failed", "id", msg.ID, "error", err)
		return
	}
	c.metrics.IncDeadLetter()
	c.ack(ctx, msg.ID)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type streamID struct {
	ms  uint64
	seq uint64
}

// parseStreamID reads "<ms>-<seq>". Anything unreadable becomes the zero id,
// which trims nothing.
func parseStreamID(id string) streamID {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil && seqPart != "" {
		return streamID{}
	}
	return streamID{ms: ms, seq: seq}
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func minStreamID(a, b streamID) streamID {
	if c := cmp.Compare(a.ms, b.ms); c < 0 || (c == 0 && a.seq <= b.seq) {
		return a
	}
	return b
}
