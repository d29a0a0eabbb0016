package kafka

import "time"

const (
	TopicClaimIssued = "coupon.claim.issued"
	TopicDLQSuffix   = ".dlq"

	EventTypeClaimIssued = "coupon.claim.issued"

	PublishTimeout = 3 * time.Second

	sweepLeaseMargin = 30 * time.Second
	dlqRetryBackoff  = time.Second

	// SweeperLockKey serializes fallback sweeps across instances.
	SweeperLockKey = "sweeper:fallback"

	ErrorHeaderKey = "x-error"
)

const (
	ResultPublished = "published"
	ResultFallback  = "fallback"
	ResultDropped   = "dropped"
)
