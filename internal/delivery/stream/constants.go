package stream

import "time"

const (
	DefaultStream = "stream:coupon:issue"
	DefaultGroup  = "coupon-issue-group"

	DeadLetterSuffix = ".dlq"

	EventTypeClaimRequested = "coupon.claim.requested"

	FieldEnvelope   = "envelope"
	FieldReason     = "reason"
	FieldOriginalID = "original_id"

	defaultBatchSize         = 10
	defaultBlock             = 2 * time.Second
	defaultVisibilityTimeout = 30 * time.Second
	defaultReclaimInterval   = 15 * time.Second
	defaultMaxDeliveries     = 5
	defaultErrorBackoff      = time.Second
)
