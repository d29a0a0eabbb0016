package domain

import (
	"math"
	"time"
)

type FallbackStatus string

const (
	FallbackPending   FallbackStatus = "PENDING"
	FallbackPublished FallbackStatus = "PUBLISHED"
	FallbackFailed    FallbackStatus = "FAILED"
)

const (
	DefaultFallbackMaxRetry   = 3
	DefaultFallbackMaxBackoff = time.Hour
	fallbackFirstRetryDelay   = time.Minute
)

// FallbackMessage is an outbound event that could not be published and is
// kept for a later republish attempt.
type FallbackMessage struct {
	ID           int64
	Topic        string
	MessageKey   string
	Payload      string
	RetryCount   int
	MaxRetry     int
	Status       FallbackStatus
	ErrorMessage string
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewFallbackMessage(topic, key, payload, cause string, maxRetry int, now time.Time) FallbackMessage {
	if maxRetry <= 0 {
		maxRetry = DefaultFallbackMaxRetry
	}
	next := now.Add(fallbackFirstRetryDelay)
	return FallbackMessage{
		Topic:        topic,
		MessageKey:   key,
		Payload:      payload,
		MaxRetry:     maxRetry,
		Status:       FallbackPending,
		ErrorMessage: cause,
		NextRetryAt:  &next,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Due reports whether the message should be retried at now.
func (m FallbackMessage) Due(now time.Time) bool {
	if m.Status != FallbackPending {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

// IncrementRetry records a failed republish. The message fails permanently
// once RetryCount reaches MaxRetry; otherwise the next attempt is scheduled
// 2^RetryCount minutes out, capped at maxBackoff.
func (m *FallbackMessage) IncrementRetry(cause string, now time.Time, maxBackoff time.Duration) {
	if maxBackoff <= 0 {
		maxBackoff = DefaultFallbackMaxBackoff
	}
	m.RetryCount++
	m.ErrorMessage = cause
	m.UpdatedAt = now
	if m.RetryCount >= m.MaxRetry {
		m.Status = FallbackFailed
		m.NextRetryAt = nil
		return
	}
	delay := time.Duration(math.Pow(2, float64(m.RetryCount))) * time.Minute
	if delay > maxBackoff {
		delay = maxBackoff
	}
	next := now.Add(delay)
	m.NextRetryAt = &next
}

func (m *FallbackMessage) MarkPublished(now time.Time) {
	m.Status = FallbackPublished
	m.ErrorMessage = ""
	m.NextRetryAt = nil
	m.UpdatedAt = now
}
