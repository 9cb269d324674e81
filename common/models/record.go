package models

import (
	"time"

	"github.com/samber/mo"
)

// DeliveryStatus is the outbox state of a collected record.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusFailed:
		return true
	}
	return false
}

// ReasonRateLimitExceeded is stored on records that exhausted their rate-limit retries.
const ReasonRateLimitExceeded = "rate limit exceeded"

// CollectedRecord is a single scraped post. URL is the normalized identity key.
type CollectedRecord struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Author        string         `json:"author"`
	Text          string         `json:"text"`
	Keyword       string         `json:"keyword"`
	MediaURL      string         `json:"media_url,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	PostedAt      time.Time      `json:"posted_at"`
	Status        DeliveryStatus `json:"status"`
	ErrorReason   string         `json:"error_reason,omitempty"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
}

// Media returns the media reference if the record carries one.
func (r CollectedRecord) Media() mo.Option[string] {
	if r.MediaURL == "" {
		return mo.None[string]()
	}
	return mo.Some(r.MediaURL)
}

// OutboxStats summarises delivery state across the record store.
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Exhausted int64 `json:"exhausted"`
}
