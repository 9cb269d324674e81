package services

import (
	"context"
	"errors"

	"github.com/speculumoris/twitbot/common/models"
)

var (
	// ErrRecordNotFound is returned when no record matches the lookup key.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordNotUpdated is returned when a conditional status update matched no row,
	// for example marking an already sent record.
	ErrRecordNotUpdated = errors.New("record not updated")
)

// UpsertResult reports which path an upsert took.
type UpsertResult struct {
	ID       string
	Inserted bool
}

// RecordStore is the durable outbox of collected records.
type RecordStore interface {
	// Upsert inserts a pending record, or merges fields into the existing record
	// with the same URL without touching its delivery status.
	Upsert(ctx context.Context, rec models.CollectedRecord) (UpsertResult, error)

	// GetByURL looks a record up by its normalized URL.
	GetByURL(ctx context.Context, url string) (models.CollectedRecord, error)

	// FetchPending returns up to limit pending records, oldest first.
	FetchPending(ctx context.Context, limit int) ([]models.CollectedRecord, error)

	// FetchRetryable returns failed records whose cool-down elapsed and that are
	// still below maxAttempts, oldest first.
	FetchRetryable(ctx context.Context, limit, maxAttempts int) ([]models.CollectedRecord, error)

	// MarkSent moves a record to sent. Sent records are never updated again.
	MarkSent(ctx context.Context, id string) error

	// MarkFailed moves a record to failed, records the reason and schedules the next attempt.
	MarkFailed(ctx context.Context, id, reason string) error

	// Stats counts records per delivery status.
	Stats(ctx context.Context, maxAttempts int) (models.OutboxStats, error)

	Ping(ctx context.Context) error
}
