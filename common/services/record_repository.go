package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/speculumoris/twitbot/common/db"
	"github.com/speculumoris/twitbot/common/models"
)

const recordColumns = `id::text, url, author, text, keyword, media_url, user_id, posted_at,
	status, error_reason, attempts, next_attempt_at, created_at, updated_at, sent_at`

const (
	insertRecordSQL = `
		INSERT INTO collected_records
			(id, url, author, text, keyword, media_url, user_id, posted_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, 'pending', NOW(), NOW())
		ON CONFLICT (url) DO NOTHING`

	// Existing URL: merge content, leave status and delivery bookkeeping alone.
	mergeRecordSQL = `
		UPDATE collected_records
		SET author = $2,
			text = $3,
			keyword = $4,
			media_url = COALESCE(NULLIF($5, ''), media_url),
			user_id = COALESCE(NULLIF($6, ''), user_id),
			posted_at = COALESCE($7::timestamptz, posted_at),
			updated_at = NOW()
		WHERE url = $1
		RETURNING id::text`
)

// Querier is the part of *pgxpool.Pool the repository uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// RecordRepository is the PostgreSQL implementation of RecordStore.
type RecordRepository struct {
	pool Querier
}

// NewRecordRepository creates a new PostgreSQL RecordRepository
func NewRecordRepository(pool Querier) *RecordRepository {
	return &RecordRepository{pool: pool}
}

var _ RecordStore = (*RecordRepository)(nil)

func (r *RecordRepository) Upsert(ctx context.Context, rec models.CollectedRecord) (UpsertResult, error) {
	id := uuid.New()
	if rec.ID != "" {
		parsed, err := uuid.Parse(rec.ID)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("invalid record id %q: %w", rec.ID, err)
		}
		id = parsed
	}
	postedAt := rec.PostedAt
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, insertRecordSQL,
		id, rec.URL, rec.Author, rec.Text, rec.Keyword, rec.MediaURL, rec.UserID, postedAt)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return UpsertResult{ID: id.String(), Inserted: true}, nil
	}

	// A zero posted_at keeps the stored one.
	var mergedPostedAt *time.Time
	if !rec.PostedAt.IsZero() {
		mergedPostedAt = &rec.PostedAt
	}

	var existingID string
	err = r.pool.QueryRow(ctx, mergeRecordSQL,
		rec.URL, rec.Author, rec.Text, rec.Keyword, rec.MediaURL, rec.UserID, mergedPostedAt).Scan(&existingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UpsertResult{}, fmt.Errorf("merge record %s: %w", rec.URL, ErrRecordNotFound)
		}
		return UpsertResult{}, fmt.Errorf("merge record: %w", err)
	}
	return UpsertResult{ID: existingID, Inserted: false}, nil
}

func (r *RecordRepository) GetByURL(ctx context.Context, url string) (models.CollectedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM collected_records WHERE url = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CollectedRecord{}, ErrRecordNotFound
		}
		return models.CollectedRecord{}, fmt.Errorf("get record by url: %w", err)
	}
	return rec, nil
}

func (r *RecordRepository) FetchPending(ctx context.Context, limit int) ([]models.CollectedRecord, error) {
	query := db.PollQueryMarker + ` SELECT ` + recordColumns + `
		FROM collected_records
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`

	return r.queryRecords(ctx, query, limit)
}

func (r *RecordRepository) FetchRetryable(ctx context.Context, limit, maxAttempts int) ([]models.CollectedRecord, error) {
	query := db.PollQueryMarker + ` SELECT ` + recordColumns + `
		FROM collected_records
		WHERE status = 'failed'
			AND attempts < $1
			AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	return r.queryRecords(ctx, query, maxAttempts, limit)
}

func (r *RecordRepository) MarkSent(ctx context.Context, id string) error {
	query := `
		UPDATE collected_records
		SET status = 'sent',
			sent_at = NOW(),
			error_reason = NULL,
			next_attempt_at = NULL,
			updated_at = NOW()
		WHERE id = $1::uuid AND status <> 'sent'`

	return r.execExpectOneRow(ctx, query, id)
}

// MarkFailed uses the pre-increment attempt count for the cool-down: 1m, 2m, 4m...
func (r *RecordRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE collected_records
		SET status = 'failed',
			error_reason = $2,
			attempts = attempts + 1,
			next_attempt_at = NOW() + INTERVAL '1 minute' * POWER(2, attempts),
			updated_at = NOW()
		WHERE id = $1::uuid AND status <> 'sent'`

	return r.execExpectOneRow(ctx, query, id, reason)
}

func (r *RecordRepository) Stats(ctx context.Context, maxAttempts int) (models.OutboxStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= $1)
		FROM collected_records`

	var stats models.OutboxStats
	err := r.pool.QueryRow(ctx, query, maxAttempts).Scan(
		&stats.Pending, &stats.Sent, &stats.Failed, &stats.Exhausted)
	if err != nil {
		return models.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

func (r *RecordRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *RecordRepository) queryRecords(ctx context.Context, query string, args ...any) ([]models.CollectedRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []models.CollectedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func (r *RecordRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotUpdated
	}
	return nil
}

func scanRecord(row pgx.Row) (models.CollectedRecord, error) {
	var (
		rec         models.CollectedRecord
		status      string
		mediaURL    *string
		userID      *string
		errorReason *string
	)
	err := row.Scan(
		&rec.ID, &rec.URL, &rec.Author, &rec.Text, &rec.Keyword, &mediaURL, &userID, &rec.PostedAt,
		&status, &errorReason, &rec.Attempts, &rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.SentAt,
	)
	if err != nil {
		return models.CollectedRecord{}, err
	}
	rec.Status = models.DeliveryStatus(status)
	if mediaURL != nil {
		rec.MediaURL = *mediaURL
	}
	if userID != nil {
		rec.UserID = *userID
	}
	if errorReason != nil {
		rec.ErrorReason = *errorReason
	}
	return rec, nil
}
