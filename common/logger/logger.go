package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/db"
)

// Setup configures the global zerolog logger.
func Setup(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Crawl lifecycle event types stored in crawler_logs.
const (
	EventCrawlStarted    = "crawl.started"
	EventCrawlCompleted  = "crawl.completed"
	EventCrawlAbandoned  = "crawl.abandoned"
	EventDeliveryFailed  = "delivery.failed"
	EventIngestTruncated = "ingest.truncated"
)

// LogEvent represents a log event
type LogEvent struct {
	JobID     string
	Keyword   string
	RecordID  string
	EventType string
	Message   string
	Details   map[string]any
}

// LogService persists crawl lifecycle events to the crawler_logs table.
// A nil database turns it into a console-only logger.
type LogService struct {
	db *db.DB
}

func NewLogService(db *db.DB) *LogService {
	return &LogService{
		db: db,
	}
}

// Log creates a log entry in the database
func (s *LogService) Log(ctx context.Context, event LogEvent) error {
	entry := log.Info()
	if event.JobID != "" {
		entry = entry.Str("jobID", event.JobID)
	}
	if event.Keyword != "" {
		entry = entry.Str("keyword", event.Keyword)
	}
	if event.RecordID != "" {
		entry = entry.Str("recordID", event.RecordID)
	}
	entry.
		Str("eventType", event.EventType).
		Interface("details", event.Details).
		Msg(event.Message)

	if s == nil || s.db == nil || s.db.Pool == nil {
		return nil
	}

	detailsJSON := json.RawMessage("{}")
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal log details")
		} else {
			detailsJSON = raw
		}
	}

	var recordID *uuid.UUID
	if event.RecordID != "" {
		if parsed, err := uuid.Parse(event.RecordID); err == nil {
			recordID = &parsed
		}
	}

	query := `
		INSERT INTO crawler_logs (id, job_id, keyword, record_id, event_type, message, details, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)`

	if _, err := s.db.Pool.Exec(ctx, query,
		uuid.New(), event.JobID, event.Keyword, recordID, event.EventType, event.Message, detailsJSON, time.Now().UTC(),
	); err != nil {
		log.Error().Err(err).Str("eventType", event.EventType).Msg("Failed to insert log into database")
		return err
	}
	return nil
}

// CrawlStarted logs the dispatch of a keyword job.
func (s *LogService) CrawlStarted(ctx context.Context, jobID, keyword string) {
	_ = s.Log(ctx, LogEvent{
		JobID:     jobID,
		Keyword:   keyword,
		EventType: EventCrawlStarted,
		Message:   "Crawl started",
	})
}

func (s *LogService) CrawlCompleted(ctx context.Context, jobID, keyword string, resultsCount int) {
	_ = s.Log(ctx, LogEvent{
		JobID:     jobID,
		Keyword:   keyword,
		EventType: EventCrawlCompleted,
		Message:   "Crawl completed",
		Details: map[string]any{
			"results_count": resultsCount,
		},
	})
}

func (s *LogService) CrawlAbandoned(ctx context.Context, jobID, keyword string, cause error) {
	details := map[string]any{}
	if cause != nil {
		details["error"] = cause.Error()
	}
	_ = s.Log(ctx, LogEvent{
		JobID:     jobID,
		Keyword:   keyword,
		EventType: EventCrawlAbandoned,
		Message:   "Crawl abandoned",
		Details:   details,
	})
}

func (s *LogService) DeliveryFailed(ctx context.Context, recordID, reason string) {
	_ = s.Log(ctx, LogEvent{
		RecordID:  recordID,
		EventType: EventDeliveryFailed,
		Message:   "Delivery failed",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// IngestTruncated records a producer that sent more records than the batch cap.
func (s *LogService) IngestTruncated(ctx context.Context, keyword string, received, kept int) {
	_ = s.Log(ctx, LogEvent{
		Keyword:   keyword,
		EventType: EventIngestTruncated,
		Message:   "Ingest batch truncated",
		Details: map[string]any{
			"received": received,
			"kept":     kept,
		},
	})
}
