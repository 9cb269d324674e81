package crawlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/messaging"
	"github.com/speculumoris/twitbot/common/models"
)

// BatchSink receives the batch of a finished job. It is the ingestion call.
type BatchSink interface {
	Deliver(ctx context.Context, batch models.Batch) error
}

type BatchSinkFunc func(ctx context.Context, batch models.Batch) error

func (f BatchSinkFunc) Deliver(ctx context.Context, batch models.Batch) error {
	return f(ctx, batch)
}

// NatsBatchSink hands batches to the ingest consumer through JetStream.
type NatsBatchSink struct {
	publisher messaging.Publisher
	subject   string
}

func NewNatsBatchSink(publisher messaging.Publisher) *NatsBatchSink {
	return &NatsBatchSink{
		publisher: publisher,
		subject:   messaging.SubjectBatchCollected,
	}
}

func (s *NatsBatchSink) Deliver(ctx context.Context, batch models.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := s.publisher.PublishSync(ctx, s.subject, data); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	log.Info().
		Str("jobID", batch.JobID).
		Str("keyword", batch.Keyword).
		Int("records", len(batch.Posts)).
		Msg("Batch published")
	return nil
}
