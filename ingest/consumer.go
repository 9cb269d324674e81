package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/messaging"
	"github.com/speculumoris/twitbot/common/models"
)

const handleTimeout = 30 * time.Second

var errMalformedBatch = errors.New("malformed batch message")

// Consumer ingests batches published by the crawler on the batch subject.
type Consumer struct {
	broker *messaging.NatsBroker
	stream string
	svc    *Service

	ctx    context.Context
	cancel context.CancelFunc
	cc     jetstream.ConsumeContext
}

func NewConsumer(broker *messaging.NatsBroker, stream string, svc *Service) *Consumer {
	return &Consumer{broker: broker, stream: stream, svc: svc}
}

func (c *Consumer) Name() string {
	return "ingest-consumer"
}

func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := messaging.GetJetStreamConsumer(ctx, c.broker, c.stream, messaging.SubjectBatchCollected, messaging.IngestConsumerName)
	if err != nil {
		return fmt.Errorf("get batch consumer: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	cc, err := c.broker.Consume(c.ctx, consumer, c.handle)
	if err != nil {
		c.cancel()
		return err
	}
	c.cc = cc
	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	if c.cc != nil {
		c.cc.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Consumer) handle(msg jetstream.Msg) {
	ctx, cancel := context.WithTimeout(c.ctx, handleTimeout)
	defer cancel()

	err := c.process(ctx, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to ack batch message")
		}
	case errors.Is(err, errMalformedBatch):
		log.Error().Err(err).Msg("Dropping malformed batch message")
		_ = msg.Term()
	default:
		log.Warn().Err(err).Msg("Batch ingestion interrupted, redelivering")
		_ = msg.Nak()
	}
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	var batch models.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("%w: %w", errMalformedBatch, err)
	}
	res, err := c.svc.Ingest(ctx, batch.Posts, batch.UserID)
	if err != nil {
		return err
	}
	log.Info().
		Str("jobID", batch.JobID).
		Str("keyword", batch.Keyword).
		Int("inserted", res.Inserted).
		Msg("Consumed batch")
	return nil
}
