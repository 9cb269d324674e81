// Package ingest is the boundary where collected posts enter the record store.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/services"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

type Config struct {
	MaxBatchSize  int
	WarnBatchSize int
}

// EventRecorder receives truncation events.
type EventRecorder interface {
	IngestTruncated(ctx context.Context, keyword string, received, kept int)
}

// Result summarises one batch.
type Result struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Service validates, normalizes and upserts batches.
type Service struct {
	store    services.RecordStore
	cfg      Config
	events   EventRecorder
	validate *validator.Validate
}

func NewService(store services.RecordStore, cfg Config, events EventRecorder) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.WarnBatchSize < cfg.MaxBatchSize {
		cfg.WarnBatchSize = cfg.MaxBatchSize
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		events:   events,
		validate: newValidator(),
	}
}

// IngestPayload decodes a raw {"tweets": [...]} body and ingests it.
func (s *Service) IngestPayload(ctx context.Context, raw []byte, userID string) (Result, error) {
	posts, err := DecodeBatch(raw)
	if err != nil {
		return Result{}, err
	}
	return s.Ingest(ctx, posts, userID)
}

// Deliver ingests the batch of a finished crawl job.
func (s *Service) Deliver(ctx context.Context, batch models.Batch) error {
	_, err := s.Ingest(ctx, batch.Posts, batch.UserID)
	return err
}

// Ingest upserts up to MaxBatchSize posts. Bad records are logged and skipped;
// only a cancelled context fails the batch.
func (s *Service) Ingest(ctx context.Context, posts []models.RawPost, userID string) (Result, error) {
	res := Result{Received: len(posts)}

	if len(posts) > s.cfg.MaxBatchSize {
		keyword := ""
		if len(posts) > 0 {
			keyword = posts[0].Hashtag
		}
		if len(posts) > s.cfg.WarnBatchSize {
			log.Error().
				Int("received", len(posts)).
				Int("limit", s.cfg.MaxBatchSize).
				Msg("Security: producer sent an oversized batch")
		} else {
			log.Warn().
				Int("received", len(posts)).
				Int("limit", s.cfg.MaxBatchSize).
				Msg("Batch truncated to limit")
		}
		if s.events != nil {
			s.events.IngestTruncated(ctx, keyword, len(posts), s.cfg.MaxBatchSize)
		}
		posts = lo.Slice(posts, 0, s.cfg.MaxBatchSize)
	}
	res.Accepted = len(posts)

	for i, post := range posts {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec, err := s.toRecord(post, userID)
		if err != nil {
			res.Skipped++
			log.Warn().Err(err).Int("index", i).Str("url", post.URL).Msg("Skipping invalid record")
			continue
		}

		up, err := s.store.Upsert(ctx, rec)
		if err != nil {
			res.Skipped++
			log.Error().Err(err).Str("url", rec.URL).Msg("Failed to upsert record")
			continue
		}
		if up.Inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	log.Info().
		Int("received", res.Received).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Msg("Batch ingested")

	return res, nil
}

func (s *Service) toRecord(post models.RawPost, userID string) (models.CollectedRecord, error) {
	normalized, err := NormalizeURL(post.URL)
	if err != nil {
		return models.CollectedRecord{}, err
	}

	author := strings.TrimSpace(post.Author)
	if author == "" {
		author = xsearch.HandleFromPermalink(normalized)
	}

	in := recordInput{
		URL:    normalized,
		Author: author,
		Text:   strings.TrimSpace(post.Text),
	}
	if err := s.validate.Struct(in); err != nil {
		return models.CollectedRecord{}, toValidationError(err)
	}

	rec := models.CollectedRecord{
		URL:      in.URL,
		Author:   in.Author,
		Text:     in.Text,
		Keyword:  strings.TrimSpace(post.Hashtag),
		MediaURL: strings.TrimSpace(post.MediaURL),
		UserID:   userID,
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(post.CreatedAt)); err == nil {
		rec.PostedAt = t.UTC()
	}
	return rec, nil
}
