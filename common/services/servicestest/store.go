// Package servicestest provides an in-memory RecordStore for tests.
package servicestest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/services"
)

// MemoryStore mirrors the SQL semantics of services.RecordRepository.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*models.CollectedRecord
	byURL   map[string]string
	seq     time.Duration
	Now     func() time.Time
	PingErr error

	UpsertCalls int
}

var _ services.RecordStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*models.CollectedRecord),
		byURL: make(map[string]string),
		Now:   time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, rec models.CollectedRecord) (services.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++

	if id, ok := s.byURL[rec.URL]; ok {
		cur := s.byID[id]
		cur.Author = rec.Author
		cur.Text = rec.Text
		cur.Keyword = rec.Keyword
		if rec.MediaURL != "" {
			cur.MediaURL = rec.MediaURL
		}
		if rec.UserID != "" {
			cur.UserID = rec.UserID
		}
		if !rec.PostedAt.IsZero() {
			cur.PostedAt = rec.PostedAt
		}
		cur.UpdatedAt = s.Now()
		return services.UpsertResult{ID: id, Inserted: false}, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// Monotonic creation times keep oldest-first ordering deterministic.
	s.seq += time.Millisecond
	now := s.Now().Add(s.seq)
	rec.Status = models.DeliveryStatusPending
	rec.ErrorReason = ""
	rec.Attempts = 0
	rec.NextAttemptAt = nil
	rec.SentAt = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.PostedAt.IsZero() {
		rec.PostedAt = now
	}
	s.byID[rec.ID] = &rec
	s.byURL[rec.URL] = rec.ID
	return services.UpsertResult{ID: rec.ID, Inserted: true}, nil
}

func (s *MemoryStore) GetByURL(_ context.Context, url string) (models.CollectedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[url]
	if !ok {
		return models.CollectedRecord{}, services.ErrRecordNotFound
	}
	return *s.byID[id], nil
}

// Get returns a copy of the record with the given id.
func (s *MemoryStore) Get(id string) (models.CollectedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return models.CollectedRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// All returns every record, oldest first.
func (s *MemoryStore) All() []models.CollectedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(*models.CollectedRecord) bool { return true }, 0)
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]models.CollectedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *models.CollectedRecord) bool {
		return r.Status == models.DeliveryStatusPending
	}, limit), nil
}

func (s *MemoryStore) FetchRetryable(_ context.Context, limit, maxAttempts int) ([]models.CollectedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	return s.sorted(func(r *models.CollectedRecord) bool {
		return r.Status == models.DeliveryStatusFailed &&
			r.Attempts < maxAttempts &&
			(r.NextAttemptAt == nil || !r.NextAttemptAt.After(now))
	}, limit), nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.Status == models.DeliveryStatusSent {
		return services.ErrRecordNotUpdated
	}
	now := s.Now()
	rec.Status = models.DeliveryStatusSent
	rec.SentAt = &now
	rec.ErrorReason = ""
	rec.NextAttemptAt = nil
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.Status == models.DeliveryStatusSent {
		return services.ErrRecordNotUpdated
	}
	now := s.Now()
	next := now.Add(time.Minute * time.Duration(1<<rec.Attempts))
	rec.Status = models.DeliveryStatusFailed
	rec.ErrorReason = reason
	rec.Attempts++
	rec.NextAttemptAt = &next
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, maxAttempts int) (models.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.OutboxStats
	for _, r := range s.byID {
		switch r.Status {
		case models.DeliveryStatusPending:
			stats.Pending++
		case models.DeliveryStatusSent:
			stats.Sent++
		case models.DeliveryStatusFailed:
			stats.Failed++
			if r.Attempts >= maxAttempts {
				stats.Exhausted++
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return s.PingErr
}

// SetStatus forces a record into a state, for test setup.
func (s *MemoryStore) SetStatus(id string, status models.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[id]; ok {
		rec.Status = status
	}
}

func (s *MemoryStore) sorted(keep func(*models.CollectedRecord) bool, limit int) []models.CollectedRecord {
	out := make([]models.CollectedRecord, 0, len(s.byID))
	for _, r := range s.byID {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
