// Package status keeps the operator-facing crawl status and the scheduler
// settings in Redis.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/speculumoris/twitbot/common/redis"
)

const (
	defaultPrefix = "twitbot:"
	crawlKey      = "status:crawl"
	schedulerKey  = "settings:scheduler"

	StatusIdle = "Idle"
)

// CrawlStatus is what the operator sees: a status line and the last successful sync.
type CrawlStatus struct {
	Status   string    `json:"status"`
	Keyword  string    `json:"keyword,omitempty"`
	LastSync time.Time `json:"lastSync,omitempty"`
}

// SchedulerSettings drive the periodic trigger.
type SchedulerSettings struct {
	Enabled  bool     `json:"enabled"`
	Keywords []string `json:"keywords"`
}

// CrawlingStatus renders the status line for an in-flight keyword.
func CrawlingStatus(keyword string) string {
	return fmt.Sprintf("Crawling %s...", keyword)
}

// Store reads and writes status documents as JSON values.
type Store struct {
	client *redis.RedisClient
	prefix string
}

func NewStore(client *redis.RedisClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// SetCrawling records the keyword being crawled, keeping the last sync time.
func (s *Store) SetCrawling(ctx context.Context, keyword string) error {
	cur, _, err := s.GetCrawlStatus(ctx)
	if err != nil {
		return err
	}
	cur.Status = CrawlingStatus(keyword)
	cur.Keyword = keyword
	return s.put(ctx, crawlKey, cur)
}

// SetIdle records the idle state and stamps the last successful sync.
func (s *Store) SetIdle(ctx context.Context, syncedAt time.Time) error {
	cur, _, err := s.GetCrawlStatus(ctx)
	if err != nil {
		return err
	}
	cur.Status = StatusIdle
	cur.Keyword = ""
	if !syncedAt.IsZero() {
		cur.LastSync = syncedAt.UTC()
	}
	return s.put(ctx, crawlKey, cur)
}

// GetCrawlStatus returns the stored status; a missing key yields Idle.
func (s *Store) GetCrawlStatus(ctx context.Context) (CrawlStatus, bool, error) {
	var st CrawlStatus
	found, err := s.get(ctx, crawlKey, &st)
	if err != nil {
		return CrawlStatus{}, false, err
	}
	if !found {
		return CrawlStatus{Status: StatusIdle}, false, nil
	}
	return st, true, nil
}

func (s *Store) GetSchedulerSettings(ctx context.Context) (SchedulerSettings, bool, error) {
	var settings SchedulerSettings
	found, err := s.get(ctx, schedulerKey, &settings)
	if err != nil {
		return SchedulerSettings{}, false, err
	}
	return settings, found, nil
}

func (s *Store) SaveSchedulerSettings(ctx context.Context, settings SchedulerSettings) error {
	if settings.Keywords == nil {
		settings.Keywords = []string{}
	}
	return s.put(ctx, schedulerKey, settings)
}

// SeedSchedulerSettings stores settings only if none exist yet.
func (s *Store) SeedSchedulerSettings(ctx context.Context, settings SchedulerSettings) (bool, error) {
	payload, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.prefix+schedulerKey, payload, 0)
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, 0); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
