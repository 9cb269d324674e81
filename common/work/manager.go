package work

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/redis"
)

const (
	workStateKeyPrefix = "work:state:"
	runningState       = "running"
	// defaultWorkTTL expires running markers left behind by a crashed process.
	defaultWorkTTL = 10 * time.Minute
)

var ErrWorkRunning = errors.New("work is already running")

// WorkManager tracks running works as Redis keys so that a second process
// cannot start the same work concurrently.
type WorkManager struct {
	redis  *redis.RedisClient
	prefix string
	ttl    time.Duration
}

// NewWorkManager creates a WorkManager. ttl <= 0 uses the default.
func NewWorkManager(client *redis.RedisClient, namespace string, ttl time.Duration) *WorkManager {
	if ttl <= 0 {
		ttl = defaultWorkTTL
	}
	prefix := workStateKeyPrefix
	if namespace != "" {
		prefix = namespace + ":" + workStateKeyPrefix
	}
	return &WorkManager{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (wm *WorkManager) getWorkKey(workID string) string {
	return wm.prefix + workID
}

// Start marks a work as running. It fails with ErrWorkRunning if the marker exists.
func (wm *WorkManager) Start(ctx context.Context, workID string) error {
	ok, err := wm.redis.SetNX(ctx, wm.getWorkKey(workID), runningState, wm.ttl)
	if err != nil {
		return fmt.Errorf("failed to start work %s: %w", workID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkRunning, workID)
	}
	return nil
}

// TryStart is Start without the error for the already-running case.
func (wm *WorkManager) TryStart(ctx context.Context, workID string) (bool, error) {
	err := wm.Start(ctx, workID)
	if errors.Is(err, ErrWorkRunning) {
		return false, nil
	}
	return err == nil, err
}

// IsRunning checks if a work is currently marked as running.
func (wm *WorkManager) IsRunning(ctx context.Context, workID string) (bool, error) {
	state, err := wm.redis.Get(ctx, wm.getWorkKey(workID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get work state for %s: %w", workID, err)
	}
	return state == runningState, nil
}

// Complete removes the running marker of a finished work.
func (wm *WorkManager) Complete(ctx context.Context, workID string) error {
	if err := wm.redis.Delete(ctx, wm.getWorkKey(workID)); err != nil {
		return fmt.Errorf("failed to complete work %s: %w", workID, err)
	}
	return nil
}

// Cancel removes the running marker of an abandoned work.
func (wm *WorkManager) Cancel(ctx context.Context, workID string) error {
	if err := wm.redis.Delete(ctx, wm.getWorkKey(workID)); err != nil {
		return fmt.Errorf("failed to cancel work %s: %w", workID, err)
	}
	log.Debug().Str("workID", workID).Msg("Work cancelled")
	return nil
}

// ListRunningWorks returns the IDs of all works marked as running. It uses SCAN.
func (wm *WorkManager) ListRunningWorks(ctx context.Context) ([]string, error) {
	var workIDs []string

	iter := wm.redis.GetClient().Scan(ctx, 0, wm.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		workIDs = append(workIDs, strings.TrimPrefix(iter.Val(), wm.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan for running works in Redis: %w", err)
	}

	return workIDs, nil
}

// ClearStale cancels every running marker in the namespace. Called on startup,
// when no work from a previous process can still be alive.
func (wm *WorkManager) ClearStale(ctx context.Context) (int, error) {
	ids, err := wm.ListRunningWorks(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := wm.Cancel(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		log.Warn().Strs("workIDs", ids).Msg("Cleared stale running works")
	}
	return len(ids), nil
}
