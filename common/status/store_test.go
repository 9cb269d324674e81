package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/speculumoris/twitbot/common/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(redis.Wrap(client), "test:")
}

func TestCrawlStatusDefaultsToIdle(t *testing.T) {
	s := newTestStore(t)

	st, found, err := s.GetCrawlStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, StatusIdle, st.Status)
}

func TestCrawlingThenIdleKeepsLastSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	synced := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.SetCrawling(ctx, "#AI"))
	st, _, err := s.GetCrawlStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Crawling #AI...", st.Status)
	assert.Equal(t, "#AI", st.Keyword)

	require.NoError(t, s.SetIdle(ctx, synced))
	require.NoError(t, s.SetCrawling(ctx, "#Go"))

	st, _, err = s.GetCrawlStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Crawling #Go...", st.Status)
	assert.True(t, synced.Equal(st.LastSync))

	require.NoError(t, s.SetIdle(ctx, time.Time{}))
	st, _, err = s.GetCrawlStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.True(t, synced.Equal(st.LastSync), "zero sync time must not clear the previous one")
}

func TestSchedulerSettingsSeedOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seeded, err := s.SeedSchedulerSettings(ctx, SchedulerSettings{Enabled: true, Keywords: []string{"#AI"}})
	require.NoError(t, err)
	assert.True(t, seeded)

	require.NoError(t, s.SaveSchedulerSettings(ctx, SchedulerSettings{Enabled: false, Keywords: []string{"#Go"}}))

	seeded, err = s.SeedSchedulerSettings(ctx, SchedulerSettings{Enabled: true, Keywords: []string{"#AI"}})
	require.NoError(t, err)
	assert.False(t, seeded)

	got, found, err := s.GetSchedulerSettings(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, got.Enabled)
	assert.Equal(t, []string{"#Go"}, got.Keywords)
}
