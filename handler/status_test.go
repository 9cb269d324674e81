package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/work"
	"github.com/speculumoris/twitbot/crawlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotter struct {
	snap crawlers.Snapshot
	err  error
}

func (f fakeSnapshotter) Snapshot(ctx context.Context) (crawlers.Snapshot, error) {
	return f.snap, f.err
}

func getStatus(t *testing.T, h *StatusHandler) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestStatusHandler_Crawling(t *testing.T) {
	h := NewStatusHandler(fakeSnapshotter{snap: crawlers.Snapshot{
		State:      crawlers.StateAwaiting,
		Keyword:    "#AI",
		Queue:      []string{"#Go"},
		SessionUp:  true,
		Generation: 2,
		Pool:       work.PoolStats{ActiveWorkers: 1, TasksQueued: 3, TasksCompleted: 2},
	}}, newStatusStore(t))

	rec := getStatus(t, h)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.CrawlStatusResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "awaiting", resp.State)
	assert.Equal(t, "Crawling #AI...", resp.Status)
	assert.Equal(t, []string{"#Go"}, resp.Queue)
	assert.True(t, resp.SessionUp)
	assert.Empty(t, resp.LastSync)
	assert.Equal(t, models.WorkerStats{Active: 1, Queued: 3, Completed: 2}, resp.Worker)
}

func TestStatusHandler_IdleFallsBackToStoredLastSync(t *testing.T) {
	store := newStatusStore(t)
	synced := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetIdle(context.Background(), synced))

	h := NewStatusHandler(fakeSnapshotter{snap: crawlers.Snapshot{State: crawlers.StateIdle}}, store)
	rec := getStatus(t, h)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.CrawlStatusResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "Idle", resp.Status)
	assert.Equal(t, "2025-03-01T10:00:00Z", resp.LastSync)
	assert.NotNil(t, resp.Queue)
}

func TestStatusHandler_OrchestratorDown(t *testing.T) {
	h := NewStatusHandler(fakeSnapshotter{err: errors.New("orchestrator stopped")}, nil)
	rec := getStatus(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
