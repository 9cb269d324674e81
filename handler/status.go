package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/status"
	"github.com/speculumoris/twitbot/common/utils"
	"github.com/speculumoris/twitbot/crawlers"
)

type Snapshotter interface {
	Snapshot(ctx context.Context) (crawlers.Snapshot, error)
}

type StatusReader interface {
	GetCrawlStatus(ctx context.Context) (status.CrawlStatus, bool, error)
}

// StatusHandler reports the orchestrator state and the operator status line.
type StatusHandler struct {
	orch   Snapshotter
	status StatusReader
	router *chi.Mux
}

func NewStatusHandler(orch Snapshotter, statusReader StatusReader) *StatusHandler {
	h := &StatusHandler{
		orch:   orch,
		status: statusReader,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleStatus)

	h.router = r
	return h
}

func (h *StatusHandler) Router() *chi.Mux {
	return h.router
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.orch.Snapshot(ctx)
	if err != nil {
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := models.CrawlStatusResponse{
		State:      string(snap.State),
		Status:     status.StatusIdle,
		Keyword:    snap.Keyword,
		Queue:      snap.Queue,
		SessionUp:  snap.SessionUp,
		Generation: snap.Generation,
		Worker: models.WorkerStats{
			Active:    snap.Pool.ActiveWorkers,
			Queued:    snap.Pool.TasksQueued,
			Completed: snap.Pool.TasksCompleted,
			InQueue:   snap.Pool.TasksInQueue,
		},
	}
	if snap.Keyword != "" {
		resp.Status = status.CrawlingStatus(snap.Keyword)
	}
	if resp.Queue == nil {
		resp.Queue = []string{}
	}

	lastSync := snap.LastSync
	if h.status != nil {
		st, _, err := h.status.GetCrawlStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read stored crawl status")
		} else if lastSync.IsZero() {
			lastSync = st.LastSync
		}
	}
	if !lastSync.IsZero() {
		resp.LastSync = lastSync.UTC().Format(time.RFC3339)
	}

	utils.WriteJSON(w, http.StatusOK, resp)
}
