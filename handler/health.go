package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/utils"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

type HealthStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context, maxAttempts int) (models.OutboxStats, error)
}

type ChannelStatus interface {
	Enabled() bool
}

type HealthHandler struct {
	store       HealthStore
	channel     ChannelStatus
	maxAttempts int
	router      *chi.Mux
}

func NewHealthHandler(store HealthStore, channel ChannelStatus, maxAttempts int) *HealthHandler {
	h := &HealthHandler{
		store:       store,
		channel:     channel,
		maxAttempts: maxAttempts,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleHealthCheck)

	h.router = r
	return h
}

func (h *HealthHandler) Router() *chi.Mux {
	return h.router
}

func (h *HealthHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := models.HealthResponse{
		Status:          healthOK,
		Database:        healthOK,
		TelegramEnabled: h.channel != nil && h.channel.Enabled(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.store.Ping(ctx); err != nil {
		response.Status = healthDegraded
		response.Database = "unreachable"
		response.DatabaseError = err.Error()
		utils.WriteJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	stats, err := h.store.Stats(ctx, h.maxAttempts)
	if err != nil {
		response.Status = healthDegraded
		response.DatabaseError = err.Error()
	}
	response.Outbox = stats
	if !response.TelegramEnabled {
		response.Status = healthDegraded
	}

	utils.WriteJSON(w, http.StatusOK, response)
}
