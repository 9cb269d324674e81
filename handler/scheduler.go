package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/speculumoris/twitbot/common/config"
	"github.com/speculumoris/twitbot/common/status"
	"github.com/speculumoris/twitbot/common/utils"
)

type SchedulerSettingsStore interface {
	GetSchedulerSettings(ctx context.Context) (status.SchedulerSettings, bool, error)
	SaveSchedulerSettings(ctx context.Context, settings status.SchedulerSettings) error
}

type SchedulerParams struct {
	Enabled  *bool  `json:"enabled" validate:"required"`
	Keywords string `json:"keywords"`
}

// SchedulerHandler reads and updates the periodic trigger settings.
type SchedulerHandler struct {
	store  SchedulerSettingsStore
	router *chi.Mux
}

func NewSchedulerHandler(store SchedulerSettingsStore) *SchedulerHandler {
	router := chi.NewRouter()

	h := &SchedulerHandler{
		store:  store,
		router: router,
	}

	router.Get("/", h.handleGetSettings)
	router.Put("/", h.handleUpdateSettings)
	return h
}

func (h *SchedulerHandler) Router() *chi.Mux {
	return h.router
}

func (h *SchedulerHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, _, err := h.store.GetSchedulerSettings(r.Context())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if settings.Keywords == nil {
		settings.Keywords = []string{}
	}
	utils.WriteJSON(w, http.StatusOK, settings)
}

func (h *SchedulerHandler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var p SchedulerParams

	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	validate := validator.New()
	if err := validate.Struct(p); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := status.SchedulerSettings{
		Enabled:  *p.Enabled,
		Keywords: config.SplitKeywords(p.Keywords),
	}
	if settings.Enabled && len(settings.Keywords) == 0 {
		utils.WriteError(w, http.StatusBadRequest, "Keywords are required when the scheduler is enabled")
		return
	}

	if err := h.store.SaveSchedulerSettings(r.Context(), settings); err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, settings)
}
