package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/mo"
	"github.com/speculumoris/twitbot/common/config"
	"github.com/speculumoris/twitbot/common/utils"
	"github.com/speculumoris/twitbot/crawlers"
)

// Enqueuer accepts keywords for crawling.
type Enqueuer interface {
	Enqueue(ctx context.Context, keywords []string, userID mo.Option[string]) (int, error)
}

type CrawlRunParams struct {
	Keywords string  `json:"keywords" validate:"required"`
	UserID   *string `json:"userId,omitempty"`
}

type CrawlRunResponse struct {
	Enqueued int      `json:"enqueued"`
	Keywords []string `json:"keywords"`
}

// CrawlHandler is the manual trigger. It ignores the scheduler flag.
type CrawlHandler struct {
	queue  Enqueuer
	router *chi.Mux
}

func NewCrawlHandler(queue Enqueuer) *CrawlHandler {
	router := chi.NewRouter()

	h := &CrawlHandler{
		queue:  queue,
		router: router,
	}

	router.Post("/", h.handleRunCrawl)
	return h
}

func (h *CrawlHandler) Router() *chi.Mux {
	return h.router
}

func (h *CrawlHandler) handleRunCrawl(w http.ResponseWriter, r *http.Request) {
	var p CrawlRunParams

	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	validate := validator.New()
	if err := validate.Struct(p); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mo.None[string]()
	if p.UserID != nil && *p.UserID != "" {
		userID = mo.Some(*p.UserID)
	}

	keywords := config.SplitKeywords(p.Keywords)
	n, err := h.queue.Enqueue(r.Context(), keywords, userID)
	if err != nil {
		switch {
		case errors.Is(err, crawlers.ErrNoKeywords):
			utils.WriteError(w, http.StatusBadRequest, "No keywords provided")
		case errors.Is(err, crawlers.ErrOrchestratorStopped):
			utils.WriteError(w, http.StatusServiceUnavailable, "Crawler is not running")
		default:
			utils.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	utils.WriteJSON(w, http.StatusAccepted, CrawlRunResponse{Enqueued: n, Keywords: keywords})
}
