package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/utils"
	"github.com/speculumoris/twitbot/ingest"
)

const maxIngestBody = 1 << 20

// IngestHandler accepts batches from external producers.
type IngestHandler struct {
	svc    *ingest.Service
	router *chi.Mux
}

func NewIngestHandler(svc *ingest.Service) *IngestHandler {
	router := chi.NewRouter()

	h := &IngestHandler{
		svc:    svc,
		router: router,
	}

	router.Post("/", h.handleSaveTweets)
	return h
}

func (h *IngestHandler) Router() *chi.Mux {
	return h.router
}

func (h *IngestHandler) handleSaveTweets(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		utils.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	userID := r.URL.Query().Get("userId")
	res, err := h.svc.IngestPayload(r.Context(), body, userID)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			utils.WriteError(w, http.StatusBadRequest, verr.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to ingest batch")
		utils.WriteError(w, http.StatusInternalServerError, "Failed to save tweets")
		return
	}

	utils.WriteJSON(w, http.StatusOK, res)
}
