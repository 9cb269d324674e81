package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/notifier"
	"github.com/speculumoris/twitbot/common/utils"
)

type ConnectionTester interface {
	TestConnection(ctx context.Context) (notifier.BotUser, error)
}

type TelegramTestResponse struct {
	Bot     string `json:"bot"`
	Message string `json:"message"`
}

// TelegramHandler lets the operator verify the bot token and channel.
type TelegramHandler struct {
	tester ConnectionTester
	router *chi.Mux
}

func NewTelegramHandler(tester ConnectionTester) *TelegramHandler {
	router := chi.NewRouter()

	h := &TelegramHandler{
		tester: tester,
		router: router,
	}

	router.Post("/test", h.handleTest)
	return h
}

func (h *TelegramHandler) Router() *chi.Mux {
	return h.router
}

func (h *TelegramHandler) handleTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	user, err := h.tester.TestConnection(ctx)
	if err != nil {
		if errors.Is(err, notifier.ErrChannelDisabled) {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Telegram connection test failed")
		utils.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	utils.WriteJSON(w, http.StatusOK, TelegramTestResponse{
		Bot:     user.Username,
		Message: "Test message sent",
	})
}
