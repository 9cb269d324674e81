package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/config"
	"github.com/speculumoris/twitbot/common/notifier"
	"github.com/speculumoris/twitbot/common/services"
	"github.com/speculumoris/twitbot/common/status"
	"github.com/speculumoris/twitbot/common/utils"
	"github.com/speculumoris/twitbot/crawlers"
	"github.com/speculumoris/twitbot/handler"
	"github.com/speculumoris/twitbot/ingest"
	"github.com/speculumoris/twitbot/middlewares"
)

type AppHttpServer struct {
	router *chi.Mux
	cfg    config.Config
	server *http.Server

	records  *services.RecordRepository
	ingest   *ingest.Service
	orch     *crawlers.Orchestrator
	status   *status.Store
	telegram *notifier.TelegramClient
}

func NewAppHttpServer(cfg config.Config) (*AppHttpServer, error) {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-KEY"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// The telegram test waits on the Bot API; keep the ceiling above its client timeout.
	r.Use(middleware.Timeout(2 * time.Minute))

	server := &AppHttpServer{
		router: r,
		cfg:    cfg,
	}
	return server, nil
}

func (s *AppHttpServer) SetRecords(records *services.RecordRepository) {
	s.records = records
}

func (s *AppHttpServer) SetIngestService(svc *ingest.Service) {
	s.ingest = svc
}

func (s *AppHttpServer) SetOrchestrator(orch *crawlers.Orchestrator) {
	s.orch = orch
}

func (s *AppHttpServer) SetStatusStore(store *status.Store) {
	s.status = store
}

func (s *AppHttpServer) SetTelegram(client *notifier.TelegramClient) {
	s.telegram = client
}

func (s *AppHttpServer) setupRoute() {
	r := s.router

	// Public liveness endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "twitbot"})
	})

	// External producers post here without an API key.
	r.Mount("/save-tweets", handler.NewIngestHandler(s.ingest).Router())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middlewares.ApiKey(s.cfg.Security.BackendApiKey))

		crawlHandler := handler.NewCrawlHandler(s.orch)
		statusHandler := handler.NewStatusHandler(s.orch, s.status)
		schedulerHandler := handler.NewSchedulerHandler(s.status)
		healthHandler := handler.NewHealthHandler(s.records, s.telegram, s.cfg.Delivery.MaxAttempts)
		telegramHandler := handler.NewTelegramHandler(s.telegram)

		r.Mount("/crawl", crawlHandler.Router())
		r.Mount("/status", statusHandler.Router())
		r.Mount("/scheduler", schedulerHandler.Router())
		r.Mount("/health", healthHandler.Router())
		r.Mount("/telegram", telegramHandler.Router())
	})
}

func (s *AppHttpServer) start() error {
	r := s.router
	cfg := s.cfg
	log.Info().Msg("Starting up server...")

	s.server = &http.Server{
		Addr:         cfg.Listen.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// stop gracefully shuts down the server
func (s *AppHttpServer) stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
