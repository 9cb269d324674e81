package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/config"
	"github.com/speculumoris/twitbot/common/db"
	"github.com/speculumoris/twitbot/common/logger"
	"github.com/speculumoris/twitbot/common/messaging"
	"github.com/speculumoris/twitbot/common/notifier"
	"github.com/speculumoris/twitbot/common/services"
	"github.com/speculumoris/twitbot/common/status"
	"github.com/speculumoris/twitbot/common/storage"
	"github.com/speculumoris/twitbot/common/work"
	"github.com/speculumoris/twitbot/common/worker"
	"github.com/speculumoris/twitbot/crawlers"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
	"github.com/speculumoris/twitbot/delivery"
	"github.com/speculumoris/twitbot/ingest"
)

const workNamespace = "twitbot"

func main() {
	// INITIATE CONFIGURATION
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Error loading .env file, using environment variables")
	}

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// INITIATE DATABASES
	if err := db.Migrate(cfg.PgSql.MigrationURL()); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	dbConn, err := db.SetupDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup database")
	}
	defer dbConn.Close()

	records := services.NewRecordRepository(dbConn.Pool)
	logService := logger.NewLogService(dbConn)

	statusStore := status.NewStore(dbConn.Redis, workNamespace+":")
	seeded, err := statusStore.SeedSchedulerSettings(ctx, status.SchedulerSettings{
		Enabled:  cfg.Scheduler.Enabled,
		Keywords: config.SplitKeywords(cfg.Scheduler.Keywords),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed scheduler settings")
	}
	if seeded {
		log.Info().Bool("enabled", cfg.Scheduler.Enabled).Msg("Scheduler settings seeded from environment")
	}

	workManager := work.NewWorkManager(dbConn.Redis, workNamespace, cfg.Crawler.JobTimeout*2)
	if cleared, err := workManager.ClearStale(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear stale work markers")
	} else if cleared > 0 {
		log.Info().Int("cleared", cleared).Msg("Cleared stale work markers")
	}

	ingestService := ingest.NewService(records, ingest.Config{
		MaxBatchSize:  cfg.Ingest.MaxBatchSize,
		WarnBatchSize: cfg.Ingest.WarnBatchSize,
	}, logService)

	workers := worker.NewGroup()

	// INITIATE NATS CLIENT
	var sink crawlers.BatchSink = ingestService
	if cfg.Nats.Enabled {
		natsClient, err := messaging.SetupNatsBroker(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup NATS client")
		}
		defer natsClient.Close()

		sink = crawlers.NewNatsBatchSink(natsClient)
		workers.Add(ingest.NewConsumer(natsClient, cfg.Nats.Stream, ingestService))
	} else {
		log.Info().Msg("NATS disabled, batches are ingested in process")
	}

	// gcs
	var artifacts crawlers.ArtifactStore
	if cfg.GCS.Enabled() {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCS)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup GCS storage")
		}
		defer gcsStorage.Close()
		artifacts = gcsStorage
	}

	telegram := notifier.NewTelegramClient(notifier.TelegramConfig{
		BotToken:          cfg.Telegram.BotToken,
		ChannelID:         cfg.Telegram.ChannelID,
		APIBaseURL:        cfg.Telegram.APIBaseURL,
		Timeout:           cfg.Telegram.Timeout,
		DefaultRetryAfter: cfg.Delivery.DefaultRetryAfter,
	})

	// INITIATE CRAWLER
	engine := crawlers.NewEngine(crawlers.EngineConfig{
		MaxRecords:            cfg.Crawler.MaxRecords,
		MaxIterations:         cfg.Crawler.MaxIterations,
		MaxStagnantIterations: cfg.Crawler.MaxStagnantIterations,
		ScrollStep:            cfg.Crawler.ScrollStep,
		ScrollMinDistance:     cfg.Crawler.ScrollMinDistance,
		ScrollMaxDistance:     cfg.Crawler.ScrollMaxDistance,
		ScrollMinPause:        cfg.Crawler.ScrollMinPause,
		ScrollMaxPause:        cfg.Crawler.ScrollMaxPause,
		IterationPause:        cfg.Crawler.IterationPause,
	}, &crawlers.Generation{})

	factory := crawlers.NewRodSessionFactory(crawlers.BrowserOptions{
		ControlURL:   cfg.Browser.ControlURL,
		Bin:          cfg.Browser.Bin,
		Headless:     cfg.Browser.Headless,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
	}, xsearch.NewParser())

	orchestrator, err := crawlers.NewOrchestrator(crawlers.OrchestratorConfig{
		SearchBaseURL:   cfg.Crawler.SearchBaseURL,
		SettleDelay:     cfg.Crawler.SettleDelay,
		PostWaitTimeout: cfg.Crawler.PostWaitTimeout,
		JobTimeout:      cfg.Crawler.JobTimeout,
		KeepWarm:        cfg.Browser.KeepWarm,
	}, crawlers.OrchestratorDeps{
		Factory:   factory,
		Engine:    engine,
		Sink:      sink,
		Status:    statusStore,
		Events:    logService,
		Tracker:   workManager,
		Artifacts: artifacts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	scheduler, err := crawlers.NewScheduler(cfg.Scheduler.Spec, statusStore, orchestrator)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	deliveryWorker := delivery.NewWorker(records, telegram, delivery.Config{
		PollInterval:        cfg.Delivery.PollInterval,
		BatchSize:           cfg.Delivery.BatchSize,
		MessageDelay:        cfg.Delivery.MessageDelay,
		MaxRateLimitRetries: cfg.Delivery.MaxRateLimitRetries,
		MaxAttempts:         cfg.Delivery.MaxAttempts,
		SendTimeout:         cfg.Delivery.SendTimeout,
	}, delivery.WithEvents(logService), delivery.WithTickGuard(workManager))

	workers.Add(orchestrator)
	workers.Add(scheduler)
	workers.Add(deliveryWorker)
	if err := workers.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start workers")
	}

	// INITIATE SERVER
	server, err := NewAppHttpServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create the server")
	}

	server.SetRecords(records)
	server.SetIngestService(ingestService)
	server.SetOrchestrator(orchestrator)
	server.SetStatusStore(statusStore)
	server.SetTelegram(telegram)
	server.setupRoute()

	go func() {
		if err := server.start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			cancel()
		}
	}()

	log.Info().Str("address", cfg.Listen.Addr()).Msg("Server started successfully")

	select {
	case <-shutdown:
		log.Info().Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker shutdown failed")
	}

	log.Info().Msg("Server gracefully stopped")
}
