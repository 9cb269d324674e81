package crawlers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/mo"
	"github.com/speculumoris/twitbot/common/status"
)

const schedulerTickTimeout = 30 * time.Second

// SettingsSource returns the persisted scheduler settings.
type SettingsSource interface {
	GetSchedulerSettings(ctx context.Context) (status.SchedulerSettings, bool, error)
}

// KeywordQueue is the part of the orchestrator the scheduler drives.
type KeywordQueue interface {
	Enqueue(ctx context.Context, keywords []string, userID mo.Option[string]) (int, error)
}

// Scheduler enqueues the configured keywords on a cron spec while the
// scheduler flag is set.
type Scheduler struct {
	spec     string
	settings SettingsSource
	queue    KeywordQueue
	cron     *cron.Cron
	entryID  cron.EntryID
}

func NewScheduler(spec string, settings SettingsSource, queue KeywordQueue) (*Scheduler, error) {
	if spec == "" {
		spec = "@every 5m"
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	logger := cronLogger{}
	return &Scheduler{
		spec:     spec,
		settings: settings,
		queue:    queue,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), schedulerTickTimeout)
		defer cancel()
		s.Tick(tickCtx)
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick enqueues the configured keywords if the scheduler is enabled.
func (s *Scheduler) Tick(ctx context.Context) {
	settings, found, err := s.settings.GetSchedulerSettings(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read scheduler settings")
		return
	}
	if !found || !settings.Enabled {
		log.Debug().Msg("Scheduler disabled, skipping tick")
		return
	}
	if len(settings.Keywords) == 0 {
		log.Warn().Msg("Scheduler enabled without keywords")
		return
	}

	n, err := s.queue.Enqueue(ctx, settings.Keywords, mo.None[string]())
	if err != nil {
		log.Error().Err(err).Msg("Scheduled enqueue failed")
		return
	}
	log.Info().Int("keywords", n).Msg("Scheduled crawl enqueued")
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
