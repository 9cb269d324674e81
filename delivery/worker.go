// Package delivery drains the record outbox to the notification channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/notifier"
	"github.com/speculumoris/twitbot/common/services"
)

const tickWorkID = "delivery-tick"

// ErrRateLimitExhausted is recorded when every rate-limit retry was used.
var ErrRateLimitExhausted = errors.New(models.ReasonRateLimitExceeded)

// Channel is the outbound notification channel.
type Channel interface {
	Enabled() bool
	SendText(ctx context.Context, message string) error
	SendImage(ctx context.Context, imageURL, caption string) error
}

type EventRecorder interface {
	DeliveryFailed(ctx context.Context, recordID, reason string)
}

// TickGuard keeps two processes from draining the outbox at once.
type TickGuard interface {
	TryStart(ctx context.Context, workID string) (bool, error)
	Complete(ctx context.Context, workID string) error
}

type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	MessageDelay        time.Duration
	MaxRateLimitRetries int
	MaxAttempts         int
	SendTimeout         time.Duration
}

// TickResult summarises one drain pass.
type TickResult struct {
	Skipped bool
	Fetched int
	Sent    int
	Failed  int
}

// Worker polls pending and retryable records and sends them one by one.
type Worker struct {
	store   services.RecordStore
	channel Channel
	cfg     Config
	events  EventRecorder
	guard   TickGuard
	sleep   func(ctx context.Context, d time.Duration) error

	ticking atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Worker)

func WithEvents(events EventRecorder) Option {
	return func(w *Worker) {
		w.events = events
	}
}

func WithTickGuard(guard TickGuard) Option {
	return func(w *Worker) {
		w.guard = guard
	}
}

// WithSleep replaces the delay and backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) {
		w.sleep = sleep
	}
}

func NewWorker(store services.RecordStore, channel Channel, cfg Config, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxRateLimitRetries < 0 {
		cfg.MaxRateLimitRetries = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	w := &Worker{
		store:   store,
		channel: channel,
		cfg:     cfg,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Name() string {
	return "delivery-worker"
}

func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)
	log.Info().Dur("interval", w.cfg.PollInterval).Msg("Delivery worker started")
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	finished := make(chan struct{})
	go func() {
		<-w.done
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick still sending from the previous interval makes this one a no-op.
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Delivery tick failed")
				}
			}()
		}
	}
}

// Tick fetches up to BatchSize records, pending first, and delivers them in order.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	if !w.ticking.CompareAndSwap(false, true) {
		return TickResult{Skipped: true}, nil
	}
	defer w.ticking.Store(false)

	if !w.channel.Enabled() {
		return TickResult{Skipped: true}, nil
	}

	if w.guard != nil {
		ok, err := w.guard.TryStart(ctx, tickWorkID)
		if err != nil {
			return TickResult{}, fmt.Errorf("acquire tick guard: %w", err)
		}
		if !ok {
			return TickResult{Skipped: true}, nil
		}
		defer func() {
			if err := w.guard.Complete(context.WithoutCancel(ctx), tickWorkID); err != nil {
				log.Warn().Err(err).Msg("Failed to release tick guard")
			}
		}()
	}

	records, err := w.store.FetchPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("fetch pending: %w", err)
	}
	if len(records) < w.cfg.BatchSize {
		retry, err := w.store.FetchRetryable(ctx, w.cfg.BatchSize-len(records), w.cfg.MaxAttempts)
		if err != nil {
			return TickResult{}, fmt.Errorf("fetch retryable: %w", err)
		}
		records = append(records, retry...)
	}

	res := TickResult{Fetched: len(records)}
	if len(records) == 0 {
		return res, nil
	}
	log.Info().Int("records", len(records)).Msg("Delivering records")

	for i, rec := range records {
		if i > 0 && w.cfg.MessageDelay > 0 {
			if err := w.sleep(ctx, w.cfg.MessageDelay); err != nil {
				return res, err
			}
		}

		sent, err := w.deliver(ctx, rec)
		if err != nil {
			return res, err
		}
		if sent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// deliver sends one record and records the outcome. It only returns an error
// when ctx ends, leaving the record as it was.
func (w *Worker) deliver(ctx context.Context, rec models.CollectedRecord) (bool, error) {
	l := log.With().Str("recordID", rec.ID).Str("url", rec.URL).Logger()
	message := notifier.FormatRecord(rec)

	sendErr := w.sendWithRetry(ctx, rec, message)
	if sendErr != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}

	if sendErr == nil {
		if err := w.store.MarkSent(ctx, rec.ID); err != nil {
			if errors.Is(err, services.ErrRecordNotUpdated) {
				l.Warn().Msg("Record was already sent")
				return true, nil
			}
			l.Error().Err(err).Msg("Failed to mark record sent")
			return true, nil
		}
		l.Info().Msg("Record delivered")
		return true, nil
	}

	reason := sendErr.Error()
	if errors.Is(sendErr, ErrRateLimitExhausted) {
		reason = models.ReasonRateLimitExceeded
	}
	if err := w.store.MarkFailed(ctx, rec.ID, reason); err != nil {
		l.Error().Err(err).Msg("Failed to mark record failed")
	}
	l.Warn().Str("reason", reason).Int("attempts", rec.Attempts+1).Msg("Record delivery failed")
	if w.events != nil {
		w.events.DeliveryFailed(ctx, rec.ID, reason)
	}
	return false, nil
}

// sendWithRetry waits out rate limits on the same record, up to MaxRateLimitRetries times.
func (w *Worker) sendWithRetry(ctx context.Context, rec models.CollectedRecord, message string) error {
	for attempt := 0; ; attempt++ {
		err := w.sendOnce(ctx, rec, message)
		if err == nil {
			return nil
		}
		rl, ok := notifier.AsRateLimit(err)
		if !ok {
			return err
		}
		if attempt >= w.cfg.MaxRateLimitRetries {
			return fmt.Errorf("%w after %d attempts", ErrRateLimitExhausted, attempt+1)
		}

		log.Warn().
			Str("recordID", rec.ID).
			Dur("retryAfter", rl.RetryAfter).
			Int("retry", attempt+1).
			Msg("Rate limited, waiting before retry")
		if err := w.sleep(ctx, rl.RetryAfter); err != nil {
			return err
		}
	}
}

// sendOnce tries the image with caption first and falls back to plain text,
// unless the image send was rate limited.
func (w *Worker) sendOnce(ctx context.Context, rec models.CollectedRecord, message string) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	if media, ok := rec.Media().Get(); ok {
		err := w.channel.SendImage(sendCtx, media, message)
		if err == nil {
			return nil
		}
		if _, limited := notifier.AsRateLimit(err); limited {
			return err
		}
		log.Warn().Err(err).Str("recordID", rec.ID).Msg("Image send failed, falling back to text")
	}
	return w.channel.SendText(sendCtx, message)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
