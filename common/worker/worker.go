package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Worker is a long-running background component.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string

	// Start launches the worker's goroutines and returns.
	Start(ctx context.Context) error

	// Stop asks the worker to finish and waits for it, bounded by ctx.
	Stop(ctx context.Context) error
}

// Group starts and stops workers together.
type Group struct {
	workers []Worker
	started []Worker
}

func NewGroup(workers ...Worker) *Group {
	return &Group{workers: workers}
}

// Add appends a worker. Nil workers are ignored so optional components can be passed directly.
func (g *Group) Add(w Worker) {
	if w == nil {
		return
	}
	g.workers = append(g.workers, w)
}

// Start starts workers in order. On failure the already started ones are stopped.
func (g *Group) Start(ctx context.Context) error {
	for _, w := range g.workers {
		if err := w.Start(ctx); err != nil {
			log.Error().Err(err).Str("worker", w.Name()).Msg("Failed to start worker")
			_ = g.Stop(ctx)
			return err
		}
		g.started = append(g.started, w)
		log.Info().Str("worker", w.Name()).Msg("Worker started")
	}
	return nil
}

// Stop stops started workers in reverse order and joins their errors.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		w := g.started[i]
		if err := w.Stop(ctx); err != nil {
			log.Error().Err(err).Str("worker", w.Name()).Msg("Failed to stop worker")
			errs = append(errs, err)
			continue
		}
		log.Info().Str("worker", w.Name()).Msg("Worker stopped")
	}
	g.started = nil
	return errors.Join(errs...)
}
