package crawlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

// ErrSuperseded is returned by a run whose token is no longer current.
var ErrSuperseded = errors.New("extraction run superseded")

// PostSource is the rendered search page an extraction run reads from.
type PostSource interface {
	Snapshot(ctx context.Context) ([]xsearch.Post, error)
	ScrollBy(ctx context.Context, dy int) error
}

// Generation mints instance tokens. Minting a new token invalidates every
// run started with an older one.
type Generation struct {
	current atomic.Uint64
}

func (g *Generation) Next() uint64 {
	return g.current.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.current.Load()
}

func (g *Generation) IsCurrent(token uint64) bool {
	return g.current.Load() == token
}

type EngineConfig struct {
	MaxRecords            int
	MaxIterations         int
	MaxStagnantIterations int
	ScrollStep            int
	ScrollMinDistance     int
	ScrollMaxDistance     int
	ScrollMinPause        time.Duration
	ScrollMaxPause        time.Duration
	IterationPause        time.Duration
}

// StopReason tells why a run emitted its batch.
type StopReason string

const (
	StopCapReached     StopReason = "cap_reached"
	StopIterationLimit StopReason = "iteration_limit"
	StopStagnation     StopReason = "stagnation"
)

// Request is one extraction run.
type Request struct {
	JobID   string
	Keyword string
	UserID  string
	Token   uint64
}

type Result struct {
	Batch      models.Batch
	Reason     StopReason
	Iterations int
}

// Engine scrolls a search page and collects up to MaxRecords unique posts.
type Engine struct {
	cfg   EngineConfig
	gen   *Generation
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

type EngineOption func(*Engine)

// WithSleep replaces the pacing sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

func WithRand(r *rand.Rand) EngineOption {
	return func(e *Engine) {
		e.rand = r
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(cfg EngineConfig, gen *Generation, opts ...EngineOption) *Engine {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 20
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.MaxStagnantIterations <= 0 {
		cfg.MaxStagnantIterations = 2
	}
	if cfg.ScrollStep <= 0 {
		cfg.ScrollStep = 100
	}
	if cfg.ScrollMaxDistance < cfg.ScrollMinDistance {
		cfg.ScrollMaxDistance = cfg.ScrollMinDistance
	}
	if gen == nil {
		gen = &Generation{}
	}

	e := &Engine{
		cfg:   cfg,
		gen:   gen,
		sleep: sleepContext,
		now:   time.Now,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Generation() *Generation {
	return e.gen
}

// Run collects posts until the cap, the iteration limit or stagnation.
// A superseded run returns ErrSuperseded and no batch.
func (e *Engine) Run(ctx context.Context, src PostSource, req Request) (Result, error) {
	l := log.With().
		Str("jobID", req.JobID).
		Str("keyword", req.Keyword).
		Uint64("token", req.Token).
		Logger()

	collected := newOrderedSet[models.RawPost]()
	stagnant := 0
	reason := StopIterationLimit
	iteration := 0

	for iteration < e.cfg.MaxIterations {
		if err := e.check(ctx, req.Token); err != nil {
			return Result{}, err
		}
		iteration++

		posts, err := src.Snapshot(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("snapshot iteration %d: %w", iteration, err)
		}

		added := e.collect(collected, posts, req.Keyword)
		l.Debug().
			Int("iteration", iteration).
			Int("visible", len(posts)).
			Int("added", added).
			Int("collected", collected.Len()).
			Msg("Extraction iteration")

		if collected.Len() >= e.cfg.MaxRecords {
			reason = StopCapReached
			break
		}

		if added == 0 {
			stagnant++
		} else {
			stagnant = 0
		}
		if stagnant >= e.cfg.MaxStagnantIterations {
			reason = StopStagnation
			break
		}
		if iteration >= e.cfg.MaxIterations {
			break
		}

		if err := e.scroll(ctx, src, req.Token); err != nil {
			return Result{}, err
		}
		if err := e.pause(ctx, req.Token, e.cfg.IterationPause); err != nil {
			return Result{}, err
		}
	}

	// The token is checked once more so a run superseded while finishing emits nothing.
	if err := e.check(ctx, req.Token); err != nil {
		return Result{}, err
	}

	posts := collected.Values()
	if len(posts) > e.cfg.MaxRecords {
		posts = posts[:e.cfg.MaxRecords]
	}

	l.Info().
		Int("iterations", iteration).
		Int("records", len(posts)).
		Str("reason", string(reason)).
		Msg("Extraction finished")

	return Result{
		Batch: models.Batch{
			JobID:   req.JobID,
			Keyword: req.Keyword,
			UserID:  req.UserID,
			Token:   req.Token,
			Posts:   posts,
		},
		Reason:     reason,
		Iterations: iteration,
	}, nil
}

func (e *Engine) collect(set *orderedSet[models.RawPost], posts []xsearch.Post, keyword string) int {
	added := 0
	for _, p := range posts {
		if set.Len() >= e.cfg.MaxRecords {
			break
		}
		if p.Promoted || p.Permalink == "" {
			continue
		}
		if set.Has(p.Permalink) {
			continue
		}
		set.Add(p.Permalink, e.toRawPost(p, keyword))
		added++
	}
	return added
}

func (e *Engine) toRawPost(p xsearch.Post, keyword string) models.RawPost {
	postedAt := p.PostedAt
	if postedAt.IsZero() {
		postedAt = e.now()
	}
	return models.RawPost{
		Text:      p.Text,
		URL:       p.Permalink,
		Author:    p.Author,
		CreatedAt: postedAt.UTC().Format(time.RFC3339),
		Hashtag:   keyword,
		MediaURL:  p.MediaURL,
	}
}

// scroll moves the page down a random distance in ScrollStep increments.
func (e *Engine) scroll(ctx context.Context, src PostSource, token uint64) error {
	distance := e.cfg.ScrollMinDistance + e.intn(e.cfg.ScrollMaxDistance-e.cfg.ScrollMinDistance+1)
	for moved := 0; moved < distance; moved += e.cfg.ScrollStep {
		if err := e.check(ctx, token); err != nil {
			return err
		}
		step := lo.Min([]int{e.cfg.ScrollStep, distance - moved})
		if err := src.ScrollBy(ctx, step); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if err := e.pause(ctx, token, e.randomPause()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pause(ctx context.Context, token uint64, d time.Duration) error {
	if d > 0 {
		if err := e.sleep(ctx, d); err != nil {
			return err
		}
	}
	return e.check(ctx, token)
}

func (e *Engine) check(ctx context.Context, token uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.gen.IsCurrent(token) {
		return ErrSuperseded
	}
	return nil
}

func (e *Engine) randomPause() time.Duration {
	span := e.cfg.ScrollMaxPause - e.cfg.ScrollMinPause
	if span <= 0 {
		return e.cfg.ScrollMinPause
	}
	return e.cfg.ScrollMinPause + time.Duration(e.int63n(int64(span)+1))
}

func (e *Engine) intn(n int) int {
	if n <= 1 {
		return 0
	}
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Intn(n)
}

func (e *Engine) int63n(n int64) int64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Int63n(n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// orderedSet keeps values in first-insertion order, keyed by string.
type orderedSet[T any] struct {
	keys   map[string]struct{}
	values []T
}

func newOrderedSet[T any]() *orderedSet[T] {
	return &orderedSet[T]{keys: make(map[string]struct{})}
}

func (s *orderedSet[T]) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *orderedSet[T]) Add(key string, v T) {
	if s.Has(key) {
		return
	}
	s.keys[key] = struct{}{}
	s.values = append(s.values, v)
}

func (s *orderedSet[T]) Len() int {
	return len(s.values)
}

func (s *orderedSet[T]) Values() []T {
	return append([]T(nil), s.values...)
}
