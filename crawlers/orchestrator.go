package crawlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/work"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

var (
	ErrOrchestratorStopped = errors.New("orchestrator is not running")
	ErrNoKeywords          = errors.New("no keywords to enqueue")
)

type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateAwaiting    State = "awaiting"
)

// StatusRecorder receives the operator-facing status line.
type StatusRecorder interface {
	SetCrawling(ctx context.Context, keyword string) error
	SetIdle(ctx context.Context, syncedAt time.Time) error
}

// EventRecorder receives crawl lifecycle events.
type EventRecorder interface {
	CrawlStarted(ctx context.Context, jobID, keyword string)
	CrawlCompleted(ctx context.Context, jobID, keyword string, resultsCount int)
	CrawlAbandoned(ctx context.Context, jobID, keyword string, cause error)
}

// JobTracker marks jobs as running outside the process.
type JobTracker interface {
	Start(ctx context.Context, workID string) error
	Complete(ctx context.Context, workID string) error
	Cancel(ctx context.Context, workID string) error
}

// ArtifactStore keeps debug screenshots.
type ArtifactStore interface {
	Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error)
}

type OrchestratorConfig struct {
	SearchBaseURL   string
	SettleDelay     time.Duration
	PostWaitTimeout time.Duration
	// JobTimeout bounds a job from dispatch to batch. Expired jobs are abandoned.
	JobTimeout time.Duration
	// KeepWarm keeps the session when the queue drains.
	KeepWarm bool
}

// OrchestratorDeps are the collaborators. Status, Events, Tracker and
// Artifacts are optional.
type OrchestratorDeps struct {
	Factory   SessionFactory
	Engine    *Engine
	Sink      BatchSink
	Status    StatusRecorder
	Events    EventRecorder
	Tracker   JobTracker
	Artifacts ArtifactStore
}

// Snapshot is a consistent view of the orchestrator taken by its event loop.
type Snapshot struct {
	State      State
	Keyword    string
	Queue      []string
	SessionUp  bool
	Generation uint64
	LastSync   time.Time
	Pool       work.PoolStats
}

type queuedKeyword struct {
	keyword string
	userID  mo.Option[string]
}

type enqueueRequest struct {
	keywords []string
	userID   mo.Option[string]
}

// Orchestrator serializes keyword jobs against one browser session.
// Its queue, state and current job are owned by a single event loop.
// Extraction runs on a one-worker pool that stands for the page context.
type Orchestrator struct {
	cfg  OrchestratorConfig
	deps OrchestratorDeps
	pool *work.Pool[models.Batch]

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	enqueueCh  chan enqueueRequest
	launchedCh chan string
	snapshotCh chan chan Snapshot
	done       chan struct{}
	cancel     context.CancelFunc
	running    atomic.Bool
	stopOnce   sync.Once

	// Owned by the event loop.
	state    State
	queue    []queuedKeyword
	current  *models.CrawlJob
	lastSync time.Time

	// Shared between the event loop and the job in flight.
	sessMu  sync.Mutex
	session Session
	suspect bool
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Factory == nil || deps.Engine == nil || deps.Sink == nil {
		return nil, errors.New("orchestrator needs a session factory, an engine and a batch sink")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3 * time.Minute
	}
	if cfg.PostWaitTimeout <= 0 {
		cfg.PostWaitTimeout = 20 * time.Second
	}

	pool, err := work.NewWorkerPoolWithConfig[models.Batch](work.PoolConfig{
		NumWorkers:        1,
		TaskChannelSize:   1,
		ResultChanSize:    1,
		TaskTimeout:       cfg.JobTimeout,
		ShutdownTimeout:   10 * time.Second,
		ResultSendTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		pool:       pool,
		sleep:      sleepContext,
		now:        time.Now,
		enqueueCh:  make(chan enqueueRequest, 64),
		launchedCh: make(chan string, 1),
		snapshotCh: make(chan chan Snapshot),
		done:       make(chan struct{}),
		state:      StateIdle,
	}, nil
}

func (o *Orchestrator) Name() string {
	return "crawl-orchestrator"
}

func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.pool.Start(runCtx, "page-context")
	go o.loop(runCtx)
	return nil
}

// Stop abandons the job in flight and closes the session.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Load() {
		return nil
	}
	o.stopOnce.Do(func() {
		o.cancel()
	})
	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.pool.Stop()
	o.releaseSession()
	return nil
}

// Enqueue appends keywords to the tail of the queue. Duplicates are kept.
func (o *Orchestrator) Enqueue(ctx context.Context, keywords []string, userID mo.Option[string]) (int, error) {
	kws := lo.Filter(lo.Map(keywords, func(k string, _ int) string {
		return strings.TrimSpace(k)
	}), func(k string, _ int) bool {
		return k != ""
	})
	if len(kws) == 0 {
		return 0, ErrNoKeywords
	}

	select {
	case <-o.done:
		return 0, ErrOrchestratorStopped
	default:
	}

	select {
	case o.enqueueCh <- enqueueRequest{keywords: kws, userID: userID}:
		return len(kws), nil
	case <-o.done:
		return 0, ErrOrchestratorStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case o.snapshotCh <- reply:
	case <-o.done:
		return Snapshot{}, ErrOrchestratorStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	results := o.pool.Results()

	for {
		select {
		case <-ctx.Done():
			if o.current != nil {
				o.abandon(context.WithoutCancel(ctx), o.current, ctx.Err())
				o.current = nil
			}
			log.Info().Int("queued", len(o.queue)).Msg("Orchestrator stopped")
			return
		case req := <-o.enqueueCh:
			o.onEnqueue(ctx, req)
		case jobID := <-o.launchedCh:
			o.onLaunched(jobID)
		case res, ok := <-results:
			if !ok {
				return
			}
			o.onBatchResult(ctx, res)
		case reply := <-o.snapshotCh:
			reply <- o.snapshot()
		}
	}
}

func (o *Orchestrator) onEnqueue(ctx context.Context, req enqueueRequest) {
	for _, kw := range req.keywords {
		o.queue = append(o.queue, queuedKeyword{keyword: kw, userID: req.userID})
	}
	log.Info().
		Strs("keywords", req.keywords).
		Int("queued", len(o.queue)).
		Str("state", string(o.state)).
		Msg("Keywords enqueued")

	if o.state == StateIdle {
		o.dispatchNext(ctx)
	}
}

// dispatchNext starts the job at the head of the queue, or goes idle.
func (o *Orchestrator) dispatchNext(ctx context.Context) {
	for len(o.queue) > 0 {
		next := o.queue[0]
		o.queue = o.queue[1:]

		job := &models.CrawlJob{
			ID:        uuid.NewString(),
			Keyword:   next.keyword,
			UserID:    next.userID,
			StartedAt: o.now(),
			Status:    models.CrawlJobDispatching,
		}
		token := o.deps.Engine.Generation().Next()

		task, err := work.NewTask(func(taskCtx context.Context) (models.Batch, error) {
			return o.runJob(taskCtx, job, token)
		},
			work.WithID[models.Batch](job.ID),
			work.WithTimeout[models.Batch](o.cfg.JobTimeout),
			work.WithErrorHandler[models.Batch](o.onTaskError),
		)
		if err != nil {
			log.Error().Err(err).Str("keyword", job.Keyword).Msg("Failed to create crawl task")
			continue
		}

		o.current = job
		o.state = StateDispatching
		o.startJob(ctx, job)

		if err := o.pool.AddTaskNonBlocking(task); err != nil {
			o.abandon(ctx, job, err)
			o.current = nil
			continue
		}
		return
	}
	o.goIdle(ctx)
}

func (o *Orchestrator) startJob(ctx context.Context, job *models.CrawlJob) {
	log.Info().
		Str("jobID", job.ID).
		Str("keyword", job.Keyword).
		Int("queued", len(o.queue)).
		Msg("Dispatching crawl job")

	if o.deps.Status != nil {
		if err := o.deps.Status.SetCrawling(ctx, job.Keyword); err != nil {
			log.Warn().Err(err).Msg("Failed to update crawl status")
		}
	}
	if o.deps.Events != nil {
		o.deps.Events.CrawlStarted(ctx, job.ID, job.Keyword)
	}
	if o.deps.Tracker != nil {
		if err := o.deps.Tracker.Start(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to mark job running")
		}
	}
}

func (o *Orchestrator) onLaunched(jobID string) {
	if o.current == nil || o.current.ID != jobID || o.state != StateDispatching {
		return
	}
	o.state = StateAwaiting
	o.current.Status = models.CrawlJobAwaiting
	log.Debug().Str("jobID", jobID).Msg("Extraction launched")
}

// onBatchResult completes the current job. Results of any other job are stale.
func (o *Orchestrator) onBatchResult(ctx context.Context, res work.TaskResult[models.Batch]) {
	job := o.current
	if job == nil || res.TaskID != job.ID {
		log.Warn().Str("taskID", res.TaskID).Msg("Dropping result of a job that is no longer current")
		return
	}
	o.current = nil

	if res.Error != nil {
		o.abandon(ctx, job, res.Error)
	} else {
		o.complete(ctx, job, res.Result, res.Duration)
	}

	o.dispatchNext(ctx)
}

func (o *Orchestrator) complete(ctx context.Context, job *models.CrawlJob, batch models.Batch, took time.Duration) {
	batch.JobID = job.ID
	batch.Keyword = job.Keyword
	batch.UserID = job.UserID.OrEmpty()

	if err := o.deps.Sink.Deliver(ctx, batch); err != nil {
		o.abandon(ctx, job, fmt.Errorf("deliver batch: %w", err))
		return
	}

	job.Status = models.CrawlJobCompleted
	o.lastSync = o.now()

	log.Info().
		Str("jobID", job.ID).
		Str("keyword", job.Keyword).
		Int("records", len(batch.Posts)).
		Dur("duration", took).
		Msg("Crawl job completed")

	if o.deps.Events != nil {
		o.deps.Events.CrawlCompleted(ctx, job.ID, job.Keyword, len(batch.Posts))
	}
	if o.deps.Tracker != nil {
		if err := o.deps.Tracker.Complete(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to complete job marker")
		}
	}
}

// abandon drops a job without retrying it. A timed out or crashed job leaves
// the page in an unknown state, so its token is retired.
func (o *Orchestrator) abandon(ctx context.Context, job *models.CrawlJob, cause error) {
	job.Status = models.CrawlJobAbandoned

	if isPageFault(cause) {
		o.deps.Engine.Generation().Next()
	}

	log.Error().
		Err(cause).
		Str("jobID", job.ID).
		Str("keyword", job.Keyword).
		Msg("Crawl job abandoned")

	if o.deps.Events != nil {
		o.deps.Events.CrawlAbandoned(ctx, job.ID, job.Keyword, cause)
	}
	if o.deps.Tracker != nil {
		if err := o.deps.Tracker.Cancel(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to cancel job marker")
		}
	}
}

// onTaskError runs on the page-context worker before the result reaches the
// event loop. A job that lost or wedged the page gets its session replaced on
// the next dispatch.
func (o *Orchestrator) onTaskError(err error) {
	if isPageFault(err) || errors.Is(err, ErrSessionLost) {
		log.Warn().Err(err).Msg("Page context failed, browser session marked suspect")
		o.markSuspect()
	}
}

func isPageFault(err error) bool {
	return errors.Is(err, work.ErrTaskTimeout) || errors.Is(err, work.ErrTaskPanicked) || errors.Is(err, context.Canceled)
}

func (o *Orchestrator) goIdle(ctx context.Context) {
	o.state = StateIdle
	if o.deps.Status != nil {
		if err := o.deps.Status.SetIdle(ctx, o.lastSync); err != nil {
			log.Warn().Err(err).Msg("Failed to update crawl status")
		}
	}
	if !o.cfg.KeepWarm {
		o.releaseSession()
	}
	log.Info().Msg("Keyword queue drained")
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		State:      o.state,
		Queue:      lo.Map(o.queue, func(q queuedKeyword, _ int) string { return q.keyword }),
		Generation: o.deps.Engine.Generation().Current(),
		LastSync:   o.lastSync,
		Pool:       o.pool.Stats(),
	}
	if o.current != nil {
		s.Keyword = o.current.Keyword
	}
	o.sessMu.Lock()
	s.SessionUp = o.session != nil && !o.suspect
	o.sessMu.Unlock()
	return s
}

// runJob is the page-context side of a job: load the search page, settle,
// hand over the keyword and run the engine.
func (o *Orchestrator) runJob(ctx context.Context, job *models.CrawlJob, token uint64) (models.Batch, error) {
	sess, err := o.acquireSession(ctx)
	if err != nil {
		return models.Batch{}, err
	}

	target := xsearch.SearchURL(o.cfg.SearchBaseURL, job.Keyword)
	log.Info().Str("jobID", job.ID).Str("url", target).Msg("Navigating to search page")
	if err := sess.Navigate(ctx, target); err != nil {
		return models.Batch{}, err
	}

	if err := sess.WaitForPosts(ctx, o.cfg.PostWaitTimeout); err != nil {
		if ctx.Err() != nil {
			return models.Batch{}, ctx.Err()
		}
		log.Warn().Err(err).Str("jobID", job.ID).Str("keyword", job.Keyword).Msg("No posts rendered before timeout")
		o.saveScreenshot(ctx, sess, job)
	}

	if o.cfg.SettleDelay > 0 {
		if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
			return models.Batch{}, err
		}
	}

	if err := sess.Inject(ctx, job.Keyword); err != nil {
		return models.Batch{}, err
	}

	select {
	case o.launchedCh <- job.ID:
	case <-ctx.Done():
		return models.Batch{}, ctx.Err()
	}

	res, err := o.deps.Engine.Run(ctx, sess.Source(), Request{
		JobID:   job.ID,
		Keyword: job.Keyword,
		UserID:  job.UserID.OrEmpty(),
		Token:   token,
	})
	if err != nil {
		return models.Batch{}, err
	}
	return res.Batch, nil
}

// acquireSession reuses a live session or replaces a lost one.
func (o *Orchestrator) acquireSession(ctx context.Context) (Session, error) {
	o.sessMu.Lock()
	sess, suspect := o.session, o.suspect
	o.sessMu.Unlock()

	if sess != nil && !suspect && sess.Alive(ctx) {
		return sess, nil
	}
	if sess != nil {
		log.Warn().Bool("suspect", suspect).Msg("Browser session lost, creating a new one")
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing lost session")
		}
	}

	fresh, err := o.deps.Factory.NewSession(ctx)

	o.sessMu.Lock()
	o.session = fresh
	o.suspect = false
	if err != nil {
		o.session = nil
	}
	o.sessMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	return fresh, nil
}

func (o *Orchestrator) markSuspect() {
	o.sessMu.Lock()
	o.suspect = true
	o.sessMu.Unlock()
}

func (o *Orchestrator) releaseSession() {
	o.sessMu.Lock()
	sess := o.session
	o.session = nil
	o.suspect = false
	o.sessMu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing browser session")
	}
}

func (o *Orchestrator) saveScreenshot(ctx context.Context, sess Session, job *models.CrawlJob) {
	if o.deps.Artifacts == nil {
		return
	}
	data, err := sess.Screenshot(ctx)
	if err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to capture screenshot")
		return
	}
	name := fmt.Sprintf("debug/%s/%s.png", o.now().UTC().Format("20060102"), job.ID)
	uri, err := o.deps.Artifacts.Upload(ctx, name, data, "image/png")
	if err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("Failed to upload screenshot")
		return
	}
	log.Info().Str("jobID", job.ID).Str("uri", uri).Msg("Debug screenshot saved")
}
