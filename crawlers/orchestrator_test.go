package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/work"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

type fakeSession struct {
	mu        sync.Mutex
	id        int
	alive     bool
	closed    bool
	navigated []string
	injected  []string
	source    PostSource
}

func (s *fakeSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) WaitForPosts(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (s *fakeSession) Inject(ctx context.Context, keyword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, keyword)
	return nil
}

func (s *fakeSession) Source() PostSource {
	return s.source
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	newSource func(n int) PostSource
}

func (f *fakeFactory) NewSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sessions) + 1
	var src PostSource = &frameSource{frames: [][]xsearch.Post{{post(n)}}}
	if f.newSource != nil {
		src = f.newSource(n)
	}
	s := &fakeSession{id: n, alive: true, source: src}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

type recordingSink struct {
	batches chan models.Batch
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: make(chan models.Batch, 16)}
}

func (s *recordingSink) Deliver(ctx context.Context, batch models.Batch) error {
	s.batches <- batch
	return nil
}

func (s *recordingSink) next(t *testing.T) models.Batch {
	t.Helper()
	select {
	case b := <-s.batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return models.Batch{}
	}
}

type recordingEvents struct {
	mu        sync.Mutex
	started   []string
	completed []string
	abandoned []string
	causes    []error
}

func (r *recordingEvents) CrawlStarted(ctx context.Context, jobID, keyword string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, keyword)
}

func (r *recordingEvents) CrawlCompleted(ctx context.Context, jobID, keyword string, resultsCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, keyword)
}

func (r *recordingEvents) CrawlAbandoned(ctx context.Context, jobID, keyword string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, keyword)
	r.causes = append(r.causes, cause)
}

func (r *recordingEvents) abandonedKeywords() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.abandoned...)
}

type recordingStatus struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingStatus) SetCrawling(ctx context.Context, keyword string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, "crawling:"+keyword)
	return nil
}

func (r *recordingStatus) SetIdle(ctx context.Context, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, "idle")
	return nil
}

func (r *recordingStatus) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return ""
	}
	return r.lines[len(r.lines)-1]
}

// concurrencySource records how many extraction runs read the page at once.
type concurrencySource struct {
	inner    PostSource
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (c *concurrencySource) Snapshot(ctx context.Context) ([]xsearch.Post, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.inner.Snapshot(ctx)
}

func (c *concurrencySource) ScrollBy(ctx context.Context, dy int) error {
	return c.inner.ScrollBy(ctx, dy)
}

// blockingSource never yields until its context ends.
type blockingSource struct{}

func (blockingSource) Snapshot(ctx context.Context) ([]xsearch.Post, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSource) ScrollBy(ctx context.Context, dy int) error {
	return nil
}

type orchestratorFixture struct {
	orch    *Orchestrator
	factory *fakeFactory
	sink    *recordingSink
	events  *recordingEvents
	status  *recordingStatus
}

func newOrchestratorFixture(t *testing.T, cfg OrchestratorConfig, factory *fakeFactory) *orchestratorFixture {
	t.Helper()
	engineCfg := testEngineConfig()
	engineCfg.MaxIterations = 2
	engine := NewEngine(engineCfg, &Generation{}, WithSleep(noSleep))

	fx := &orchestratorFixture{
		factory: factory,
		sink:    newRecordingSink(),
		events:  &recordingEvents{},
		status:  &recordingStatus{},
	}
	orch, err := NewOrchestrator(cfg, OrchestratorDeps{
		Factory: factory,
		Engine:  engine,
		Sink:    fx.sink,
		Status:  fx.status,
		Events:  fx.events,
	})
	require.NoError(t, err)
	fx.orch = orch

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	return fx
}

func waitIdle(t *testing.T, o *Orchestrator) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := o.Snapshot(context.Background())
		if err != nil {
			return false
		}
		snap = s
		return s.State == StateIdle && len(s.Queue) == 0
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestOrchestrator_TwoKeywordsReuseOneSession(t *testing.T) {
	fx := newOrchestratorFixture(t, OrchestratorConfig{JobTimeout: 5 * time.Second}, &fakeFactory{})

	n, err := fx.orch.Enqueue(context.Background(), []string{"#AI", "#Go"}, mo.Some("user-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first := fx.sink.next(t)
	second := fx.sink.next(t)
	assert.Equal(t, "#AI", first.Keyword)
	assert.Equal(t, "#Go", second.Keyword)
	assert.Equal(t, "user-1", first.UserID)
	assert.NotEqual(t, first.JobID, second.JobID)

	waitIdle(t, fx.orch)
	assert.Equal(t, 1, fx.factory.created())

	sess := fx.factory.session(0)
	assert.Equal(t, []string{"#AI", "#Go"}, sess.injected)
	require.Len(t, sess.navigated, 2)
	assert.Equal(t, xsearch.SearchURL("", "#AI"), sess.navigated[0])
	assert.Equal(t, xsearch.SearchURL("", "#Go"), sess.navigated[1])

	// Released on idle without keep-warm.
	assert.Eventually(t, sess.isClosed, time.Second, 10*time.Millisecond)
	assert.Equal(t, "idle", fx.status.last())
}

func TestOrchestrator_FIFOWithSingleInFlightJob(t *testing.T) {
	var inflight, peak atomic.Int32
	factory := &fakeFactory{newSource: func(n int) PostSource {
		return &concurrencySource{
			inner:    &frameSource{frames: [][]xsearch.Post{posts(1, 3)}},
			inflight: &inflight,
			peak:     &peak,
		}
	}}
	fx := newOrchestratorFixture(t, OrchestratorConfig{JobTimeout: 5 * time.Second, KeepWarm: true}, factory)

	_, err := fx.orch.Enqueue(context.Background(), []string{"a", "b"}, mo.None[string]())
	require.NoError(t, err)
	_, err = fx.orch.Enqueue(context.Background(), []string{"c", "a"}, mo.None[string]())
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, fx.sink.next(t).Keyword)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 1, factory.created())
}

func TestOrchestrator_LostSessionIsRecreated(t *testing.T) {
	fx := newOrchestratorFixture(t, OrchestratorConfig{JobTimeout: 5 * time.Second, KeepWarm: true}, &fakeFactory{})

	_, err := fx.orch.Enqueue(context.Background(), []string{"first"}, mo.None[string]())
	require.NoError(t, err)
	fx.sink.next(t)
	waitIdle(t, fx.orch)

	fx.factory.session(0).kill()

	_, err = fx.orch.Enqueue(context.Background(), []string{"second"}, mo.None[string]())
	require.NoError(t, err)
	b := fx.sink.next(t)

	assert.Equal(t, "second", b.Keyword)
	assert.Equal(t, 2, fx.factory.created())
	assert.True(t, fx.factory.session(0).isClosed())
}

func TestOrchestrator_TimedOutJobIsAbandonedAndQueueContinues(t *testing.T) {
	factory := &fakeFactory{newSource: func(n int) PostSource {
		if n == 1 {
			return blockingSource{}
		}
		return &frameSource{frames: [][]xsearch.Post{{post(n)}}}
	}}
	fx := newOrchestratorFixture(t, OrchestratorConfig{JobTimeout: 100 * time.Millisecond, KeepWarm: true}, factory)

	_, err := fx.orch.Enqueue(context.Background(), []string{"slow", "fast"}, mo.None[string]())
	require.NoError(t, err)

	b := fx.sink.next(t)
	assert.Equal(t, "fast", b.Keyword)

	snap := waitIdle(t, fx.orch)
	assert.Equal(t, []string{"slow"}, fx.events.abandonedKeywords())
	assert.True(t, errors.Is(fx.events.causes[0], work.ErrTaskTimeout))
	assert.Equal(t, 2, factory.created(), "suspect session must be replaced")
	// slow: token 1, bumped to 2 on abandon, fast: token 3
	assert.Equal(t, uint64(3), snap.Generation)
	assert.Equal(t, uint64(3), b.Token)

	select {
	case extra := <-fx.sink.batches:
		t.Fatalf("unexpected batch for %q", extra.Keyword)
	default:
	}
}

func TestOrchestrator_SnapshotReportsPoolStats(t *testing.T) {
	fx := newOrchestratorFixture(t, OrchestratorConfig{JobTimeout: 5 * time.Second}, &fakeFactory{})

	_, err := fx.orch.Enqueue(context.Background(), []string{"#AI", "#Go"}, mo.None[string]())
	require.NoError(t, err)
	fx.sink.next(t)
	fx.sink.next(t)

	require.Eventually(t, func() bool {
		snap, err := fx.orch.Snapshot(context.Background())
		return err == nil && snap.Pool.TasksCompleted == 2
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := fx.orch.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Pool.TasksQueued)
	assert.Equal(t, int64(1), snap.Pool.ActiveWorkers)
	assert.Zero(t, snap.Pool.TasksInQueue)
}

func TestOrchestrator_TaskErrorMarksSessionSuspect(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		suspect bool
	}{
		{"timeout", fmt.Errorf("%w: %w", work.ErrTaskTimeout, context.DeadlineExceeded), true},
		{"panic", fmt.Errorf("%w: boom", work.ErrTaskPanicked), true},
		{"session lost", fmt.Errorf("%w: navigate", ErrSessionLost), true},
		{"ordinary failure", errors.New("no posts"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, err := NewOrchestrator(OrchestratorConfig{}, OrchestratorDeps{
				Factory: &fakeFactory{},
				Engine:  NewEngine(testEngineConfig(), &Generation{}, WithSleep(noSleep)),
				Sink:    newRecordingSink(),
			})
			require.NoError(t, err)
			orch.session = &fakeSession{}

			orch.onTaskError(tt.err)

			orch.sessMu.Lock()
			defer orch.sessMu.Unlock()
			assert.Equal(t, tt.suspect, orch.suspect)
		})
	}
}

func TestOrchestrator_EnqueueRejectsBlankKeywords(t *testing.T) {
	fx := newOrchestratorFixture(t, OrchestratorConfig{}, &fakeFactory{})

	_, err := fx.orch.Enqueue(context.Background(), []string{" ", ""}, mo.None[string]())
	require.ErrorIs(t, err, ErrNoKeywords)

	snap, err := fx.orch.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.SessionUp)
}

func TestOrchestrator_StoppedRejectsEnqueue(t *testing.T) {
	fx := newOrchestratorFixture(t, OrchestratorConfig{}, &fakeFactory{})
	require.NoError(t, fx.orch.Stop(context.Background()))

	_, err := fx.orch.Enqueue(context.Background(), []string{"x"}, mo.None[string]())
	require.ErrorIs(t, err, ErrOrchestratorStopped)
}
