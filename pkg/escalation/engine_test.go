package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/models"
	"incident-escalation-service/pkg/policy"
	"incident-escalation-service/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingDispatcher struct {
	mu            sync.Mutex
	notifications []models.EscalationNotification
}

func (d *countingDispatcher) Dispatch(_ context.Context, n models.EscalationNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications = append(d.notifications, n)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notifications)
}

type testEnv struct {
	engine     *Engine
	store      store.TimerStore
	history    store.HistoryLog
	dispatcher *countingDispatcher
	clock      *fakeClock
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	timerStore := store.NewRedisStore(rdb, logger, m)
	historyLog := store.NewRedisHistoryLog(rdb, logger, m)
	resolver := policy.NewResolver(policy.DefaultTable(), logger)
	dispatcher := &countingDispatcher{}

	cfg := &config.Config{
		ConflictRetryAttempts: 3,
		RetryBackoffMS:        1,
	}

	engine := NewEngine(timerStore, historyLog, resolver, dispatcher, cfg, logger, m)

	clock := newFakeClock(time.Now().Truncate(time.Millisecond))
	engine.now = clock.Now

	return &testEnv{
		engine:     engine,
		store:      timerStore,
		history:    historyLog,
		dispatcher: dispatcher,
		clock:      clock,
	}
}

func (env *testEnv) eventKinds(t *testing.T, incidentID string) []models.EventKind {
	t.Helper()
	events, err := env.history.ListByIncident(context.Background(), incidentID)
	require.NoError(t, err)
	kinds := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestEngine_CalculateCreatesRunningTimer(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	t0 := env.clock.Now()

	view, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, int64(10*60*1000), view.BaseDurationMS)
	assert.Equal(t, t0.Add(10*time.Minute).UnixMilli(), view.DeadlineAt.UnixMilli())
	assert.Equal(t, int64(0), view.ElapsedActiveMS)

	assert.Equal(t, []models.EventKind{models.EventStarted}, env.eventKinds(t, "inc-1"))
}

func TestEngine_CalculateIsIdempotent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	first, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	env.clock.Advance(1 * time.Minute)

	// Policy arguments are ignored once the timer exists; policy is
	// fixed at creation.
	second, err := env.engine.Calculate(ctx, "inc-1", "security", "critical", "")
	require.NoError(t, err)

	assert.Equal(t, first.DeadlineAt.UnixMilli(), second.DeadlineAt.UnixMilli())
	assert.Equal(t, first.BaseDurationMS, second.BaseDurationMS)
	assert.Equal(t, int64(1*60*1000), second.ElapsedActiveMS)

	// Exactly one started entry total.
	assert.Equal(t, []models.EventKind{models.EventStarted}, env.eventKinds(t, "inc-1"))
}

func TestEngine_CalculatePolicyNotFound(t *testing.T) {
	env := setupTestEngine(t)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	env.engine.resolver = policy.NewResolver(policy.Table{}, logger)

	_, err := env.engine.Calculate(context.Background(), "inc-1", "medical", "high", "")
	assert.ErrorIs(t, err, policy.ErrPolicyNotFound)
}

// 10-minute SLA timer paused from t0+3m to t0+5m, so the
// deadline lands at t0+12m and escalation fires between t0+11m and t0+13m.
func TestEngine_PauseResumeAccounting(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	t0 := env.clock.Now()

	view, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute).UnixMilli(), view.DeadlineAt.UnixMilli())

	env.clock.Advance(3 * time.Minute)
	view, err = env.engine.Pause(ctx, "inc-1", "waiting on vendor", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, view.Status)

	env.clock.Advance(2 * time.Minute)
	view, err = env.engine.Resume(ctx, "inc-1", "vendor responded", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, t0.Add(12*time.Minute).UnixMilli(), view.DeadlineAt.UnixMilli())

	loaded, err := env.store.Load(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2*60*1000), loaded.TotalPausedMS)
	assert.True(t, loaded.CurrentPauseStarted.IsZero())

	// t0+11m: 2 of the 11 wall-clock minutes were paused, still running.
	env.clock.Advance(6 * time.Minute)
	view, err = env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, int64(9*60*1000), view.ElapsedActiveMS)

	// t0+13m: active elapsed is 11m >= 10m, escalates on this read.
	env.clock.Advance(2 * time.Minute)
	view, err = env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, view.Status)

	assert.Equal(t, []models.EventKind{
		models.EventStarted,
		models.EventPaused,
		models.EventResumed,
		models.EventEscalated,
	}, env.eventKinds(t, "inc-1"))
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestEngine_RepeatedPauseResumeAccumulates(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	// Three pause/resume round trips of 1, 2 and 3 minutes.
	for i, pauseMinutes := range []int{1, 2, 3} {
		env.clock.Advance(30 * time.Second)
		_, err = env.engine.Pause(ctx, "inc-1", "", "")
		require.NoError(t, err, "pause round %d", i)

		env.clock.Advance(time.Duration(pauseMinutes) * time.Minute)
		_, err = env.engine.Resume(ctx, "inc-1", "", "")
		require.NoError(t, err, "resume round %d", i)
	}

	loaded, err := env.store.Load(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6*60*1000), loaded.TotalPausedMS)

	// 7.5 minutes of wall clock, 6 paused: 1.5 minutes consumed.
	view, err := env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90*1000), view.ElapsedActiveMS)
}

func TestEngine_PauseIsIdempotent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	_, err = env.engine.Pause(ctx, "inc-1", "first", "")
	require.NoError(t, err)

	// A retried pause succeeds without a duplicate history entry.
	view, err := env.engine.Pause(ctx, "inc-1", "retry", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, view.Status)

	assert.Equal(t, []models.EventKind{models.EventStarted, models.EventPaused}, env.eventKinds(t, "inc-1"))
}

func TestEngine_ResumeWhenRunningIsNoop(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	view, err := env.engine.Resume(ctx, "inc-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, view.Status)

	assert.Equal(t, []models.EventKind{models.EventStarted}, env.eventKinds(t, "inc-1"))
}

func TestEngine_OperationsOnUnknownIncident(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Pause(ctx, "ghost", "", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.engine.Resume(ctx, "ghost", "", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.engine.Status(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.engine.History(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_PausedTimerNeverEscalates(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	_, err = env.engine.Pause(ctx, "inc-1", "", "")
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	view, err := env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, view.Status)
	assert.Equal(t, 0, env.dispatcher.count())
}

func TestEngine_ConcurrentReadsEscalateOnce(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)

	const readers = 20
	var wg sync.WaitGroup
	statuses := make([]models.TimerStatus, readers)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := env.engine.Status(ctx, "inc-1")
			statuses[i] = view.Status
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.StatusEscalated, statuses[i])
	}

	// Exactly one escalated entry and one notification regardless of
	// how many readers observed the breached deadline.
	escalated := 0
	for _, kind := range env.eventKinds(t, "inc-1") {
		if kind == models.EventEscalated {
			escalated++
		}
	}
	assert.Equal(t, 1, escalated)
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestEngine_TerminalImmutability(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)
	view, err := env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusEscalated, view.Status)

	kindsBefore := env.eventKinds(t, "inc-1")

	var transitionErr *TransitionError

	_, err = env.engine.Pause(ctx, "inc-1", "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.StatusEscalated, transitionErr.Status)

	_, err = env.engine.Resume(ctx, "inc-1", "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Escalated is terminal; resolve is rejected too.
	_, err = env.engine.Resolve(ctx, "inc-1", "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, kindsBefore, env.eventKinds(t, "inc-1"))
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestEngine_ResolveFromRunningAndPaused(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-running", "medical", "high", "")
	require.NoError(t, err)
	view, err := env.engine.Resolve(ctx, "inc-running", "fixed", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, view.Status)

	_, err = env.engine.Calculate(ctx, "inc-paused", "medical", "high", "")
	require.NoError(t, err)
	_, err = env.engine.Pause(ctx, "inc-paused", "", "")
	require.NoError(t, err)
	view, err = env.engine.Resolve(ctx, "inc-paused", "fixed", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, view.Status)

	// Resolved is terminal.
	_, err = env.engine.Resolve(ctx, "inc-running", "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.engine.Pause(ctx, "inc-running", "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []models.EventKind{models.EventStarted, models.EventResolved}, env.eventKinds(t, "inc-running"))
}

func TestEngine_HistoryOrder(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.engine.Pause(ctx, "inc-1", "p", "a1")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.engine.Resume(ctx, "inc-1", "r", "a2")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.engine.Resolve(ctx, "inc-1", "done", "a3")
	require.NoError(t, err)

	events, err := env.engine.History(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].OccurredAt.Before(events[i-1].OccurredAt))
	}
	assert.Equal(t, models.EventResolved, events[3].Kind)
	assert.Equal(t, "done", events[3].Reason)
	assert.Equal(t, "a3", events[3].ActorID)
}

// flakyStore forces a fixed number of version conflicts before
// delegating, to exercise the engine's bounded retry.
type flakyStore struct {
	store.TimerStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) ConditionalSave(ctx context.Context, timer *models.EscalationTimer) error {
	f.mu.Lock()
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	f.mu.Unlock()

	if shouldFail {
		return store.ErrVersionConflict
	}
	return f.TimerStore.ConditionalSave(ctx, timer)
}

func TestEngine_RetriesVersionConflicts(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	env.engine.store = &flakyStore{TimerStore: env.store, failures: 2}

	view, err := env.engine.Pause(ctx, "inc-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, view.Status)
}

func TestEngine_SurfacesConflictWhenRetriesExhausted(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	_, err := env.engine.Calculate(ctx, "inc-1", "medical", "high", "")
	require.NoError(t, err)

	env.engine.store = &flakyStore{TimerStore: env.store, failures: 10}

	_, err = env.engine.Pause(ctx, "inc-1", "", "")
	assert.ErrorIs(t, err, ErrConflict)

	// The conflicted operation committed nothing.
	env.engine.store = env.store
	view, err := env.engine.Status(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, []models.EventKind{models.EventStarted}, env.eventKinds(t, "inc-1"))
}
