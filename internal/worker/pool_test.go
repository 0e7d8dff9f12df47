package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/backoff"
	"github.com/scarson/jobrunner/internal/jobs"
	"github.com/scarson/jobrunner/internal/store/memstore"
	"github.com/scarson/jobrunner/internal/worker"
)

// fakeClock is a manually advanced clock shared by pools and leasers in a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
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

func newPool(t *testing.T, st jobs.Store, clk *fakeClock, workerID string) *worker.Pool {
	t.Helper()
	p, err := backoff.New(2, time.Second, 0)
	require.NoError(t, err)
	cfg := worker.Config{
		WorkerID:          workerID,
		PollInterval:      10 * time.Millisecond,
		LeaseDuration:     time.Minute,
		DefaultMaxRetries: 3,
		Backoff:           p,
	}
	if clk != nil {
		cfg.Now = clk.Now
	}
	return worker.New(st, cfg)
}

func insertJob(t *testing.T, st jobs.Store, queue string, at time.Time) *jobs.Job {
	t.Helper()
	j := jobs.New(queue, json.RawMessage(`{"task":"x"}`), at)
	require.NoError(t, st.Insert(context.Background(), j))
	return j
}

func getJob(t *testing.T, st jobs.Store, id uuid.UUID) *jobs.Job {
	t.Helper()
	j, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestPool_AlwaysFailingJobDiesAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")

	var runs atomic.Int32
	pool.Register("q", func(context.Context, json.RawMessage) error {
		runs.Add(1)
		return errors.New("always fails")
	})
	job := insertJob(t, st, "q", clk.Now())

	for wantAttempts := 1; wantAttempts <= 3; wantAttempts++ {
		failedAt := clk.Now()
		require.True(t, pool.RunOnce(ctx, "q"), "run %d should claim", wantAttempts)

		got := getJob(t, st, job.ID)
		assert.Equal(t, jobs.StatusPending, got.Status)
		assert.Equal(t, wantAttempts, got.Attempts)
		delay := backoff.Delay(wantAttempts, 2, time.Second)
		assert.False(t, got.NextRunAt.Before(failedAt.Add(delay)),
			"next run %s before failure time + %s", got.NextRunAt, delay)

		// Not eligible until the backoff elapses.
		assert.False(t, pool.RunOnce(ctx, "q"))
		clk.Advance(delay)
	}

	require.True(t, pool.RunOnce(ctx, "q"))
	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusDead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "always fails", got.LastError)

	clk.Advance(24 * time.Hour)
	assert.False(t, pool.RunOnce(ctx, "q"), "dead job must never be claimable")
	assert.Equal(t, int32(4), runs.Load(), "a fourth retry must never execute")
}

func TestPool_FailsThreeTimesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")

	var runs atomic.Int32
	pool.Register("q", func(context.Context, json.RawMessage) error {
		if runs.Add(1) <= 3 {
			return errors.New("not yet")
		}
		return nil
	})
	job := insertJob(t, st, "q", clk.Now())

	for i := 0; i < 4; i++ {
		require.True(t, pool.RunOnce(ctx, "q"), "claim %d", i+1)
		clk.Advance(time.Hour)
	}

	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.LeaseOwner)
}

func TestPool_PermanentErrorSkipsRemainingBudget(t *testing.T) {
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")
	pool.Register("q", func(context.Context, json.RawMessage) error {
		return worker.Permanent(errors.New("unsupported payload"))
	})
	job := insertJob(t, st, "q", clk.Now())

	require.True(t, pool.RunOnce(context.Background(), "q"))
	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusDead, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestPool_HandlerPanicIsRecoverable(t *testing.T) {
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")
	pool.Register("q", func(context.Context, json.RawMessage) error {
		panic("kaboom")
	})
	job := insertJob(t, st, "q", clk.Now())

	require.True(t, pool.RunOnce(context.Background(), "q"))
	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "kaboom")
}

func TestPool_UnregisteredQueueJobIsDead(t *testing.T) {
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")
	job := insertJob(t, st, "orphan", clk.Now())

	require.True(t, pool.RunOnce(context.Background(), "orphan"))
	assert.Equal(t, jobs.StatusDead, getJob(t, st, job.ID).Status)
}

func TestPool_HandlerReceivesPayload(t *testing.T) {
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")

	var got json.RawMessage
	pool.Register("q", func(_ context.Context, payload json.RawMessage) error {
		got = payload
		return nil
	})
	insertJob(t, st, "q", clk.Now())

	require.True(t, pool.RunOnce(context.Background(), "q"))
	assert.JSONEq(t, `{"task":"x"}`, string(got))
}

func TestPool_StalledWorkerLosesLeaseWithoutConsumingAttempt(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	clk := newFakeClock()
	slow := newPool(t, st, clk, "slow")
	other := worker.NewLeaser(st, "other", time.Minute, clk.Now)
	job := insertJob(t, st, "q", clk.Now())

	var reclaimed *jobs.Job
	slow.Register("q", func(context.Context, json.RawMessage) error {
		// The worker stalls past its lease; another worker reclaims the job.
		clk.Advance(2 * time.Minute)
		j, err := other.Claim(ctx, "q")
		require.NoError(t, err)
		reclaimed = j
		return nil
	})

	require.True(t, slow.RunOnce(ctx, "q"))

	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 0, reclaimed.Attempts)

	// The stale completion was fenced off: the job still belongs to "other".
	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusClaimed, got.Status)
	assert.Equal(t, "other", got.LeaseOwner)
	assert.Equal(t, 0, got.Attempts)

	ok, err := other.Settle(ctx, reclaimed, worker.Transition{Status: jobs.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, getJob(t, st, job.ID).Status)
}

func TestLeaser_ConcurrentClaimsSingleWinner(t *testing.T) {
	st := memstore.New()
	clk := newFakeClock()
	insertJob(t, st, "q", clk.Now())

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := worker.NewLeaser(st, uuid.NewString(), time.Minute, clk.Now)
			j, err := l.Claim(context.Background(), "q")
			if err == nil && j != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPool_SweepExpiredReleasesAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	clk := newFakeClock()
	pool := newPool(t, st, clk, "w1")
	job := insertJob(t, st, "q", clk.Now())

	l := worker.NewLeaser(st, "crashed", time.Minute, clk.Now)
	claimed, err := l.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, 0, pool.SweepExpired(ctx))
	clk.Advance(time.Minute)
	assert.Equal(t, 1, pool.SweepExpired(ctx))

	got := getJob(t, st, job.ID)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, clk.Now(), got.NextRunAt)
}

// flakyStore fails every claim with a transient error.
type flakyStore struct {
	jobs.Store
	calls atomic.Int32
}

func (s *flakyStore) FindEligibleAndClaim(context.Context, jobs.ClaimRequest) (*jobs.Job, error) {
	s.calls.Add(1)
	return nil, jobs.Transient("claim job", errors.New("connection refused"))
}

func TestPool_TransientStoreErrorIsContained(t *testing.T) {
	st := &flakyStore{Store: memstore.New()}
	metrics := worker.NewMetrics(nil)
	p, err := backoff.New(2, time.Second, 0)
	require.NoError(t, err)
	pool := worker.New(st, worker.Config{
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		Backoff:       p,
		Metrics:       metrics,
	})
	pool.Register("q", func(context.Context, json.RawMessage) error { return nil })

	assert.False(t, pool.RunOnce(context.Background(), "q"))
	assert.False(t, pool.RunOnce(context.Background(), "q"))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.StoreErrs.WithLabelValues("q")))
}

// recordingStore timestamps every claim attempt.
type recordingStore struct {
	jobs.Store
	mu    sync.Mutex
	calls []time.Time
}

func (s *recordingStore) FindEligibleAndClaim(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	s.mu.Lock()
	s.calls = append(s.calls, time.Now())
	s.mu.Unlock()
	return s.Store.FindEligibleAndClaim(ctx, req)
}

func TestPool_IdleLoopKeepsCadence(t *testing.T) {
	st := &recordingStore{Store: memstore.New()}
	p, err := backoff.New(2, time.Second, 0)
	require.NoError(t, err)
	const interval = 50 * time.Millisecond
	pool := worker.New(st, worker.Config{
		PollInterval:  interval,
		LeaseDuration: time.Minute,
		Backoff:       p,
	})
	pool.Register("q", func(context.Context, json.RawMessage) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 330*time.Millisecond)
	defer cancel()
	pool.Start(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.GreaterOrEqual(t, len(st.calls), 4, "loop should poll about every %s", interval)
	assert.LessOrEqual(t, len(st.calls), 8, "loop must not busy-spin")
	for i := 1; i < len(st.calls); i++ {
		gap := st.calls[i].Sub(st.calls[i-1])
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond, "gap %d = %s", i, gap)
	}
}

func TestPool_BacklogDrainsBackToBack(t *testing.T) {
	st := memstore.New()
	p, err := backoff.New(2, time.Second, 0)
	require.NoError(t, err)
	pool := worker.New(st, worker.Config{
		PollInterval:  200 * time.Millisecond,
		LeaseDuration: time.Minute,
		Backoff:       p,
	})
	var processed atomic.Int32
	pool.Register("q", func(context.Context, json.RawMessage) error {
		processed.Add(1)
		return nil
	})

	const backlog = 10
	base := time.Now().Add(-time.Second)
	ids := make([]uuid.UUID, 0, backlog)
	for i := 0; i < backlog; i++ {
		ids = append(ids, insertJob(t, st, "q", base.Add(time.Duration(i)*time.Millisecond)).ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Start(ctx)

	require.Equal(t, int32(backlog), processed.Load(), "backlog should drain within one poll interval")
	for _, id := range ids {
		assert.Equal(t, jobs.StatusCompleted, getJob(t, st, id).Status)
	}
}

// slowEmptyStore takes claimDelay to report an empty queue.
type slowEmptyStore struct {
	recordingStore
	claimDelay time.Duration
}

func (s *slowEmptyStore) FindEligibleAndClaim(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	job, err := s.recordingStore.FindEligibleAndClaim(ctx, req)
	time.Sleep(s.claimDelay)
	return job, err
}

func TestPool_IdleWaitSubtractsClaimTime(t *testing.T) {
	const (
		interval   = 100 * time.Millisecond
		claimDelay = 60 * time.Millisecond
	)
	st := &slowEmptyStore{recordingStore: recordingStore{Store: memstore.New()}, claimDelay: claimDelay}
	p, err := backoff.New(2, time.Second, 0)
	require.NoError(t, err)
	pool := worker.New(st, worker.Config{
		PollInterval:  interval,
		LeaseDuration: time.Minute,
		Backoff:       p,
	})
	pool.Register("q", func(context.Context, json.RawMessage) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()
	pool.Start(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	// Adding the claim time on top of the interval would allow only three polls.
	require.GreaterOrEqual(t, len(st.calls), 4)
	for i := 1; i < len(st.calls); i++ {
		gap := st.calls[i].Sub(st.calls[i-1])
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond, "gap %d = %s", i, gap)
		assert.Less(t, gap, interval+claimDelay-20*time.Millisecond, "gap %d = %s includes claim time", i, gap)
	}
}

func TestPool_ShutdownLetsInFlightJobFinish(t *testing.T) {
	st := memstore.New()
	pool := newPool(t, st, nil, "w1")

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	pool.Register("q", func(ctx context.Context, _ json.RawMessage) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	})
	first := insertJob(t, st, "q", time.Now())
	second := insertJob(t, st, "q", time.Now().Add(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Start returned while a job was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the in-flight job finished")
	}

	assert.NoError(t, handlerCtxErr, "shutdown must not cancel the running handler")
	assert.Equal(t, jobs.StatusCompleted, getJob(t, st, first.ID).Status)
	assert.Equal(t, jobs.StatusPending, getJob(t, st, second.ID).Status, "no new claims after shutdown")
}
