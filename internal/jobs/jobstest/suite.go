// ABOUTME: Contract test suite every jobs.Store implementation must pass.
// ABOUTME: Run it from each backend's tests with a constructor for a fresh, empty store.
package jobstest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/jobs"
)

// NewStoreFunc returns an empty store for one subtest.
type NewStoreFunc func(t *testing.T) jobs.Store

// baseTime is millisecond aligned so every backend round-trips it exactly.
var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const lease = 30 * time.Second

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s jobs.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"PayloadShapesRoundTrip", testPayloadShapes},
		{"InsertDuplicate", testInsertDuplicate},
		{"GetMissing", testGetMissing},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimSkipsFutureJobs", testClaimSkipsFuture},
		{"ClaimOldestFirst", testClaimOldestFirst},
		{"ClaimIsolatesQueues", testClaimIsolatesQueues},
		{"ClaimSkipsLiveLease", testClaimSkipsLiveLease},
		{"ClaimReclaimsExpiredLease", testClaimReclaimsExpired},
		{"ClaimSkipsTerminal", testClaimSkipsTerminal},
		{"ConcurrentClaimsSingleWinner", testConcurrentClaims},
		{"UpdateRequiresLease", testUpdateRequiresLease},
		{"UpdateNeverMovesNextRunAtBack", testUpdateMonotonicNextRun},
		{"ReleaseExpired", testReleaseExpired},
		{"Stats", testStats},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func mustInsert(t *testing.T, s jobs.Store, queue string, runAt time.Time) *jobs.Job {
	t.Helper()
	j := jobs.New(queue, json.RawMessage(`{"n":1}`), runAt)
	require.NoError(t, s.Insert(context.Background(), j))
	return j
}

func claim(t *testing.T, s jobs.Store, queue, worker string, now time.Time) *jobs.Job {
	t.Helper()
	j, err := s.FindEligibleAndClaim(context.Background(), jobs.ClaimRequest{
		Queue: queue, WorkerID: worker, LeaseDuration: lease, Now: now,
	})
	require.NoError(t, err)
	return j
}

func testInsertAndGet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	j := jobs.New("emails", json.RawMessage(`{"to":"a@example.com"}`), baseTime)
	three := 3
	j.MaxRetries = &three
	require.NoError(t, s.Insert(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "emails", got.Queue)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(got.Payload))
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.MaxRetries)
	assert.Equal(t, 3, *got.MaxRetries)
	assert.WithinDuration(t, baseTime, got.NextRunAt, time.Millisecond)
	assert.Empty(t, got.LeaseOwner)
	assert.True(t, got.LeaseExpiresAt.IsZero())
}

func testPayloadShapes(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	for _, payload := range []string{
		`{"command":"echo","args":["a","b"],"env":{"K":"v"},"n":42,"ratio":0.5,"ok":true,"none":null}`,
		`[1,"two",{"three":3}]`,
		`"just a string"`,
		`7`,
	} {
		j := jobs.New("payloads", json.RawMessage(payload), baseTime)
		require.NoError(t, s.Insert(ctx, j), "payload %s", payload)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.JSONEq(t, payload, string(got.Payload))
	}
}

func testInsertDuplicate(t *testing.T, s jobs.Store) {
	j := mustInsert(t, s, "q", baseTime)
	err := s.Insert(context.Background(), j)
	assert.ErrorIs(t, err, jobs.ErrDuplicate)
}

func testGetMissing(t *testing.T, s jobs.Store) {
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testClaimEmpty(t *testing.T, s jobs.Store) {
	assert.Nil(t, claim(t, s, "q", "w1", baseTime))
}

func testClaimSkipsFuture(t *testing.T, s jobs.Store) {
	mustInsert(t, s, "q", baseTime.Add(time.Minute))
	assert.Nil(t, claim(t, s, "q", "w1", baseTime))
	assert.NotNil(t, claim(t, s, "q", "w1", baseTime.Add(time.Minute)))
}

func testClaimOldestFirst(t *testing.T, s jobs.Store) {
	late := mustInsert(t, s, "q", baseTime.Add(-time.Second))
	early := mustInsert(t, s, "q", baseTime.Add(-time.Minute))

	first := claim(t, s, "q", "w1", baseTime)
	require.NotNil(t, first)
	assert.Equal(t, early.ID, first.ID)
	assert.Equal(t, jobs.StatusClaimed, first.Status)
	assert.Equal(t, "w1", first.LeaseOwner)
	assert.WithinDuration(t, baseTime.Add(lease), first.LeaseExpiresAt, time.Millisecond)
	assert.Equal(t, 0, first.Attempts)

	second := claim(t, s, "q", "w1", baseTime)
	require.NotNil(t, second)
	assert.Equal(t, late.ID, second.ID)

	assert.Nil(t, claim(t, s, "q", "w1", baseTime))
}

func testClaimIsolatesQueues(t *testing.T, s jobs.Store) {
	mustInsert(t, s, "a", baseTime)
	assert.Nil(t, claim(t, s, "b", "w1", baseTime))
	assert.NotNil(t, claim(t, s, "a", "w1", baseTime))
}

func testClaimSkipsLiveLease(t *testing.T, s jobs.Store) {
	mustInsert(t, s, "q", baseTime)
	require.NotNil(t, claim(t, s, "q", "w1", baseTime))
	assert.Nil(t, claim(t, s, "q", "w2", baseTime.Add(lease-time.Second)))
}

func testClaimReclaimsExpired(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	j := mustInsert(t, s, "q", baseTime)
	// Give the job some history so the test can observe attempts staying put.
	first := claim(t, s, "q", "w1", baseTime)
	require.NotNil(t, first)
	require.NoError(t, s.Update(ctx, j.ID, jobs.Update{
		Status: jobs.StatusPending, Attempts: 2, NextRunAt: baseTime, Now: baseTime,
	}, jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: first.LeaseToken}))

	held := claim(t, s, "q", "w1", baseTime)
	require.NotNil(t, held)

	later := baseTime.Add(lease)
	reclaimed := claim(t, s, "q", "w2", later)
	require.NotNil(t, reclaimed)
	assert.Equal(t, j.ID, reclaimed.ID)
	assert.Equal(t, "w2", reclaimed.LeaseOwner)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Greater(t, reclaimed.LeaseToken, held.LeaseToken)

	// The original holder's settle is fenced off.
	err := s.Update(ctx, j.ID, jobs.Update{Status: jobs.StatusCompleted, Attempts: 2, Now: later},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: held.LeaseToken})
	assert.ErrorIs(t, err, jobs.ErrConflict)
}

func testClaimSkipsTerminal(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	for _, status := range []jobs.Status{jobs.StatusCompleted, jobs.StatusDead, jobs.StatusFailed} {
		j := jobs.New("q", nil, baseTime.Add(-time.Hour))
		j.Status = status
		require.NoError(t, s.Insert(ctx, j))
	}
	assert.Nil(t, claim(t, s, "q", "w1", baseTime.Add(time.Hour)))
}

func testConcurrentClaims(t *testing.T, s jobs.Store) {
	mustInsert(t, s, "q", baseTime)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			j, err := s.FindEligibleAndClaim(context.Background(), jobs.ClaimRequest{
				Queue: "q", WorkerID: id, LeaseDuration: lease, Now: baseTime,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if j != nil {
				winners = append(winners, id)
			}
		}(uuid.NewString())
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, winners, 1)
}

func testUpdateRequiresLease(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	j := mustInsert(t, s, "q", baseTime)

	// Not claimed yet.
	err := s.Update(ctx, j.ID, jobs.Update{Status: jobs.StatusCompleted, Now: baseTime},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: 0})
	assert.ErrorIs(t, err, jobs.ErrConflict)

	c := claim(t, s, "q", "w1", baseTime)
	require.NotNil(t, c)

	err = s.Update(ctx, j.ID, jobs.Update{Status: jobs.StatusCompleted, Now: baseTime},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w2", LeaseToken: c.LeaseToken})
	assert.ErrorIs(t, err, jobs.ErrConflict)

	err = s.Update(ctx, uuid.New(), jobs.Update{Status: jobs.StatusCompleted, Now: baseTime},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: c.LeaseToken})
	assert.ErrorIs(t, err, jobs.ErrConflict)

	require.NoError(t, s.Update(ctx, j.ID, jobs.Update{Status: jobs.StatusCompleted, Now: baseTime},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: c.LeaseToken}))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Empty(t, got.LeaseOwner)
	assert.True(t, got.LeaseExpiresAt.IsZero())

	// A second settle of the same lease is a conflict: completed is terminal.
	err = s.Update(ctx, j.ID, jobs.Update{Status: jobs.StatusPending, Now: baseTime},
		jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: c.LeaseToken})
	assert.True(t, errors.Is(err, jobs.ErrConflict))
}

func testUpdateMonotonicNextRun(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	j := mustInsert(t, s, "q", baseTime)
	c := claim(t, s, "q", "w1", baseTime.Add(time.Minute))
	require.NotNil(t, c)

	require.NoError(t, s.Update(ctx, j.ID, jobs.Update{
		Status: jobs.StatusPending, Attempts: 1, NextRunAt: baseTime.Add(-time.Hour),
		LastError: "boom", Now: baseTime.Add(time.Minute),
	}, jobs.Expect{Status: jobs.StatusClaimed, LeaseOwner: "w1", LeaseToken: c.LeaseToken}))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, baseTime, got.NextRunAt, time.Millisecond)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
}

func testReleaseExpired(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	expired := mustInsert(t, s, "q", baseTime)
	require.NotNil(t, claim(t, s, "q", "w1", baseTime))
	live := mustInsert(t, s, "q", baseTime.Add(lease/2))
	require.NotNil(t, claim(t, s, "q", "w1", baseTime.Add(lease/2)))

	n, err := s.ReleaseExpired(ctx, baseTime.Add(lease))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LeaseOwner)
	assert.WithinDuration(t, baseTime.Add(lease), got.NextRunAt, time.Millisecond)

	got, err = s.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusClaimed, got.Status)
}

func testStats(t *testing.T, s jobs.Store) {
	mustInsert(t, s, "q", baseTime)
	mustInsert(t, s, "q", baseTime)
	require.NotNil(t, claim(t, s, "q", "w1", baseTime))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[jobs.StatusPending])
	assert.Equal(t, 1, stats[jobs.StatusClaimed])
	assert.Equal(t, 0, stats[jobs.StatusDead])
}
