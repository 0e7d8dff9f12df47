// ABOUTME: Integration tests for the Postgres job store against a real testcontainer.
// ABOUTME: Runs the shared jobs.Store contract suite plus Postgres-specific checks.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/jobs"
	"github.com/scarson/jobrunner/internal/jobs/jobstest"
	"github.com/scarson/jobrunner/internal/testutil"
)

func TestStoreContract(t *testing.T) {
	db := testutil.NewTestDB(t)
	jobstest.Run(t, func(t *testing.T) jobs.Store {
		db.Truncate(t)
		return db.Store
	})
}

func TestInsert_FillsDefaults(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	j := &jobs.Job{}
	require.NoError(t, db.Insert(ctx, j))

	got, err := db.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.DefaultQueue, got.Queue)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.JSONEq(t, `{}`, string(got.Payload))
	assert.Nil(t, got.MaxRetries)
	assert.WithinDuration(t, time.Now(), got.NextRunAt, time.Minute)
}

func TestPing(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, db.Ping(context.Background()))
}

func TestClaim_CancelledContextIsTransient(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := db.FindEligibleAndClaim(ctx, jobs.ClaimRequest{
		Queue: "q", WorkerID: "w1", LeaseDuration: time.Minute, Now: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err), "err = %v, want transient", err)
}
