package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scarson/jobrunner/internal/jobs"
)

// Leaser claims jobs for one worker identity under a time-bounded lease and
// settles them with writes fenced by the claim's lease token. At most one
// worker can hold a non-expired lease on a job because both the claim and the
// settle are single conditional writes in the store.
type Leaser struct {
	store         jobs.Store
	workerID      string
	leaseDuration time.Duration
	now           func() time.Time
}

// NewLeaser creates a Leaser. now defaults to time.Now when nil.
func NewLeaser(st jobs.Store, workerID string, leaseDuration time.Duration, now func() time.Time) *Leaser {
	if now == nil {
		now = time.Now
	}
	return &Leaser{
		store:         st,
		workerID:      workerID,
		leaseDuration: leaseDuration,
		now:           now,
	}
}

// WorkerID returns the identity written to lease_owner.
func (l *Leaser) WorkerID() string { return l.workerID }

// Claim takes the oldest eligible job on queue. Returns (nil, nil) when
// nothing is eligible.
func (l *Leaser) Claim(ctx context.Context, queue string) (*jobs.Job, error) {
	job, err := l.store.FindEligibleAndClaim(ctx, jobs.ClaimRequest{
		Queue:         queue,
		WorkerID:      l.workerID,
		LeaseDuration: l.leaseDuration,
		Now:           l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Settle persists tr for a job this worker claimed. It reports false without
// an error when the lease was lost to another worker in the meantime.
func (l *Leaser) Settle(ctx context.Context, job *jobs.Job, tr Transition) (bool, error) {
	err := l.store.Update(ctx, job.ID, tr.update(l.now()), jobs.Expect{
		Status:     jobs.StatusClaimed,
		LeaseOwner: l.workerID,
		LeaseToken: job.LeaseToken,
	})
	if errors.Is(err, jobs.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	return true, nil
}
