package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRequest describes one atomic claim attempt.
type ClaimRequest struct {
	Queue         string
	WorkerID      string
	LeaseDuration time.Duration
	Now           time.Time
}

// LeaseExpiry is the lease deadline a successful claim writes.
func (r ClaimRequest) LeaseExpiry() time.Time {
	return r.Now.Add(r.LeaseDuration)
}

// Update is the set of fields written when a claimed job is settled.
// Settling always clears the lease.
type Update struct {
	Status   Status
	Attempts int
	// NextRunAt is applied with max semantics; a zero value leaves it unchanged.
	NextRunAt time.Time
	LastError string
	Now       time.Time
}

// Expect is the state a conditional Update requires the stored job to be in.
type Expect struct {
	Status     Status
	LeaseOwner string
	LeaseToken int64
}

// Store is the persistent collection of jobs. Every operation is atomic per
// job at the store level.
type Store interface {
	// FindEligibleAndClaim atomically claims the oldest eligible job on
	// req.Queue: pending with NextRunAt <= req.Now, or claimed with an expired
	// lease. Attempts is left unchanged and LeaseToken is incremented.
	// Returns (nil, nil) when nothing is eligible.
	FindEligibleAndClaim(ctx context.Context, req ClaimRequest) (*Job, error)

	// Update writes u to job id only if the stored job matches expect.
	// Returns ErrConflict when it does not.
	Update(ctx context.Context, id uuid.UUID, u Update, expect Expect) error

	// Insert stores a new job. Returns ErrDuplicate if the id already exists.
	Insert(ctx context.Context, job *Job) error

	// Get returns the job with id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// ReleaseExpired returns claimed jobs whose lease expired at or before now
	// to pending without consuming an attempt. Returns the number released.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)

	// Stats returns job counts per status.
	Stats(ctx context.Context) (map[Status]int, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}
