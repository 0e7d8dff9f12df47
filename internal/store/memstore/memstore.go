// Package memstore is an in-memory jobs.Store. It honours the same
// conditional-write contract as the database stores and backs unit tests
// and local dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobrunner/internal/jobs"
)

// Store is a mutex-guarded map of jobs. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobs.Job
}

var _ jobs.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[uuid.UUID]*jobs.Job)}
}

// FindEligibleAndClaim claims the eligible job with the oldest NextRunAt.
func (s *Store) FindEligibleAndClaim(_ context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*jobs.Job
	for _, j := range s.jobs {
		if j.Queue == req.Queue && j.Eligible(req.Now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if !ja.NextRunAt.Equal(jb.NextRunAt) {
			return ja.NextRunAt.Before(jb.NextRunAt)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})

	j := candidates[0]
	j.Status = jobs.StatusClaimed
	j.LeaseOwner = req.WorkerID
	j.LeaseExpiresAt = req.LeaseExpiry()
	j.LeaseToken++
	j.UpdatedAt = req.Now
	return j.Clone(), nil
}

// Update applies u when the stored job matches expect.
func (s *Store) Update(_ context.Context, id uuid.UUID, u jobs.Update, expect jobs.Expect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != expect.Status || j.LeaseOwner != expect.LeaseOwner || j.LeaseToken != expect.LeaseToken {
		return jobs.ErrConflict
	}
	j.Status = u.Status
	j.Attempts = u.Attempts
	if u.NextRunAt.After(j.NextRunAt) {
		j.NextRunAt = u.NextRunAt
	}
	if u.LastError != "" {
		j.LastError = u.LastError
	}
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = u.Now
	return nil
}

// Insert fills job defaults and stores a copy of it.
func (s *Store) Insert(_ context.Context, job *jobs.Job) error {
	job.Normalize(time.Now())
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return jobs.ErrDuplicate
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job with id.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j.Clone(), nil
}

// ReleaseExpired returns expired claimed jobs to pending.
func (s *Store) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status != jobs.StatusClaimed || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = jobs.StatusPending
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
		if now.After(j.NextRunAt) {
			j.NextRunAt = now
		}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// Stats counts jobs per status.
func (s *Store) Stats(_ context.Context) (map[jobs.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[jobs.Status]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
