// Package jobs defines the persisted job model and the Store contract that
// every backend (PostgreSQL, MongoDB, in-memory) implements.
//
// Every mutation a Store performs is conditioned on previously observed state.
// Workers in different processes coordinate only through these conditional
// writes; nothing in this package holds in-process locks on behalf of callers.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is the queue used when a job does not name one.
const DefaultQueue = "default"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	// StatusFailed is part of the persisted enum but is never written by the
	// worker. A failed job is not eligible for claim.
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusClaimed, StatusCompleted, StatusFailed, StatusDead}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Job is one unit of work.
type Job struct {
	ID      uuid.UUID
	Queue   string
	Payload json.RawMessage
	Status  Status

	// Attempts counts executions that ended in a recoverable failure.
	Attempts int
	// MaxRetries is nil when the job defers to the worker's configured default.
	MaxRetries *int
	NextRunAt  time.Time

	// LeaseOwner and LeaseExpiresAt are zero unless Status is claimed.
	LeaseOwner     string
	LeaseExpiresAt time.Time
	// LeaseToken increments on every claim and fences settle writes.
	LeaseToken int64

	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns a pending job on queue, eligible at now.
func New(queue string, payload json.RawMessage, now time.Time) *Job {
	if queue == "" {
		queue = DefaultQueue
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &Job{
		ID:        uuid.New(),
		Queue:     queue,
		Payload:   payload,
		Status:    StatusPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MaxRetriesOr returns the job's own retry ceiling, or def when unset.
func (j *Job) MaxRetriesOr(def int) int {
	if j.MaxRetries != nil {
		return *j.MaxRetries
	}
	return def
}

// Normalize fills zero-valued fields with their defaults: a new id, the
// default queue, pending status, an empty JSON object payload, and now for the
// schedule and bookkeeping timestamps. Stores call it on Insert.
func (j *Job) Normalize(now time.Time) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
}

// Validate checks the fields a Store requires before insert.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return errors.New("job id is required")
	}
	if j.Queue == "" {
		return errors.New("job queue is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status %q", j.Status)
	}
	if j.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 0, got %d", j.Attempts)
	}
	if j.MaxRetries != nil && *j.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", *j.MaxRetries)
	}
	if j.NextRunAt.IsZero() {
		return errors.New("next run time is required")
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return errors.New("payload is not valid JSON")
	}
	return nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.MaxRetries != nil {
		n := *j.MaxRetries
		c.MaxRetries = &n
	}
	return &c
}

// Eligible reports whether j may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !j.NextRunAt.After(now)
	case StatusClaimed:
		return !j.LeaseExpiresAt.IsZero() && !j.LeaseExpiresAt.After(now)
	}
	return false
}
