// ABOUTME: Store methods for the jobs table: atomic claim, fenced settle, insert, sweep.
// ABOUTME: Every write is conditioned on the previously observed status; none overwrite blindly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scarson/jobrunner/internal/jobs"
)

const jobColumns = `id, queue, payload, status, attempts, max_retries, next_run_at,
	lease_owner, lease_expires_at, lease_token, last_error, created_at, updated_at`

// claimJobSQL claims the oldest eligible job on a queue. SKIP LOCKED lets
// concurrent workers pass over a row another transaction is claiming rather
// than block on it or claim it twice.
const claimJobSQL = `
UPDATE jobs SET
    status           = 'claimed',
    lease_owner      = $2,
    lease_expires_at = $4,
    lease_token      = lease_token + 1,
    updated_at       = $3
WHERE id = (
    SELECT id FROM jobs
    WHERE queue = $1
      AND ((status = 'pending' AND next_run_at <= $3)
        OR (status = 'claimed' AND lease_expires_at <= $3))
    ORDER BY next_run_at, created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

// settleJobSQL applies a settle transition only while the caller still holds
// the lease it claimed. next_run_at only ever moves forward.
const settleJobSQL = `
UPDATE jobs SET
    status           = $2,
    attempts         = $3,
    next_run_at      = GREATEST(next_run_at, COALESCE($4::timestamptz, next_run_at)),
    last_error       = COALESCE(NULLIF($5::text, ''), last_error),
    lease_owner      = NULL,
    lease_expires_at = NULL,
    updated_at       = $6
WHERE id = $1
  AND status = $7
  AND lease_owner = $8
  AND lease_token = $9`

const insertJobSQL = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const releaseExpiredSQL = `
UPDATE jobs SET
    status           = 'pending',
    lease_owner      = NULL,
    lease_expires_at = NULL,
    next_run_at      = GREATEST(next_run_at, $1),
    updated_at       = $1
WHERE status = 'claimed'
  AND lease_expires_at <= $1`

// FindEligibleAndClaim atomically claims one eligible job. Returns (nil, nil)
// when no job is currently eligible.
func (s *Store) FindEligibleAndClaim(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, claimJobSQL, req.Queue, req.WorkerID, req.Now, req.LeaseExpiry())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("claim job", err)
	}
	return job, nil
}

// Update settles a claimed job. Returns jobs.ErrConflict when the stored row
// no longer matches expect.
func (s *Store) Update(ctx context.Context, id uuid.UUID, u jobs.Update, expect jobs.Expect) error {
	var nextRunAt *time.Time
	if !u.NextRunAt.IsZero() {
		nextRunAt = &u.NextRunAt
	}
	tag, err := s.pool.Exec(ctx, settleJobSQL,
		id,
		string(u.Status),
		u.Attempts,
		nextRunAt,
		u.LastError,
		u.Now,
		string(expect.Status),
		expect.LeaseOwner,
		expect.LeaseToken,
	)
	if err != nil {
		return classify(fmt.Sprintf("update job %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrConflict
	}
	return nil
}

// Insert fills job defaults and inserts it.
func (s *Store) Insert(ctx context.Context, job *jobs.Job) error {
	job.Normalize(time.Now())
	if err := job.Validate(); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	_, err := s.pool.Exec(ctx, insertJobSQL,
		job.ID,
		job.Queue,
		job.Payload,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.NextRunAt,
		nullString(job.LeaseOwner),
		nullTime(job.LeaseExpiresAt),
		job.LeaseToken,
		nullString(job.LastError),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return jobs.ErrDuplicate
		}
		return classify("insert job", err)
	}
	return nil
}

// Get returns the job with id, or jobs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, classify(fmt.Sprintf("get job %s", id), err)
	}
	return job, nil
}

// ReleaseExpired resets claimed jobs whose lease expired at or before now back
// to pending. Returns the number of jobs released.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, releaseExpiredSQL, now)
	if err != nil {
		return 0, classify("release expired jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns job counts per status.
func (s *Store) Stats(ctx context.Context) (map[jobs.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, classify("job stats", err)
	}
	defer rows.Close()

	out := make(map[jobs.Status]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		out[jobs.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("job stats", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j            jobs.Job
		status       string
		attempts     int32
		maxRetries   *int32
		leaseOwner   *string
		leaseExpires *time.Time
		lastError    *string
	)
	if err := row.Scan(
		&j.ID,
		&j.Queue,
		&j.Payload,
		&status,
		&attempts,
		&maxRetries,
		&j.NextRunAt,
		&leaseOwner,
		&leaseExpires,
		&j.LeaseToken,
		&lastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)
	j.Attempts = int(attempts)
	if maxRetries != nil {
		n := int(*maxRetries)
		j.MaxRetries = &n
	}
	if leaseOwner != nil {
		j.LeaseOwner = *leaseOwner
	}
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
