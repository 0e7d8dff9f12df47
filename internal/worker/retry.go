package worker

import (
	"time"

	"github.com/scarson/jobrunner/internal/backoff"
	"github.com/scarson/jobrunner/internal/jobs"
)

// Transition is the settled state of a claimed job after one execution.
type Transition struct {
	Status    jobs.Status
	Attempts  int
	NextRunAt time.Time // zero unless rescheduled
	Delay     time.Duration
	LastError string
}

// Decide maps an execution outcome to the job's next state.
//
// maxRetries counts retries after the first run, so a job with maxRetries=3
// runs at most four times and dies with attempts=3. A Permanent error kills
// the job regardless of the remaining budget. Attempts never exceeds the
// ceiling and NextRunAt never moves backwards.
func Decide(job *jobs.Job, runErr error, now time.Time, policy backoff.Policy, defaultMaxRetries int) Transition {
	if runErr == nil {
		return Transition{Status: jobs.StatusCompleted, Attempts: job.Attempts}
	}

	tr := Transition{Attempts: job.Attempts, LastError: runErr.Error()}
	if IsPermanent(runErr) || job.Attempts >= job.MaxRetriesOr(defaultMaxRetries) {
		tr.Status = jobs.StatusDead
		return tr
	}

	tr.Status = jobs.StatusPending
	tr.Attempts = job.Attempts + 1
	tr.Delay = policy.Next(tr.Attempts)
	tr.NextRunAt = addClamped(now, tr.Delay)
	if tr.NextRunAt.Before(job.NextRunAt) {
		tr.NextRunAt = job.NextRunAt
	}
	return tr
}

// maxTime is far enough out to mean "never" without overflowing time.Time math.
var maxTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func addClamped(t time.Time, d time.Duration) time.Time {
	if maxTime.Sub(t) <= d {
		return maxTime
	}
	return t.Add(d)
}

func (tr Transition) update(now time.Time) jobs.Update {
	return jobs.Update{
		Status:    tr.Status,
		Attempts:  tr.Attempts,
		NextRunAt: tr.NextRunAt,
		LastError: tr.LastError,
		Now:       now,
	}
}
