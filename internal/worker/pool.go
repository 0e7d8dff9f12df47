package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobrunner/internal/backoff"
	"github.com/scarson/jobrunner/internal/jobs"
)

// Config is the immutable tuning for a Pool, built once at process start.
type Config struct {
	WorkerID           string        // generated when empty
	PollInterval       time.Duration // target cadence of each queue loop
	LeaseDuration      time.Duration
	StaleCheckInterval time.Duration // default 1 minute if zero
	DefaultMaxRetries  int
	Backoff            backoff.Policy

	Metrics *Metrics         // unregistered collectors if nil
	Logger  *slog.Logger     // slog.Default() if nil
	Now     func() time.Time // time.Now if nil
}

// Pool runs one polling goroutine per registered queue plus a stale-lease
// sweeper. Workers in separate processes share nothing but the store.
type Pool struct {
	store   jobs.Store
	lease   *Leaser
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Pool backed by st.
func New(st jobs.Store, cfg Config) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	if cfg.StaleCheckInterval == 0 {
		cfg.StaleCheckInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		store:    st,
		lease:    NewLeaser(st, cfg.WorkerID, cfg.LeaseDuration, cfg.Now),
		cfg:      cfg,
		log:      log.With("worker_id", cfg.WorkerID),
		metrics:  cfg.Metrics,
		handlers: make(map[string]Handler),
	}
}

// WorkerID returns the identity this pool claims jobs under.
func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Register associates h with the named queue. Must be called before Start.
func (p *Pool) Register(queue string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
}

// Start launches one polling goroutine per registered queue plus the sweeper,
// then blocks until ctx is cancelled. Cancellation stops new claims at once;
// any in-flight job runs to completion and is settled before Start returns.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup

	for _, q := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			p.runQueue(ctx, queue)
		}(q)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runStaleRecovery(ctx)
	}()

	wg.Wait()
	p.log.Info("worker pool stopped")
}

// runQueue polls queue until ctx is cancelled. After a processed job it polls
// again immediately so a backlog drains back-to-back. After an empty or
// failed claim it waits out the rest of PollInterval.
func (p *Pool) runQueue(ctx context.Context, queue string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	p.log.Info("worker queue started", "queue", queue, "poll_interval", p.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker queue stopping", "queue", queue)
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			p.log.Info("worker queue stopping", "queue", queue)
			return
		}

		start := time.Now()
		if p.RunOnce(ctx, queue) {
			timer.Reset(0)
			continue
		}
		timer.Reset(remaining(p.cfg.PollInterval, time.Since(start)))
	}
}

func remaining(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// RunOnce claims at most one job from queue, executes it, and settles the
// outcome. It reports whether a job was claimed. Errors are logged and
// contained; the loop continues at the next tick.
func (p *Pool) RunOnce(ctx context.Context, queue string) bool {
	job, err := p.lease.Claim(ctx, queue)
	if err != nil {
		p.storeError(queue, "claim", err)
		return false
	}
	if job == nil {
		return false // no job available; normal case
	}
	p.metrics.Claimed.WithLabelValues(queue).Inc()

	p.mu.RLock()
	h := p.handlers[queue]
	p.mu.RUnlock()

	// Shutdown must not interrupt a claimed job or its settle write. The lease
	// expiry still bounds the handler: past it the job belongs to whoever
	// reclaims it and this worker's write would be fenced off anyway.
	runCtx := context.WithoutCancel(ctx)

	var runErr error
	if h == nil {
		runErr = Permanent(fmt.Errorf("no handler registered for queue %q", queue))
	} else {
		p.log.Info("executing job", "queue", queue, "job_id", job.ID, "attempts", job.Attempts)
		execCtx, cancel := context.WithTimeout(runCtx, job.LeaseExpiresAt.Sub(p.cfg.Now()))
		start := time.Now()
		runErr = execute(execCtx, h, job)
		p.metrics.Duration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
		cancel()
	}

	tr := Decide(job, runErr, p.cfg.Now(), p.cfg.Backoff, p.cfg.DefaultMaxRetries)
	ok, err := p.lease.Settle(runCtx, job, tr)
	if err != nil {
		p.storeError(queue, "settle", err)
		return true
	}
	if !ok {
		p.metrics.Conflicts.WithLabelValues(queue).Inc()
		p.log.Debug("lease lost before settle; outcome dropped",
			"queue", queue, "job_id", job.ID, "status", tr.Status)
		return true
	}

	switch tr.Status {
	case jobs.StatusCompleted:
		p.metrics.Completed.WithLabelValues(queue).Inc()
		p.log.Info("job completed", "queue", queue, "job_id", job.ID)
	case jobs.StatusPending:
		p.metrics.Retried.WithLabelValues(queue).Inc()
		p.log.Warn("job failed; rescheduled",
			"queue", queue, "job_id", job.ID, "attempts", tr.Attempts,
			"next_run_at", tr.NextRunAt, "delay", tr.Delay, "error", runErr)
	case jobs.StatusDead:
		p.metrics.Dead.WithLabelValues(queue).Inc()
		p.log.Error("job dead",
			"queue", queue, "job_id", job.ID, "attempts", tr.Attempts,
			"permanent", IsPermanent(runErr), "error", runErr)
	}
	return true
}

// execute runs h and converts a panic into a recoverable failure.
func execute(ctx context.Context, h Handler, job *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}

func (p *Pool) storeError(queue, op string, err error) {
	p.metrics.StoreErrs.WithLabelValues(queue).Inc()
	if jobs.IsTransient(err) {
		p.log.Warn("store unavailable; skipping iteration", "queue", queue, "op", op, "error", err)
		return
	}
	p.log.Error("store error", "queue", queue, "op", op, "error", err)
}

// runStaleRecovery periodically returns jobs with expired leases to pending.
// Claims also pick up expired leases directly; the sweep keeps them visible
// as pending for queues no live worker is polling.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer ticker.Stop()

	p.log.Info("stale recovery started", "check_interval", p.cfg.StaleCheckInterval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stale recovery stopping")
			return
		case <-ticker.C:
			p.SweepExpired(ctx)
		}
	}
}

// SweepExpired runs one stale-lease sweep and returns the number of jobs released.
func (p *Pool) SweepExpired(ctx context.Context) int {
	n, err := p.store.ReleaseExpired(ctx, p.cfg.Now())
	if err != nil {
		p.storeError("", "release_expired", err)
		return 0
	}
	if n > 0 {
		p.log.Info("released expired leases", "count", n)
	}
	return n
}
