package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors the pool updates.
type Metrics struct {
	Claimed   *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	Dead      *prometheus.CounterVec
	Conflicts *prometheus.CounterVec
	StoreErrs *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics creates the pool collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobrunner",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
	}
	m := &Metrics{
		Claimed:   counter("jobs_claimed_total", "Jobs claimed by this worker."),
		Completed: counter("jobs_completed_total", "Jobs that finished successfully."),
		Retried:   counter("jobs_retried_total", "Failed jobs rescheduled with backoff."),
		Dead:      counter("jobs_dead_total", "Jobs moved to dead status."),
		Conflicts: counter("claim_conflicts_total", "Settle writes that lost the lease race."),
		StoreErrs: counter("store_errors_total", "Store errors during claim, settle, or sweep."),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobrunner",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.Claimed, m.Completed, m.Retried, m.Dead, m.Conflicts, m.StoreErrs, m.Duration)
	}
	return m
}
