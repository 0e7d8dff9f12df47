// Package backoff computes the delay before a failed job becomes eligible again.
//
// The base value is deterministic: unit * base^attempts. Jitter is optional,
// bounded by Policy.Jitter, and only ever added on top of the base value, so a
// jittered delay is never shorter than the deterministic one.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidBase is returned for a base that does not grow the delay.
var ErrInvalidBase = errors.New("backoff base must be >= 2")

// Delay returns unit * base^attempts, clamped to the largest representable
// duration on overflow. attempts < 0 is treated as 0.
func Delay(attempts, base int, unit time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 1 {
		return unit
	}
	d := unit
	for i := 0; i < attempts; i++ {
		if d > time.Duration(math.MaxInt64)/time.Duration(base) {
			return time.Duration(math.MaxInt64)
		}
		d *= time.Duration(base)
	}
	return d
}

// Policy is an exponential backoff configuration.
type Policy struct {
	Base   int
	Unit   time.Duration
	Jitter float64

	rand func() float64
}

// New validates and returns a Policy.
func New(base int, unit time.Duration, jitter float64) (Policy, error) {
	if base <= 1 {
		return Policy{}, fmt.Errorf("%w, got %d", ErrInvalidBase, base)
	}
	if unit <= 0 {
		return Policy{}, fmt.Errorf("backoff unit must be > 0, got %s", unit)
	}
	if jitter < 0 || jitter > 1 || math.IsNaN(jitter) {
		return Policy{}, fmt.Errorf("backoff jitter must be within [0, 1], got %v", jitter)
	}
	return Policy{Base: base, Unit: unit, Jitter: jitter}, nil
}

// WithRand returns a copy of p that draws jitter from fn instead of math/rand.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay is the deterministic delay for attempts.
func (p Policy) Delay(attempts int) time.Duration {
	return Delay(attempts, p.Base, p.Unit)
}

// Next is Delay plus up to Jitter*Delay of random extra wait.
func (p Policy) Next(attempts int) time.Duration {
	d := p.Delay(attempts)
	if p.Jitter == 0 {
		return d
	}
	r := p.rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // G404: backoff jitter is not security sensitive
	}
	extra := time.Duration(float64(d) * p.Jitter * r())
	if d > time.Duration(math.MaxInt64)-extra {
		return time.Duration(math.MaxInt64)
	}
	return d + extra
}
