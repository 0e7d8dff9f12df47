package backoff_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/scarson/jobrunner/internal/backoff"
)

func TestDelay_PowersOfBase(t *testing.T) {
	tests := []struct {
		attempts int
		base     int
		want     time.Duration
	}{
		{0, 2, time.Second},
		{1, 2, 2 * time.Second},
		{3, 2, 8 * time.Second},
		{2, 3, 9 * time.Second},
		{-1, 2, time.Second},
	}
	for _, tc := range tests {
		got := backoff.Delay(tc.attempts, tc.base, time.Second)
		if got != tc.want {
			t.Errorf("Delay(%d, %d) = %s, want %s", tc.attempts, tc.base, got, tc.want)
		}
	}
}

func TestDelay_StrictlyIncreasing(t *testing.T) {
	for base := 2; base <= 5; base++ {
		prev := backoff.Delay(0, base, time.Millisecond)
		for attempts := 1; attempts <= 12; attempts++ {
			d := backoff.Delay(attempts, base, time.Millisecond)
			if d <= prev {
				t.Fatalf("base %d: Delay(%d) = %s not greater than Delay(%d) = %s",
					base, attempts, d, attempts-1, prev)
			}
			prev = d
		}
	}
}

func TestDelay_ClampsOnOverflow(t *testing.T) {
	if got := backoff.Delay(200, 2, time.Second); got != time.Duration(math.MaxInt64) {
		t.Errorf("Delay(200, 2) = %d, want MaxInt64", got)
	}
}

func TestNew_RejectsNonGrowingBase(t *testing.T) {
	for _, base := range []int{-2, 0, 1} {
		_, err := backoff.New(base, time.Second, 0)
		if !errors.Is(err, backoff.ErrInvalidBase) {
			t.Errorf("New(base=%d) err = %v, want ErrInvalidBase", base, err)
		}
	}
}

func TestNew_RejectsBadUnitAndJitter(t *testing.T) {
	tests := []struct {
		name   string
		unit   time.Duration
		jitter float64
	}{
		{"zero unit", 0, 0},
		{"jitter above one", time.Second, 1.5},
		{"negative jitter", time.Second, -0.1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := backoff.New(2, tc.unit, tc.jitter); err == nil {
				t.Errorf("New(2, %s, %v) succeeded, want error", tc.unit, tc.jitter)
			}
		})
	}
}

func TestPolicy_NextWithoutJitterIsDeterministic(t *testing.T) {
	p, err := backoff.New(2, time.Second, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for attempts := 0; attempts < 6; attempts++ {
		if got, want := p.Next(attempts), p.Delay(attempts); got != want {
			t.Errorf("Next(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestPolicy_JitterIsBounded(t *testing.T) {
	p, err := backoff.New(2, time.Second, 0.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	low := p.WithRand(func() float64 { return 0 })
	high := p.WithRand(func() float64 { return 0.999 })

	if got := low.Next(2); got != 4*time.Second {
		t.Errorf("low.Next(2) = %s, want 4s", got)
	}
	if got := high.Next(2); got < 4*time.Second || got >= 6*time.Second {
		t.Errorf("high.Next(2) = %s, want within [4s, 6s)", got)
	}
}
