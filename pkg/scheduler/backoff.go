package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait after consecutive failures.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the fraction of the delay added or subtracted at random.
	Jitter float64
}

// DefaultBackoff starts at 5s and doubles up to 5 minutes.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 5 * time.Second, Max: 5 * time.Minute, Jitter: 0.1}
}

// Delay returns the wait before the next run: nominal after a success
// (failures == 0), otherwise min(Initial*2^(failures-1), Max). It is a pure
// function of its arguments.
func (b Backoff) Delay(nominal time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return nominal
	}
	initial, ceiling := b.bounds()
	d := float64(initial) * math.Pow(2, float64(failures-1))
	if d > float64(ceiling) || math.IsInf(d, 0) {
		return ceiling
	}
	return time.Duration(d)
}

// Jittered spreads d by ±Jitter using r in [0, 1), clamped to [0, Max].
func (b Backoff) Jittered(d time.Duration, r float64) time.Duration {
	_, ceiling := b.bounds()
	frac := b.Jitter
	if frac <= 0 {
		return min(d, ceiling)
	}
	if frac > 0.5 {
		frac = 0.5
	}
	span := float64(d) * frac
	out := time.Duration(float64(d) - span + 2*span*r)
	if out < 0 {
		out = 0
	}
	return min(out, ceiling)
}

// next is Delay with random jitter applied to failure delays.
func (b Backoff) next(nominal time.Duration, failures int) time.Duration {
	d := b.Delay(nominal, failures)
	if failures == 0 {
		return d
	}
	return b.Jittered(d, rand.Float64())
}

func (b Backoff) bounds() (time.Duration, time.Duration) {
	initial, ceiling := b.Initial, b.Max
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if ceiling < initial {
		ceiling = initial
	}
	return initial, ceiling
}
