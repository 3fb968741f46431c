package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/haasonsaas/steward/pkg/orchestrator"
	"github.com/rs/zerolog/log"
)

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		sleep:      sleepContext,
	}
}

// do calls fn until it succeeds, returns a non-retryable error, exhausts
// maxRetries or ctx ends.
func (r *retrier) do(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying operation")
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isRetryableEnroll retries only when the platform could not be reached; a
// rejected token will not get better.
func isRetryableEnroll(err error) bool {
	return err != nil && orchestrator.IsUnreachable(err)
}
