package openai

import (
	"context"
	"sync"
	"time"
)

// A token bucket limiter. The bucket starts full and refills continuously at
// rate tokens per window.
type rateLimiter struct {
	mu     sync.Mutex // protects tokens and last
	tokens float64
	last   time.Time

	capacity float64
	interval time.Duration // time to accrue one token

	now func() time.Time
}

// newRateLimiter returns a limiter allowing rate units of work per window,
// e.g. newRateLimiter(20, time.Minute).
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		tokens:   float64(rate),
		last:     time.Now(),
		capacity: float64(rate),
		interval: window / time.Duration(rate),
		now:      time.Now,
	}
}

// Acquire blocks until a token is available or ctx is done, in which case it
// returns ctx.Err().
func (rl *rateLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a token and reports true, or reports how long until the next
// token accrues.
func (rl *rateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.last)
	rl.last = now

	rl.tokens += float64(elapsed) / float64(rl.interval)
	rl.tokens = min(rl.tokens, rl.capacity)
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}

	wait := time.Duration((1 - rl.tokens) * float64(rl.interval))
	return max(wait, time.Millisecond), false
}
