package llm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket admission gate with multiplicative jitter on
// the wait path. Parameters are fixed at construction.
type RateLimiter struct {
	lim          *rate.Limiter
	refillPerSec float64
	jitterFactor float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRateLimiter creates a limiter holding at most maxTokens, refilled at
// refillPerSec tokens per second. jitterFactor j spreads waits uniformly over
// [1-j, 1+j] so concurrent callers sharing a ceiling don't wake together.
func NewRateLimiter(maxTokens int, refillPerSec, jitterFactor float64) *RateLimiter {
	return &RateLimiter{
		lim:          rate.NewLimiter(rate.Limit(refillPerSec), maxTokens),
		refillPerSec: refillPerSec,
		jitterFactor: jitterFactor,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until one token is available or ctx is cancelled.
// Fast path consumes a token immediately; otherwise the caller sleeps a
// jittered estimate of the refill time and re-enters once.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.lim.Allow() {
		return nil
	}

	wait := l.jittered(l.estimateWait())
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if l.lim.Allow() {
		return nil
	}
	// Jitter undershot the refill. Let the bucket arbitrate the remainder.
	return l.lim.Wait(ctx)
}

// Available reports the number of whole tokens currently in the bucket.
func (l *RateLimiter) Available() int {
	t := l.lim.Tokens()
	if t < 0 {
		return 0
	}
	return int(t)
}

func (l *RateLimiter) estimateWait() time.Duration {
	missing := 1 - l.lim.Tokens()
	if missing < 0 {
		missing = 0
	}
	return time.Duration(missing / l.refillPerSec * float64(time.Second))
}

func (l *RateLimiter) jittered(d time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	factor := 1 - l.jitterFactor + 2*l.jitterFactor*l.rng.Float64()
	return time.Duration(float64(d) * factor)
}
