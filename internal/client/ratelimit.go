package client

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/logger"
)

// Default tuning for RateLimiter, adapted from the teacher's
// internal/util.RateLimiter token bucket.
const (
	DefaultRate          = 500 * time.Millisecond
	DefaultBurst         = 5
	DefaultMaxBackoff    = 10 * time.Minute
	DefaultBackoffFactor = 4.0
	DefaultJitterFactor  = 0.3
)

// RateLimiter is a token bucket with dynamic backoff on demand, used by
// every C3 adapter to pace calls against its external service and to widen
// its own spacing after a transient failure without needing a circuit
// breaker.
type RateLimiter struct {
	mu            sync.Mutex
	last          time.Time
	rate          time.Duration
	minRate       time.Duration
	maxRate       time.Duration
	tokens        int
	maxTokens     int
	backoffUntil  time.Time
	backoffFactor float64
	jitterFactor  float64
	logger        *logger.Logger
}

// NewRateLimiter returns a limiter allowing burst immediate calls, then
// pacing subsequent ones at rate.
func NewRateLimiter(rate time.Duration, burst int, log *logger.Logger) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		last:          time.Now(),
		rate:          rate,
		minRate:       rate,
		maxRate:       DefaultMaxBackoff,
		tokens:        burst,
		maxTokens:     burst,
		backoffFactor: DefaultBackoffFactor,
		jitterFactor:  DefaultJitterFactor,
		logger:        log,
	}
}

// Wait blocks until a token is available, a backoff period elapses, or ctx
// is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	if remaining := r.backoffRemaining(); remaining > 0 {
		r.mu.Unlock()
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	now := time.Now()
	if delta := now.Sub(r.last); delta > 0 {
		if gained := int(delta / r.rate); gained > 0 {
			r.tokens += gained
			if r.tokens > r.maxTokens {
				r.tokens = r.maxTokens
			}
			r.last = now
		}
	}

	if r.tokens > 0 {
		r.tokens--
		return nil
	}

	wait := r.rate + r.jitter()
	r.mu.Unlock()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.mu.Lock()
		return ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		r.last = time.Now()
		return nil
	}
}

// OnTransientFailure widens the spacing between calls exponentially, with
// jitter, and reports the new backoff window. Call after a Transient-kind
// error so repeated failures don't hammer a degraded service.
func (r *RateLimiter) OnTransientFailure() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	backoff := time.Duration(float64(r.rate) * r.backoffFactor)
	backoff += r.jitter()
	if backoff < r.minRate {
		backoff = r.minRate
	}
	if backoff > r.maxRate {
		backoff = r.maxRate
	}

	r.rate = backoff
	r.tokens = 0
	r.backoffUntil = time.Now().Add(backoff)

	if r.logger != nil {
		r.logger.Warn("rate limiter backing off after transient failure", map[string]interface{}{
			"new_rate": r.rate.String(),
		})
	}

	return backoff
}

// Reset restores the limiter to its configured base rate, e.g. after a
// successful call following a backoff period.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = r.minRate
	r.backoffUntil = time.Time{}
}

func (r *RateLimiter) backoffRemaining() time.Duration {
	if r.backoffUntil.IsZero() {
		return 0
	}
	remaining := time.Until(r.backoffUntil)
	if remaining <= 0 {
		r.backoffUntil = time.Time{}
		return 0
	}
	return remaining
}

func (r *RateLimiter) jitter() time.Duration {
	return time.Duration((rand.Float64()*2 - 1) * float64(r.rate) * r.jitterFactor)
}
