package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rachhen/khqr-webhook/internal/metrics"
)

// Limiter wraps a token-bucket rate limiter for outbound Bakong API calls.
// The Bakong rail enforces strict per-client quotas; the limiter keeps a
// burst of poll workers from tripping them.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a rate limiter that allows rps requests per second
// with a burst capacity of burst tokens.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the limiter allows one event, or ctx is done.
// Uses Reserve() to guarantee exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.BakongRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
