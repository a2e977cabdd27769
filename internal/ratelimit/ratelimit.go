// Package ratelimit wraps a token bucket around exchange REST calls so a
// burst of bot workers cannot trip the exchange's own limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with a forced-drain hook for when the exchange
// itself reports rate_limited: the bucket is emptied so every other caller
// queues behind the cooldown instead of hammering the exchange again.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// New creates a Limiter refilling at refillPerSec tokens/second with the
// given burst capacity.
func New(refillPerSec float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(refillPerSec), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()
	return limiter.Wait(ctx)
}

// Reconfigure replaces the limiter's rate and burst. The daemon reads its
// configuration once at startup and does not call this at runtime.
func (l *Limiter) Reconfigure(refillPerSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(refillPerSec), burst)
}

// Drain consumes every whole token left in the bucket so subsequent callers
// must wait for a refill. Called when the exchange itself reports
// rate_limited, since that means our configured rate is already too
// optimistic.
func (l *Limiter) Drain() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := time.Now()
	if n := int(l.limiter.TokensAt(now)); n > 0 {
		l.limiter.AllowN(now, n)
	}
}
