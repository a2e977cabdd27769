// Package authguard is a process-wide circuit breaker tripped by
// authentication failures, adapted from the teacher's P&L-drawdown circuit
// breaker (internal/risk/circuit_breaker.go) and re-purposed: instead of
// tripping on consecutive losses, it trips on an apperrors.KindAuth error
// from the exchange and auto-resets after a cooldown once credentials are
// presumed fixed.
package authguard

import (
	"sync"
	"time"

	"botctl/pkg/telemetry"
)

// Guard is a single process-wide auth circuit breaker. One instance is
// shared by the exchange adapter (which trips it) and TradeExecutor (which
// checks it before every submission, per spec.md §7 "Auth error:
// process-wide").
type Guard struct {
	mu       sync.Mutex
	tripped  bool
	trippedAt time.Time
	reason   string
	cooldown time.Duration
}

// New creates a Guard that auto-resets cooldown after a trip. A zero
// cooldown means the guard only clears via an explicit Reset.
func New(cooldown time.Duration) *Guard {
	return &Guard{cooldown: cooldown}
}

// Trip marks the process as auth-degraded. Called by the exchange adapter
// when a REST call classifies as apperrors.KindAuth.
func (g *Guard) Trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = true
	g.trippedAt = time.Now()
	g.reason = reason
	telemetry.GetGlobalMetrics().SetRiskTriggered("auth", true)
}

// Tripped reports whether the process is currently auth-degraded, clearing
// the trip automatically once the cooldown has elapsed.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.tripped {
		return false
	}
	if g.cooldown > 0 && time.Since(g.trippedAt) > g.cooldown {
		g.tripped = false
		g.reason = ""
		telemetry.GetGlobalMetrics().SetRiskTriggered("auth", false)
		return false
	}
	return true
}

// Reset manually clears the trip, e.g. once an operator confirms rotated
// credentials are in place.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = false
	g.reason = ""
	telemetry.GetGlobalMetrics().SetRiskTriggered("auth", false)
}

// Reason returns the reason the guard last tripped for, empty if closed.
func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}
