// Package breaker implements the circuit breaker that halts queue activity
// while local persistence keeps failing.
//
// The breaker is driven by local-persistence results only. Remote sync
// failures are handled by the retry scheduler and never open the circuit.
package breaker

import (
	"sync"
	"time"

	"github.com/c.mueller/offline-sync/internal/models"
)

// Defaults
const (
	DefaultThreshold = 3
	DefaultCooldown  = 2 * time.Minute
)

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state             models.BreakerState
	consecutiveErrors int
	openedAt          *time.Time
}

// New creates a closed breaker. Non-positive arguments select the defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     models.BreakerClosed,
	}
}

// Allow reports whether queue activity may proceed at now. An open breaker
// whose cooldown has elapsed moves to half-open and lets one trial cycle
// through.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != models.BreakerOpen {
		return true
	}
	if now.Sub(*b.openedAt) < b.cooldown {
		return false
	}

	b.state = models.BreakerHalfOpen
	b.consecutiveErrors = 0
	b.openedAt = nil
	return true
}

// RecordSuccess notes a successful persistence attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors = 0
	if b.state == models.BreakerHalfOpen {
		b.state = models.BreakerClosed
	}
}

// RecordFailure notes a failed persistence attempt and reports whether this
// failure opened the circuit.
func (b *Breaker) RecordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerOpen:
		return false
	case models.BreakerHalfOpen:
		// The trial cycle failed: re-open with a fresh cooldown.
		b.consecutiveErrors++
		b.open(now)
		return true
	}

	b.consecutiveErrors++
	if b.consecutiveErrors >= b.threshold {
		b.open(now)
		return true
	}
	return false
}

// Reset unconditionally closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = models.BreakerClosed
	b.consecutiveErrors = 0
	b.openedAt = nil
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := models.BreakerSnapshot{
		State:             b.state,
		ConsecutiveErrors: b.consecutiveErrors,
	}
	if b.openedAt != nil {
		t := *b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Cooldown returns the configured cooldown.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

func (b *Breaker) open(now time.Time) {
	b.state = models.BreakerOpen
	b.openedAt = &now
}
