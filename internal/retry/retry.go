// Package retry decides what happens to a queue item after a failed remote
// execution: reschedule with exponential backoff, or dead-letter.
package retry

import (
	"errors"
	"time"
)

// DefaultMaxRetries is the number of failed attempts after which an item is
// dead-lettered.
const DefaultMaxRetries = 5

// DefaultBackoff is the delay before the n-th retry, capped at the last entry.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// ErrPermanent marks errors that can never succeed on retry. Wrap it (or an
// error that wraps it) to have the item dead-lettered on first failure.
var ErrPermanent = errors.New("permanent failure")

// Policy is the retry schedule.
type Policy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultPolicy returns the standard schedule.
func DefaultPolicy() Policy {
	backoff := make([]time.Duration, len(DefaultBackoff))
	copy(backoff, DefaultBackoff)
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: backoff}
}

// Decision is the outcome for one failed item.
type Decision struct {
	// Attempts is the incremented attempt counter.
	Attempts int
	// DeadLetter is set when the item must be removed and reported failed.
	DeadLetter bool
	// Delay is the wait before the next attempt when not dead-lettered.
	Delay time.Duration
}

// Next computes the decision for an item that had attempts failed attempts
// before the failure described by err.
func (p Policy) Next(attempts int, err error) Decision {
	p = p.withDefaults()

	d := Decision{Attempts: attempts + 1}
	if d.Attempts >= p.MaxRetries || errors.Is(err, ErrPermanent) {
		d.DeadLetter = true
		return d
	}

	d.Delay = p.Delay(d.Attempts)
	return d
}

// Delay returns the backoff after the given number of failed attempts.
func (p Policy) Delay(attempts int) time.Duration {
	p = p.withDefaults()

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.Backoff)-1 {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if len(p.Backoff) == 0 {
		p.Backoff = DefaultBackoff
	}
	return p
}
