package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_BackoffSchedule(t *testing.T) {
	p := DefaultPolicy()

	var delays []time.Duration
	for attempts := 0; attempts < 4; attempts++ {
		d := p.Next(attempts, errors.New("network down"))
		assert.False(t, d.DeadLetter)
		assert.Equal(t, attempts+1, d.Attempts)
		delays = append(delays, d.Delay)
	}

	assert.Equal(t, []time.Duration{
		time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second,
	}, delays)
}

func TestPolicy_DeadLettersAtMaxRetries(t *testing.T) {
	p := DefaultPolicy()

	d := p.Next(4, errors.New("still down"))
	assert.True(t, d.DeadLetter)
	assert.Equal(t, 5, d.Attempts)
}

func TestPolicy_DelayCapsAtLastEntry(t *testing.T) {
	p := Policy{MaxRetries: 10}

	assert.Equal(t, 60*time.Second, p.Delay(5))
	assert.Equal(t, 60*time.Second, p.Delay(9))
	assert.Equal(t, time.Second, p.Delay(0))

	d := p.Next(6, errors.New("x"))
	assert.False(t, d.DeadLetter)
	assert.Equal(t, 60*time.Second, d.Delay)
}

func TestPolicy_PermanentErrorDeadLettersImmediately(t *testing.T) {
	p := DefaultPolicy()

	d := p.Next(0, fmt.Errorf("unknown sync type %q: %w", "photos", ErrPermanent))
	assert.True(t, d.DeadLetter)
	assert.Equal(t, 1, d.Attempts)
}
