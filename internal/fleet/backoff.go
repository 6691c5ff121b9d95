package fleet

import (
	"math"
	"time"
)

// Reconnect backoff parameters.
const (
	InitialBackoff = 1000 * time.Millisecond
	BackoffFactor  = 1.2
)

// Backoff is an uncapped multiplicative delay. It is not safe for
// concurrent use.
type Backoff struct {
	initial time.Duration
	factor  float64
	current float64
}

// NewBackoff returns a Backoff starting at initial.
func NewBackoff(initial time.Duration, factor float64) *Backoff {
	return &Backoff{initial: initial, factor: factor, current: float64(initial)}
}

// Next returns the delay before the next attempt and grows it for the one
// after.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(math.Round(b.current))
	b.current *= b.factor
	return d
}

// Reset restores the initial delay.
func (b *Backoff) Reset() { b.current = float64(b.initial) }
