package relayclient

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth with jitter and
// a ceiling, bounded by a maximum attempt count. This replaces the naive
// fixed-interval reconnect loop that can stampede a degraded server.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the random fraction (0..1) added to each delay.
	Jitter float64
	// MaxAttempts stops reconnecting after this many consecutive
	// failures. Zero means retry forever.
	MaxAttempts int
}

// DefaultBackoff is used when the caller does not configure one.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxAttempts: 0,
	}
}

// Next returns the delay before retry number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * rand.Float64()
	}
	if max := float64(b.Max); d > max && max > 0 {
		d = max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the configured ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
