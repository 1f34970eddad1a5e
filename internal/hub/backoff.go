package hub

import (
	"math/rand/v2"
	"time"
)

// Backoff yields reconnect delays that double from min up to max. Each delay
// adds jitter below the current base and is clamped to max, so consecutive
// delays never decrease.
type Backoff struct {
	min, max time.Duration
	base     time.Duration
	jitter   func(n int64) int64
}

// NewBackoff creates a Backoff starting at minDelay and capped at maxDelay.
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	return &Backoff{
		min:    minDelay,
		max:    max(maxDelay, minDelay),
		base:   minDelay,
		jitter: rand.Int64N,
	}
}

// Next returns the delay before the next attempt and advances the base.
func (b *Backoff) Next() time.Duration {
	d := b.base
	if half := int64(b.base / 2); half > 0 {
		d += time.Duration(b.jitter(half))
	}
	d = min(d, b.max)
	b.base = min(b.base*2, b.max)
	return d
}

// Reset returns to the minimum delay after a healthy session.
func (b *Backoff) Reset() {
	b.base = b.min
}
