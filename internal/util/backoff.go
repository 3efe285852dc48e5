package util

import "time"

// Backoff calculates exponentially growing delays capped at a maximum.
type Backoff struct {
	current  time.Duration
	maxDelay time.Duration
}

// NewBackoff creates a backoff that starts at initial and doubles up to maxDelay.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{current: initial, maxDelay: maxDelay}
}

// Next returns the current delay and advances to the next value.
func (b *Backoff) Next() time.Duration {
	current := b.current
	b.current = min(2*b.current, b.maxDelay)
	return current
}
