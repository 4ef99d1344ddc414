package monitor

import "time"

// Backoff is the delay between drain passes. Failures grow it
// geometrically up to a cap; successes shrink it back toward the default,
// at most once per decay period.
type Backoff struct {
	def        time.Duration
	max        time.Duration
	multiplier float64
	decay      time.Duration

	sleep      time.Duration
	lastChange time.Time
}

// NewBackoff creates a Backoff starting at def.
func NewBackoff(def, max time.Duration, multiplier float64, decay time.Duration) *Backoff {
	if max < def {
		max = def
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{def: def, max: max, multiplier: multiplier, decay: decay, sleep: def}
}

// Current returns the current delay.
func (b *Backoff) Current() time.Duration {
	return b.sleep
}

// Failure grows the delay and returns it.
func (b *Backoff) Failure(now time.Time) time.Duration {
	next := time.Duration(float64(b.sleep) * b.multiplier)
	if next > b.max || next < b.sleep {
		next = b.max
	}
	b.sleep = next
	b.lastChange = now
	return b.sleep
}

// Success shrinks the delay if the decay period has elapsed since the last
// change, and returns it.
func (b *Backoff) Success(now time.Time) time.Duration {
	if b.sleep <= b.def || now.Sub(b.lastChange) < b.decay {
		return b.sleep
	}
	next := time.Duration(float64(b.sleep) / b.multiplier)
	if next < b.def {
		next = b.def
	}
	b.sleep = next
	b.lastChange = now
	return b.sleep
}
