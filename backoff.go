package hubclient

import (
	"math/rand/v2"
	"time"
)

// Backoff maps a reconnect attempt number to a jittered delay. The zero value
// is not useful; build one with Config.Backoff.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Floor  time.Duration

	// Rand returns a uniform value in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// Delay returns min(Base*2^attempt, Max) with ±Jitter applied, never below Floor.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	for i := 0; i < attempt && base > 0 && base < b.Max; i++ {
		base *= 2
	}
	if base > b.Max {
		base = b.Max
	}

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	// (2r-1) is uniform in [-1, 1).
	delay := time.Duration(float64(base) * (1 + (2*r()-1)*b.Jitter))
	if delay < b.Floor {
		delay = b.Floor
	}
	return delay
}
