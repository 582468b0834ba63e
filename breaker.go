package hubclient

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates reconnect attempts after repeated failures. It does not
// serialize half-open probes; callers that need one probe at a time must keep
// a single attempt in flight themselves, as Manager does.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time

	onChange func(from, to CircuitState)
}

// NewCircuitBreaker returns a closed breaker. A threshold below 1 is treated as 1.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange installs a hook called, outside the breaker lock, after every transition.
func (b *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = CircuitClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	b.changed(from, CircuitClosed)
}

// RecordFailure counts a failure and opens the circuit when the threshold is reached.
// A failed half-open probe reopens the circuit immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= b.threshold) {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
}

// CanAttempt reports whether an attempt may proceed. The first call after the
// cooldown moves an open circuit to half-open.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	if b.state == CircuitOpen {
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = CircuitHalfOpen
		} else {
			allowed = false
		}
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
	return allowed
}

// Reset forces the circuit closed without waiting for the cooldown.
func (b *CircuitBreaker) Reset() {
	b.RecordSuccess()
}

// Remaining is the cooldown left before an open circuit admits a probe.
func (b *CircuitBreaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return 0
	}
	left := b.cooldown - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) changed(from, to CircuitState) {
	if from == to {
		return
	}
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
