package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker tracks per-engine failure counts and suppresses use of an
// engine that keeps failing. It is a caller-invoked query, not an
// interceptor: callers check IsOpen before dispatch and report the outcome
// with RecordSuccess/RecordFailure afterwards.
type CircuitBreaker struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	failures map[string]int
	lastFail map[string]time.Time
	now      func() time.Time
}

func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		threshold: failureThreshold,
		timeout:   timeout,
		failures:  make(map[string]int),
		lastFail:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordFailure increments the engine's failure count and stamps the time.
func (cb *CircuitBreaker) RecordFailure(engine string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[engine]++
	cb.lastFail[engine] = cb.now()
}

// RecordSuccess resets the engine's failure count to zero.
func (cb *CircuitBreaker) RecordSuccess(engine string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[engine] = 0
}

// IsOpen reports whether the engine should not be used: the failure count
// reached the threshold and the last failure is more recent than the
// cooldown timeout. Once the timeout elapses the count is reset to zero as
// a side effect and the circuit reads closed again.
func (cb *CircuitBreaker) IsOpen(engine string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures[engine] < cb.threshold {
		return false
	}
	if cb.now().Sub(cb.lastFail[engine]) < cb.timeout {
		return true
	}
	cb.failures[engine] = 0
	return false
}

// Failures returns the current failure count for an engine.
func (cb *CircuitBreaker) Failures(engine string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures[engine]
}
