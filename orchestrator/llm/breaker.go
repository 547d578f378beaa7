package llm

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerStats is a point-in-time view of breaker counters.
type BreakerStats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// CircuitOpenError is returned on the fast-fail path while the circuit is
// open.
type CircuitOpenError struct {
	Stats BreakerStats
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open (%d consecutive failures)", e.Stats.Name, e.Stats.Failures)
}

// CircuitBreaker gates calls to one failing callee, typically a single
// provider model.
//
// Closed passes everything through and opens after failureThreshold
// consecutive failures. Open fast-fails until resetTimeout elapses, then
// admits probes in HalfOpen. Any HalfOpen failure reopens; successThreshold
// successes close.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, successThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		successThreshold: successThreshold,
		state:            CircuitClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// *CircuitOpenError carrying a stats snapshot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return nil
		}
		return &CircuitOpenError{Stats: cb.statsLocked()}
	}
	return nil
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure notes a failed call, opening the circuit when the closed
// threshold is crossed or any half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.failures++
		cb.openedAt = time.Now()
		cb.successes = 0
	}
}

// Reset forces the breaker closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.openedAt = time.Time{}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() BreakerStats {
	return BreakerStats{
		Name:      cb.name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Successes: cb.successes,
		OpenedAt:  cb.openedAt,
	}
}
