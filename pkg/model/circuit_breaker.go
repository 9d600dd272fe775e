package model

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed allows requests to pass through
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests
	CircuitOpen
	// CircuitHalfOpen allows a test request to check if service recovered
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures uint32
	// ResetTimeout is the duration to wait before transitioning from open to half-open
	ResetTimeout time.Duration
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
type ErrCircuitOpen struct {
	Since time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker is open (last failure: %v ago)", e.Since.Round(time.Millisecond))
}

// CircuitBreaker implements the circuit breaker pattern for API resilience
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           CircuitState
	failureCount    uint32
	lastFailureTime time.Time

	mu  sync.RWMutex
	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultCircuitBreakerConfig().MaxFailures
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(old, CircuitClosed)
}

// Call wraps a function call with circuit breaker logic.
// Returns *ErrCircuitOpen if the circuit is open, otherwise executes fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed < cb.config.ResetTimeout {
			cb.mu.Unlock()
			return &ErrCircuitOpen{Since: elapsed}
		}
		cb.state = CircuitHalfOpen
		cb.failureCount = 0
		cb.mu.Unlock()
		cb.notify(CircuitOpen, CircuitHalfOpen)
	} else {
		cb.mu.Unlock()
	}

	err := fn()

	cb.mu.Lock()
	old := cb.state
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	now := cb.state
	cb.mu.Unlock()

	cb.notify(old, now)
	return err
}

// recordFailure must be called with lock held
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	case CircuitClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = CircuitOpen
		}
	}
}

// recordSuccess must be called with lock held
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitClosed
		cb.failureCount = 0
		cb.lastFailureTime = time.Time{}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// FailureCount returns the current consecutive failure count
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}
