package core

import (
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitClosed means requests pass through normally
	CircuitClosed CircuitBreakerState = "closed"
	// CircuitOpen means requests fail immediately
	CircuitOpen CircuitBreakerState = "open"
	// CircuitHalfOpen means a limited number of probe requests are allowed
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// MaxHalfOpenRequests is the max concurrent requests while half-open
	MaxHalfOpenRequests uint32
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker protects an unreliable downstream from repeated calls
// while it is failing. Safe for concurrent use.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failures      uint32
	halfOpenInUse uint32
	openedAt      time.Time
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxHalfOpenRequests == 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. Returns ErrCircuitOpen when
// the circuit is open or the half-open probe budget is exhausted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenInUse = 1
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenInUse >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenInUse++
		return nil
	}
	return nil
}

// RecordSuccess notes a successful call, closing the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.halfOpenInUse = 0
}

// RecordFailure notes a failed call, opening the circuit once the
// consecutive failure budget is spent
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.config.MaxFailures {
		cb.trip()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.failures = 0
	cb.halfOpenInUse = 0
	cb.openedAt = cb.now()
}
