package exporter

import (
	"sync/atomic"
	"time"

	"github.com/szibis/shard-relay/internal/logging"
	"github.com/szibis/shard-relay/internal/queue"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// CircuitClosed means the circuit is operating normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is open and requests are blocked.
	CircuitOpen
	// CircuitHalfOpen means the circuit is testing if the replica recovered.
	CircuitHalfOpen
)

// String returns the metric label of the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards one replica against repeated sends while it is down.
type CircuitBreaker struct {
	name             string
	state            atomic.Int32
	consecutiveFails atomic.Int32
	lastFailure      atomic.Int64 // UnixNano
	halfOpenProbe    atomic.Int32 // 1 if a half-open probe is in flight

	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the replica called name.
// A threshold of zero or less disables it.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
	cb.state.Store(int32(CircuitClosed))
	queue.SetCircuitState(name, CircuitClosed.String())
	return cb
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	return int(cb.consecutiveFails.Load())
}

// AllowRequest checks if a request should be allowed through.
func (cb *CircuitBreaker) AllowRequest() bool {
	if cb.failureThreshold <= 0 {
		return true
	}

	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().UnixNano()-cb.lastFailure.Load() < int64(cb.resetTimeout) {
			queue.IncrementCircuitRejected(cb.name)
			return false
		}
		// Only one caller wins the Open -> HalfOpen transition and becomes the probe.
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.halfOpenProbe.Store(1)
			queue.SetCircuitState(cb.name, CircuitHalfOpen.String())
			logging.Info("circuit breaker transitioning to half-open", logging.F(
				"replica", cb.name,
				"reset_timeout", cb.resetTimeout.String(),
			))
			return true
		}
		queue.IncrementCircuitRejected(cb.name)
		return false
	case CircuitHalfOpen:
		if cb.halfOpenProbe.CompareAndSwap(0, 1) {
			return true
		}
		queue.IncrementCircuitRejected(cb.name)
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFails.Store(0)

	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenProbe.Store(0)
		cb.state.Store(int32(CircuitClosed))
		queue.SetCircuitState(cb.name, CircuitClosed.String())
		logging.Info("circuit breaker closed after successful request", logging.F("replica", cb.name))
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	fails := cb.consecutiveFails.Add(1)
	cb.lastFailure.Store(cb.now().UnixNano())
	if cb.failureThreshold <= 0 {
		return
	}

	state := CircuitState(cb.state.Load())
	if state == CircuitHalfOpen {
		cb.halfOpenProbe.Store(0)
		cb.state.Store(int32(CircuitOpen))
		queue.SetCircuitState(cb.name, CircuitOpen.String())
		queue.IncrementCircuitOpen(cb.name)
		logging.Warn("circuit breaker reopened after half-open failure", logging.F(
			"replica", cb.name,
			"consecutive_failures", fails,
		))
		return
	}

	if state == CircuitClosed && int(fails) >= cb.failureThreshold {
		cb.state.Store(int32(CircuitOpen))
		queue.SetCircuitState(cb.name, CircuitOpen.String())
		queue.IncrementCircuitOpen(cb.name)
		logging.Warn("circuit breaker opened due to consecutive failures", logging.F(
			"replica", cb.name,
			"consecutive_failures", fails,
			"threshold", cb.failureThreshold,
			"reset_timeout", cb.resetTimeout.String(),
		))
	}
}

// Abandon ends a request whose outcome says nothing about the replica, such
// as a local read error. A half-open probe slot is handed back.
func (cb *CircuitBreaker) Abandon() {
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenProbe.Store(0)
	}
}
