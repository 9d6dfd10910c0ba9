// Package resilience provides the circuit breaker and retry primitives that
// guard every call to the external speech and translation engines.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [Retry] wraps individual engine calls with bounded exponential backoff for
// transient errors. The two compose: retries happen inside one breaker
// execution, so a call that exhausts its retries counts as a single failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the reset timeout has not yet elapsed. Callers treat
// it as an immediate, synthetic failure — the wrapped function never ran.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Exactly one call is allowed through; if it succeeds the breaker closes,
	// otherwise it re-opens for another full reset timeout.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateListener is notified after every breaker state transition. Listeners
// are called synchronously with the transition; they must not call back into
// the breaker and should return quickly.
type StateListener func(name string, from, to State)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and listener
	// callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// single-probe half-open state. It is safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
	listeners       []StateListener
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
	}
}

// AddListener registers a [StateListener]. Listeners registered after a
// transition are not retroactively notified.
func (cb *CircuitBreaker) AddListener(l StateListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state only the single
// probe call is permitted; concurrent callers are rejected until the probe
// resolves.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true

	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	inProbe := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if inProbe {
		cb.probing = false
	}
	if err != nil {
		cb.recordFailure(inProbe)
	} else {
		cb.recordSuccess(inProbe)
	}
	return err
}

// RecordFailure registers a failure that happened outside [Execute], such as
// an outer pipeline timeout that cut the call short.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordFailure(cb.state == StateHalfOpen)
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inProbe bool) {
	cb.lastFailure = time.Now()

	if inProbe {
		// The probe failed: back to open for another full reset timeout.
		cb.consecutiveFail = cb.maxFailures
		cb.transition(StateOpen)
		slog.Warn("circuit breaker re-opened after failed probe", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.transition(StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inProbe bool) {
	if inProbe {
		cb.consecutiveFail = 0
		cb.transition(StateClosed)
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		return
	}
	cb.consecutiveFail = 0
}

// transition moves the breaker to the new state and notifies listeners.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	for _, l := range cb.listeners {
		l(cb.name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFail = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
