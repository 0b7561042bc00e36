package ratewise

import (
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

// Circuit breaker states.
const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state label.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes breaker transitions. It is advisory only; a panic
// inside the observer is swallowed and never disturbs the state machine.
type StateChangeFunc func(from, to CircuitState, at time.Time)

// CircuitBreakerConfig holds circuit breaker configuration. Zero fields take
// the documented defaults (5 failures, 2 successes, 60s recovery).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	OnStateChange    StateChangeFunc
}

// CircuitBreakerSnapshot is an immutable view of breaker state.
type CircuitBreakerSnapshot struct {
	State        CircuitState
	FailureCount int
	OpenedAt     *time.Time
	Trips        uint64
}

// CircuitBreaker gates whether a request may be attempted. All state lives
// behind a single mutex; Allow and Record are atomic with respect to
// concurrent callers.
//
// Transitions: closed opens once failures reach the threshold; an open
// breaker moves to half-open lazily when Allow is called after the recovery
// timeout; consecutive half-open successes close it; any half-open failure
// re-opens it and restarts the recovery clock.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	trips     uint64

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. A false result means the
// caller must fail fast without touching the transport. An open breaker whose
// recovery timeout has elapsed transitions to half-open here; there is no
// background timer.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// Record reports the outcome of a permitted request. Call it exactly once per
// request that Allow admitted.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.failures++
		cb.transition(StateOpen)
	case StateOpen:
		// Late failure from a request permitted before opening; the recovery
		// clock is not restarted.
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns an immutable view of the breaker.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := CircuitBreakerSnapshot{
		State:        cb.state,
		FailureCount: cb.failures,
		Trips:        cb.trips,
	}
	if !cb.openedAt.IsZero() {
		at := cb.openedAt
		snap.OpenedAt = &at
	}
	return snap
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	at := cb.now()

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.openedAt = time.Time{}
	case StateOpen:
		cb.openedAt = at
		cb.trips++
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.config.OnStateChange != nil {
		notifyStateChange(cb.config.OnStateChange, from, to, at)
	}
}

func notifyStateChange(fn StateChangeFunc, from, to CircuitState, at time.Time) {
	defer func() { _ = recover() }()
	fn(from, to, at)
}
