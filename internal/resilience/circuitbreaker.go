// Package resilience provides a circuit breaker and provider failover for
// opening transcription sessions.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [FallbackGroup] keeps one breaker per entry so a failing primary is skipped
// in favour of healthy fallbacks, and [STTFallback] exposes such a group as a
// single [stt.Provider] to the engine.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are returned to the caller without affecting the state.
	// Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	trial := cb.state == StateHalfOpen
	if trial {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(from, StateHalfOpen, from != StateHalfOpen && trial)

	err := fn()

	cb.mu.Lock()
	from = cb.state
	switch {
	case err == nil:
		cb.recordSuccess(trial)
	case cb.isFailure(err):
		cb.recordFailure(trial)
	case trial:
		// Neutral errors give the trial slot back.
		cb.halfOpenCalls--
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to, from != to)
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(trial bool) {
	cb.lastFailure = time.Now()
	if trial {
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(trial bool) {
	if !trial {
		cb.consecutiveFail = 0
		return
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.consecutiveFail = 0
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if !changed {
		return
	}
	slog.Info("circuit breaker state changed", "name", cb.name, "from", from, "to", to)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed, from != StateClosed)
}
