// Package resilience provides the circuit breaker and tier failover used to
// pick a working speech synthesizer.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). A
// [FallbackGroup] orders several values of the same type, each behind its own
// breaker, so that a tier that keeps failing is skipped until it has had time
// to recover. [Synthesizers] applies this to tts.Synthesizer backends.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. Any trial
	// failure reopens the breaker; HalfOpenMax successes close it.
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
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	log          *slog.Logger
	now          func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	trials         int
	trialSuccesses int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger.With("component", "breaker", "name", cfg.Name),
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged and counted as a failure when non-nil.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, transition, err := cb.admit()
	cb.notify(transition)
	if err != nil {
		return err
	}

	ferr := fn()

	cb.notify(cb.record(trial, ferr))
	return ferr
}

type change struct {
	from, to State
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, t *change, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		t = cb.setState(StateHalfOpen)
		cb.trials = 0
		cb.trialSuccesses = 0
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return false, t, ErrCircuitOpen
		}
		cb.trials++
		return true, t, nil
	}
	return false, t, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) *change {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if trial {
			cb.openedAt = cb.now()
			return cb.setState(StateOpen)
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.failures, "error", err)
			return cb.setState(StateOpen)
		}
		return nil
	}

	if trial {
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.halfOpenMax && cb.state == StateHalfOpen {
			cb.failures = 0
			return cb.setState(StateClosed)
		}
		return nil
	}
	cb.failures = 0
	return nil
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) *change {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	if to != StateOpen || from == StateHalfOpen {
		cb.log.Info("circuit breaker state changed", "from", from, "to", to)
	}
	return &change{from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *change) {
	if t != nil && cb.onChange != nil {
		cb.onChange(cb.name, t.from, t.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.trials = 0
	cb.trialSuccesses = 0
	t := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(t)
}
