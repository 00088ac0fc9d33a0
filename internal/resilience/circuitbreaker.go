// Package resilience keeps the remote match oracle usable when individual
// LLM backends misbehave.
//
// [CircuitBreaker] guards one backend. [FallbackGroup] chains several
// backends, each behind its own breaker, and [LLMFallback] exposes such a
// chain as a single [llm.Provider].
//
// A call aborted by its caller (context cancellation) is never counted as a
// backend failure and never triggers failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successful probes close the breaker; one failed probe re-opens it.
	StateHalfOpen
)

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

// Breaker defaults applied by [NewCircuitBreaker] to zero config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls admitted in the half-open state and
	// is also the number of successful probes needed to close again.
	HalfOpenMax int

	// Clock replaces time.Now. Nil means time.Now.
	Clock func() time.Time

	// OnTransition, when set, is called after every state change with the
	// breaker's lock released.
	OnTransition func(name string, from, to State)
}

// CircuitBreaker is a three-state breaker around one dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields
// take the Default* values.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the label given in [CircuitBreakerConfig.Name].
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// fn's error is returned unchanged. Errors wrapping [context.Canceled] leave
// the failure accounting untouched.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and reserves a probe slot in the
// half-open state.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	if cb.state == StateOpen {
		if cb.cfg.Clock().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()

	switch {
	case isAbort(err):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil:
		if probe {
			cb.trip()
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case probe:
		if cb.state != StateHalfOpen {
			return
		}
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Clock()
	cb.moveTo(StateOpen)
}

// moveTo changes state, resets the per-state counters and queues the
// transition for [CircuitBreaker.flush]. Must be called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	cb.state = to
	cb.probes, cb.probeWins = 0, 0
	if to == StateClosed {
		cb.failures = 0
	}
	if from != to {
		cb.transitions = append(cb.transitions, transition{from, to})
	}
}

// flush releases cb.mu and then reports queued transitions.
func (cb *CircuitBreaker) flush() {
	pending := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()

	for _, t := range pending {
		level := slog.LevelInfo
		if t.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state change",
			"name", cb.cfg.Name, "from", t.from.String(), "to", t.to.String())
		if cb.cfg.OnTransition != nil {
			cb.cfg.OnTransition(cb.cfg.Name, t.from, t.to)
		}
	}
}

// isAbort reports whether err stems from the caller giving up rather than
// from the protected dependency.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.flush()
	cb.moveTo(StateClosed)
}
