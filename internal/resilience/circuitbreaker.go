// Package resilience provides the circuit breaker and retry primitives that
// wrap every remote collaborator call.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) with a rolling failure window. An open breaker
// rejects immediately and runs the configured fallback when one exists; a
// breaker never silently swallows an error — every call either passes
// through, falls back, or fails.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open, the reset timeout has not elapsed, and no fallback is configured.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected (or
	// diverted to the fallback) until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// probe is allowed through; enough consecutive successes close the
	// breaker, any failure re-opens it.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker tuning.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
	DefaultRollingWindow    = time.Minute
)

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of failures within RollingWindow that
	// opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe.
	ResetTimeout time.Duration

	// RollingWindow is the failure-counting window.
	RollingWindow time.Duration

	// Fallback, when non-nil, runs instead of the protected call while the
	// breaker is open. ASR deliberately configures none: a fully open ASR
	// breaker fails the pipeline.
	Fallback func(ctx context.Context) error
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = DefaultRollingWindow
	}
}

// Snapshot is a point-in-time view of a breaker's state for observability.
type Snapshot struct {
	Name           string
	State          string
	WindowFailures int
	ProbeSuccesses int
	LastFailure    time.Time
	LastTransition time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern over a
// rolling failure window. Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	log *slog.Logger
	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       []time.Time // failures inside the rolling window
	probeSuccesses int
	lastFailure    time.Time
	lastTransition time.Time
}

// NewBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig, log *slog.Logger) *CircuitBreaker {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		log:   log.With("component", "breaker", "breaker", cfg.Name),
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs fn under the breaker's protection. While open it runs the
// configured fallback, or returns [ErrCircuitOpen] when there is none. In
// half-open, fn acts as the probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	now := cb.now()

	if cb.state == StateOpen {
		if now.Sub(cb.lastTransition) >= cb.cfg.ResetTimeout {
			cb.transitionLocked(StateHalfOpen, now)
		} else {
			fallback := cb.cfg.Fallback
			cb.mu.Unlock()
			if fallback != nil {
				return fallback(ctx)
			}
			return ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		// Caller cancellation says nothing about the provider's health.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		cb.onFailureLocked(cb.now())
		return err
	}
	cb.onSuccessLocked(cb.now())
	return nil
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the actual transition happens on the
// next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastTransition) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns the breaker's observable state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.now())
	return Snapshot{
		Name:           cb.cfg.Name,
		State:          cb.state.String(),
		WindowFailures: len(cb.failures),
		ProbeSuccesses: cb.probeSuccesses,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
	}
}

// Reset forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = nil
	cb.probeSuccesses = 0
	cb.transitionLocked(StateClosed, cb.now())
	cb.log.Info("circuit breaker manually reset")
}

// ─── internals (cb.mu held) ───

func (cb *CircuitBreaker) onFailureLocked(now time.Time) {
	cb.lastFailure = now

	if cb.state == StateHalfOpen {
		// Any probe failure re-opens immediately.
		cb.probeSuccesses = 0
		cb.transitionLocked(StateOpen, now)
		cb.log.Warn("circuit breaker re-opened from half_open")
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)
	if cb.state == StateClosed && len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.transitionLocked(StateOpen, now)
		cb.log.Warn("circuit breaker opened", "window_failures", len(cb.failures))
	}
}

func (cb *CircuitBreaker) onSuccessLocked(now time.Time) {
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeSuccesses++
	if cb.probeSuccesses >= cb.cfg.SuccessThreshold {
		cb.failures = nil
		cb.probeSuccesses = 0
		cb.transitionLocked(StateClosed, now)
		cb.log.Info("circuit breaker closed after successful probes")
	}
}

func (cb *CircuitBreaker) transitionLocked(s State, now time.Time) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.lastTransition = now
	if s == StateHalfOpen {
		cb.probeSuccesses = 0
	}
}

// pruneLocked drops failures older than the rolling window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.RollingWindow)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}
