// Package resilience implements the circuit-breaker hierarchy: a
// three-state breaker with jittered recovery, a bounded per-tenant
// registry, and a global breaker that trips only on network-class
// failures. The HTTP-layer breaker middleware builds on gobreaker; these
// breakers carry the tenant semantics the middleware cannot.
package resilience

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "graphmesh-backend/pkg/errors"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open -> half-open delay
	HalfOpenMaxCalls int           // concurrent probes admitted half-open
	JitterFactor     float64       // randomizes recovery in [1-j, 1+j]

	// OnStateChange is invoked outside the lock after a transition.
	OnStateChange func(name string, from, to State)
}

func (s *Settings) withDefaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 1
	}
	if s.JitterFactor < 0 {
		s.JitterFactor = 0
	}
}

// Breaker is a closed/open/half-open circuit breaker. State is serialized
// under a mutex; the recovery deadline is re-randomized on every open
// transition so synchronized retry storms are avoided.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	logger   *zap.Logger

	state            State
	consecutiveFails int
	openedAt         time.Time
	recoveryDeadline time.Time
	halfOpenInFlight int
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(settings Settings, logger *zap.Logger) *Breaker {
	settings.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{settings: settings, logger: logger, state: StateClosed}
}

// Execute runs fn under the breaker's admission control.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err)
	return err
}

// Allow reports whether a call would currently be admitted, transitioning
// open -> half-open when the recovery window has elapsed. Callers using
// Allow directly must pair it with RecordSuccess/RecordFailure.
func (b *Breaker) Allow() error {
	return b.beforeCall()
}

// RecordSuccess feeds a success outcome into the state machine.
func (b *Breaker) RecordSuccess() { b.afterCall(nil) }

// RecordFailure feeds a failure outcome into the state machine.
func (b *Breaker) RecordFailure(err error) { b.afterCall(err) }

// cancelProbe returns a half-open probe slot without recording an outcome.
func (b *Breaker) cancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// State returns the current state, applying the open -> half-open
// transition if the recovery window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()
	return b.state
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRecoverLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		return apperrors.NewCircuitOpen(b.settings.Name)
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			return apperrors.NewCircuitOpen(b.settings.Name)
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateClosed:
		if err != nil {
			b.consecutiveFails++
			if b.consecutiveFails >= b.settings.FailureThreshold {
				transition = b.transitionLocked(StateOpen)
			}
		} else {
			b.consecutiveFails = 0
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if err != nil {
			transition = b.transitionLocked(StateOpen)
		} else {
			transition = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// A straggler finishing after the trip; outcome is ignored.
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// maybeRecoverLocked applies open -> half-open once the jittered recovery
// deadline passes. Caller holds the lock.
func (b *Breaker) maybeRecoverLocked() {
	if b.state == StateOpen && time.Now().After(b.recoveryDeadline) {
		if fn := b.transitionLocked(StateHalfOpen); fn != nil {
			// Run the callback without the lock once the caller unlocks;
			// state change itself must be visible immediately.
			go fn()
		}
	}
}

// transitionLocked mutates state and returns the notification closure.
// Caller holds the lock.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		jitter := 1.0
		if j := b.settings.JitterFactor; j > 0 {
			jitter = 1 - j + 2*j*rand.Float64()
		}
		b.recoveryDeadline = b.openedAt.Add(time.Duration(float64(b.settings.RecoveryTimeout) * jitter))
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFails = 0
	}

	name, cb := b.settings.Name, b.settings.OnStateChange
	b.logger.Info("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb == nil {
		return func() {}
	}
	return func() { cb(name, from, to) }
}
