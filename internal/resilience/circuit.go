// Package resilience provides retry and circuit breaker patterns around the
// classification service and checkpoint writes.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

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

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open or every half-open probe slot is taken.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// open the circuit. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before probes are
	// admitted. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes bounds the calls in flight while half-open. The
	// circuit closes after that many probes come back healthy. Default 1.
	HalfOpenMaxProbes int

	// ShouldTrip reports whether an error counts against the service. Nil
	// means IsTransient: a malformed answer says nothing about availability.
	ShouldTrip func(err error) bool

	// OnStateChange is called, under the breaker's lock, on every transition.
	OnStateChange func(from, to CircuitState)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = IsTransient
	}
	return c
}

// CircuitBreaker guards one downstream service shared by many workers.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int       // consecutive tripping failures while closed
	openedAt time.Time // when the circuit last opened
	probes   int       // probes in flight while half-open
	healthy  int       // healthy probe results while half-open
	changed  chan struct{}
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		changed: make(chan struct{}),
	}
}

// ExecuteVal runs fn if the breaker admits it and records the outcome.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.admit()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err, probe)
	return val, err
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

// Wait blocks until the breaker would admit a call or ctx ends. Workers use
// it to pause while the service is tripped instead of burning retries on
// rejections.
func (cb *CircuitBreaker) Wait(ctx context.Context) error {
	for {
		cb.mu.Lock()
		cb.expire()
		var delay time.Duration
		switch cb.state {
		case CircuitClosed:
			cb.mu.Unlock()
			return nil
		case CircuitHalfOpen:
			if cb.probes < cb.cfg.HalfOpenMaxProbes {
				cb.mu.Unlock()
				return nil
			}
		case CircuitOpen:
			delay = cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		}
		changed := cb.changed
		cb.mu.Unlock()

		if err := cb.sleep(ctx, changed, delay); err != nil {
			return err
		}
	}
}

// sleep waits for a transition, for delay to pass (when positive) or for
// ctx to end.
func (cb *CircuitBreaker) sleep(ctx context.Context, changed <-chan struct{}, delay time.Duration) error {
	var timeout <-chan time.Time
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timeout:
	}
	return nil
}

// admit reserves a call slot. probe reports whether the call is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()

	switch cb.state {
	case CircuitOpen:
		return false, ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tripped := err != nil && cb.cfg.ShouldTrip(err)
	if probe {
		cb.probes--
	}

	switch cb.state {
	case CircuitClosed:
		if !tripped {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		if !probe {
			return
		}
		if tripped {
			cb.open()
			return
		}
		cb.healthy++
		if cb.healthy >= cb.cfg.HalfOpenMaxProbes {
			cb.failures = 0
			cb.transition(CircuitClosed)
		}
	}
}

// expire moves an open circuit to half-open once the reset timeout passes.
// Caller holds mu.
func (cb *CircuitBreaker) expire() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.probes, cb.healthy = 0, 0
		cb.transition(CircuitHalfOpen)
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.probes, cb.healthy = 0, 0
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	close(cb.changed)
	cb.changed = make(chan struct{})
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
