package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

type CircuitBreakerState struct {
	Open                bool
	ConsecutiveFailures int
	LastFailureAt       time.Time
	Threshold           int
	Cooldown            time.Duration
	Openings            int64
}

// CircuitBreaker tracks consecutive storage failures for this process only.
// Instances of a multi-node deployment trip independently.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
	OnOpen    func(state CircuitBreakerState)

	mu                  sync.Mutex
	open                bool
	consecutiveFailures int
	lastFailureAt       time.Time
	openings            int64
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Check reports whether calls may proceed. An open breaker whose cooldown has
// elapsed is closed again inside the same critical section.
func (b *CircuitBreaker) Check() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.lastFailureAt) >= b.cooldown() {
		b.open = false
		b.consecutiveFailures = 0
		return true
	}
	return false
}

func (b *CircuitBreaker) RecordFailure() {
	if b == nil {
		return
	}
	var (
		opened bool
		state  CircuitBreakerState
	)
	b.mu.Lock()
	b.consecutiveFailures++
	b.lastFailureAt = b.now()
	if !b.open && b.consecutiveFailures >= b.threshold() {
		b.open = true
		b.openings++
		opened = true
		state = b.stateLocked()
	}
	b.mu.Unlock()

	if opened && b.OnOpen != nil {
		b.OnOpen(state)
	}
}

func (b *CircuitBreaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.open = false
	b.consecutiveFailures = 0
	b.mu.Unlock()
}

func (b *CircuitBreaker) State() CircuitBreakerState {
	if b == nil {
		return CircuitBreakerState{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Guard runs fn when the breaker is closed and records its outcome. Only
// transient storage errors count against the breaker. Contention, duplicates,
// missing rows and rejected state transitions are expected results.
func (b *CircuitBreaker) Guard(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !b.Check() {
		return circuitOpenError(operation)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case countsAsStorageFailure(err):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
	return err
}

func countsAsStorageFailure(err error) bool {
	if err == nil || isNotFound(err) || errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInvalidWebhookStatusTransition) ||
		errors.Is(err, ErrInvalidIdempotencyStatus) {
		return false
	}
	return Classify(err) == ErrorClassTransient
}

func (b *CircuitBreaker) stateLocked() CircuitBreakerState {
	return CircuitBreakerState{
		Open:                b.open,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		Threshold:           b.threshold(),
		Cooldown:            b.cooldown(),
		Openings:            b.openings,
	}
}

func (b *CircuitBreaker) threshold() int {
	if b != nil && b.Threshold > 0 {
		return b.Threshold
	}
	return defaultBreakerThreshold
}

func (b *CircuitBreaker) cooldown() time.Duration {
	if b != nil && b.Cooldown > 0 {
		return b.Cooldown
	}
	return defaultBreakerCooldown
}

func (b *CircuitBreaker) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}
