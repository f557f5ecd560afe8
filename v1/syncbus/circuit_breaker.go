package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Publish while the breaker is open.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

// BreakerState is the position of a CircuitBreakerBus.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerBus stops publishing to a failing bus for a cool-down period.
// After threshold consecutive publish failures it opens; once timeout has
// passed a single trial publish decides whether it closes again.
// Subscriptions are never guarded.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, timeout: timeout}
}

// State reports the breaker position, moving an expired open breaker to
// half-open.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.timeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// IsHealthy reports whether the next publish would reach the bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.State() != BreakerOpen
}

// admit decides whether a publish may go through. In half-open state only
// the trial is admitted.
func (cb *CircuitBreakerBus) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.openedAt) <= cb.timeout {
			return false
		}
		cb.state = BreakerHalfOpen
		return true
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string, opts ...PublishOption) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key, opts...)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}

// EnsureTopic forwards topic creation to buses that need it.
func (cb *CircuitBreakerBus) EnsureTopic(ctx context.Context, key string) error {
	if tc, ok := cb.bus.(interface {
		EnsureTopic(ctx context.Context, key string) error
	}); ok {
		return tc.EnsureTopic(ctx, key)
	}
	return nil
}
