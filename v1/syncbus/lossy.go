package syncbus

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

// LossyBus decorates a Bus and silently drops a fraction of publishes. It
// models a broadcast transport that loses messages; a drop rate of 1 loses
// every message while leaving subscriptions intact.
type LossyBus struct {
	bus Bus

	mu      sync.Mutex
	rate    float64
	rnd     *rand.Rand
	dropped atomic.Uint64
}

// NewLossyBus wraps bus dropping publishes with probability rate.
func NewLossyBus(bus Bus, rate float64, seed int64) *LossyBus {
	l := &LossyBus{bus: bus, rnd: rand.New(rand.NewSource(seed))}
	l.SetDropRate(rate)
	return l
}

// SetDropRate changes the drop probability, clamped to [0, 1].
func (l *LossyBus) SetDropRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	l.mu.Lock()
	l.rate = rate
	l.mu.Unlock()
}

// Dropped reports how many publishes were discarded.
func (l *LossyBus) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *LossyBus) drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.rate <= 0:
		return false
	case l.rate >= 1:
		return true
	}
	return l.rnd.Float64() < l.rate
}

// Publish implements Bus.Publish. A dropped publish still reports success.
func (l *LossyBus) Publish(ctx context.Context, key string, opts ...PublishOption) error {
	if l.drop() {
		l.dropped.Add(1)
		return nil
	}
	return l.bus.Publish(ctx, key, opts...)
}

// Subscribe implements Bus.Subscribe.
func (l *LossyBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	return l.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (l *LossyBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	return l.bus.Unsubscribe(ctx, key, ch)
}

// EnsureTopic forwards topic creation to buses that need it.
func (l *LossyBus) EnsureTopic(ctx context.Context, key string) error {
	if tc, ok := l.bus.(interface {
		EnsureTopic(ctx context.Context, key string) error
	}); ok {
		return tc.EnsureTopic(ctx, key)
	}
	return nil
}
