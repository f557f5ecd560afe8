package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event is a single notification delivered to the subscribers of a key.
type Event struct {
	Key string
	// ID uniquely identifies one publish. Remote buses use it to drop
	// duplicate deliveries.
	ID string
	// Origin identifies the publisher, empty when the publisher did not
	// stamp one.
	Origin string
}

// PublishOptions carries per-publish metadata.
type PublishOptions struct {
	Origin string
}

// PublishOption configures a single Publish call.
type PublishOption func(*PublishOptions)

// WithOrigin stamps the published event with the identity of the publisher so
// that subscribers can ignore their own messages.
func WithOrigin(origin string) PublishOption {
	return func(o *PublishOptions) {
		o.Origin = origin
	}
}

// Bus is a best-effort broadcast transport. Publishing never waits for
// subscribers and delivery is not guaranteed: a subscriber whose buffer is
// full misses the event.
type Bus interface {
	Publish(ctx context.Context, key string, opts ...PublishOption) error
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics reports bus traffic counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// single-process deployments.
type InMemoryBus struct {
	mu        sync.RWMutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := applyPublishOptions(opts)
	evt := Event{Key: key, ID: uuid.NewString(), Origin: options.Origin}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.published.Add(1)
	for _, ch := range b.subs[key] {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is removed when ctx is
// done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Unknown channels are ignored.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func applyPublishOptions(opts []PublishOption) PublishOptions {
	options := PublishOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// ApplyPublishOptions folds opts into a PublishOptions value. Bus
// implementations outside this package use it to read the options.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	return applyPublishOptions(opts)
}
