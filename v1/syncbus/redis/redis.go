package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

const (
	publishTimeout = 5 * time.Second
	seenRetention  = time.Minute
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-shardlock/v1/syncbus/redis")

// RedisBus implements syncbus.Bus on Redis pub/sub. Every key maps to one
// Redis channel; payloads are JSON envelopes carrying the event id and origin.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	fan       *syncbus.Fanout[*redis.PubSub]
	seen      *syncbus.Seen
	published atomic.Uint64
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client redis.UniversalClient
	// Prefix is prepended to every key to namespace the Redis channels.
	Prefix string
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	seen := syncbus.NewSeen(seenRetention)
	b := &RedisBus{
		client: opts.Client,
		prefix: opts.Prefix,
		fan:    syncbus.NewFanout[*redis.PubSub](seen),
		seen:   seen,
		stop:   make(chan struct{}),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		seen.Run(b.stop)
	}()
	return b
}

func (b *RedisBus) channel(key string) string {
	return b.prefix + key
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string, opts ...syncbus.PublishOption) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("shardlock.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	payload := syncbus.NewEnvelope(syncbus.ApplyPublishOptions(opts...)).Marshal()
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(pctx, b.channel(key), payload).Err(); err != nil {
		span.RecordError(err)
		return mapErr(err)
	}
	b.published.Add(1)
	return nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return shlerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return shlerrors.ErrConnectionClosed
	}
	return err
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed the
// subscription, so a publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	ch, err := b.fan.Join(key, func() (*redis.PubSub, error) {
		ps := b.client.Subscribe(ctx, b.channel(key))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, mapErr(err)
		}
		b.wg.Add(1)
		go b.pump(key, ps)
		return ps, nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
		}
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// pump forwards the messages of one Redis subscription until it is closed.
func (b *RedisBus) pump(key string, ps *redis.PubSub) {
	defer b.wg.Done()
	for msg := range ps.Channel() {
		b.fan.Deliver(key, []byte(msg.Payload))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
	if ps, last := b.fan.Leave(key, ch); last {
		return ps.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{Published: b.published.Load(), Delivered: b.fan.Delivered()}
}

// Close stops the bus and closes every subscription. The Redis client is
// owned by the caller and left open.
func (b *RedisBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	for _, ps := range b.fan.Close() {
		_ = ps.Close()
	}
	b.wg.Wait()
	return nil
}
