package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

const (
	seenRetention = time.Minute
	flushTimeout  = 2 * time.Second
)

// NATSBus implements syncbus.Bus on core NATS subjects. Core NATS is
// at-most-once which matches the best-effort contract of the bus.
type NATSBus struct {
	conn *nats.Conn

	fan       *syncbus.Fanout[*nats.Subscription]
	published atomic.Uint64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	seen := syncbus.NewSeen(seenRetention)
	b := &NATSBus{
		conn: conn,
		fan:  syncbus.NewFanout[*nats.Subscription](seen),
		stop: make(chan struct{}),
	}
	go seen.Run(b.stop)
	return b
}

func mapErr(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return shlerrors.ErrConnectionClosed
	}
	if errors.Is(err, nats.ErrTimeout) {
		return shlerrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string, opts ...syncbus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := syncbus.NewEnvelope(syncbus.ApplyPublishOptions(opts...)).Marshal()
	if err := b.conn.Publish(key, payload); err != nil {
		return mapErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns after the server has
// acknowledged the interest.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	ch, err := b.fan.Join(key, func() (*nats.Subscription, error) {
		sub, err := b.conn.Subscribe(key, func(m *nats.Msg) {
			b.fan.Deliver(key, m.Data)
		})
		return sub, mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	if err := b.conn.FlushTimeout(flushTimeout); err != nil {
		_ = b.Unsubscribe(context.Background(), key, ch)
		return nil, mapErr(err)
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

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
	sub, last := b.fan.Leave(key, ch)
	if !last {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{Published: b.published.Load(), Delivered: b.fan.Delivered()}
}

// Close drops every subscription. The NATS connection belongs to the caller.
func (b *NATSBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	for _, sub := range b.fan.Close() {
		_ = sub.Unsubscribe()
	}
	return nil
}
