// Package channel implements the named broadcast channel a mutex uses to
// announce interest in a resource ("waiting") and its release ("unlocked").
// Delivery is best-effort: the channel never reports a lost message and
// callers must tolerate both loss and reordering.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

// Message is one of the two announcements carried by a channel.
type Message uint8

const (
	// Waiting means a participant wants the resource now.
	Waiting Message = iota + 1
	// Unlocked means a participant just released the resource.
	Unlocked
)

func (m Message) String() string {
	switch m {
	case Waiting:
		return "waiting"
	case Unlocked:
		return "unlocked"
	}
	return fmt.Sprintf("message(%d)", uint8(m))
}

// ErrDisconnected is returned by operations on a disconnected channel.
var ErrDisconnected = errors.New("channel: disconnected")

// TopicCreator is implemented by buses whose topics must exist before use.
type TopicCreator interface {
	EnsureTopic(ctx context.Context, key string) error
}

// Channel is one participant's view of a named broadcast topic.
type Channel struct {
	bus    syncbus.Bus
	name   string
	origin string

	ctx    context.Context
	cancel context.CancelFunc
}

// Key returns the bus key carrying msg for the channel name.
func Key(name string, msg Message) string {
	return name + "." + msg.String()
}

// Create creates the topic for name if the bus needs it and connects to it.
// Creating an existing channel is not an error.
func Create(ctx context.Context, bus syncbus.Bus, name string) (*Channel, error) {
	if tc, ok := bus.(TopicCreator); ok {
		for _, msg := range []Message{Waiting, Unlocked} {
			if err := tc.EnsureTopic(ctx, Key(name, msg)); err != nil {
				return nil, fmt.Errorf("channel: create %q: %w", name, err)
			}
		}
	}
	return Connect(bus, name), nil
}

// Connect joins the channel name on bus.
func Connect(bus syncbus.Bus, name string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		bus:    bus,
		name:   name,
		origin: uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Origin returns the identity this participant stamps on its publishes.
func (c *Channel) Origin() string { return c.origin }

// Publish broadcasts msg to every other participant. It does not wait for
// delivery.
func (c *Channel) Publish(ctx context.Context, msg Message) error {
	if c.ctx.Err() != nil {
		return ErrDisconnected
	}
	return c.bus.Publish(ctx, Key(c.name, msg), syncbus.WithOrigin(c.origin))
}

// Listen invokes handler for every message published by other participants
// until ctx is done, the returned unsubscribe function is called, or the
// channel is disconnected. Unsubscribe may be called any number of times,
// including from inside handler. A handler may still observe one message that
// raced with unsubscribe, so handlers must be idempotent.
func (c *Channel) Listen(ctx context.Context, handler func(Message)) (func(), error) {
	return c.listen(ctx, handler, Waiting, Unlocked)
}

// ListenFor is Listen restricted to msg: only the key carrying msg is
// subscribed, so the bus never delivers the other message to this listener.
func (c *Channel) ListenFor(ctx context.Context, msg Message, handler func(Message)) (func(), error) {
	return c.listen(ctx, handler, msg)
}

func (c *Channel) listen(ctx context.Context, handler func(Message), msgs ...Message) (func(), error) {
	if c.ctx.Err() != nil {
		return nil, ErrDisconnected
	}

	lctx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	unsubscribe := func() {
		stop()
		cancel()
	}

	for _, msg := range msgs {
		ch, err := c.bus.Subscribe(lctx, Key(c.name, msg))
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("channel: listen %q: %w", c.name, err)
		}
		go c.forward(lctx, ch, msg, handler)
	}
	return unsubscribe, nil
}

func (c *Channel) forward(ctx context.Context, ch <-chan syncbus.Event, msg Message, handler func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Origin == c.origin || ctx.Err() != nil {
				continue
			}
			handler(msg)
		}
	}
}

// Disconnect stops every listener. It is safe to call more than once.
func (c *Channel) Disconnect() error {
	c.cancel()
	return nil
}
