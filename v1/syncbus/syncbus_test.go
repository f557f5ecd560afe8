package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "key", WithOrigin("node-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Key != "key" || evt.Origin != "node-a" || evt.ID == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestFullSubscriberMissesEvents(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected buffered events to coalesce")
	default:
	}
	if m := bus.Metrics(); m.Published != 3 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestPublishContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected publish error due to canceled context")
	}
	if metrics := bus.Metrics(); metrics.Published != 0 {
		t.Fatalf("expected published 0 got %d", metrics.Published)
	}
}

func TestUnsubscribeTwiceIsHarmless(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "key"); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestLossyBusDropsEverything(t *testing.T) {
	inner := NewInMemoryBus()
	bus := NewLossyBus(inner, 1, 1)
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-ch:
		t.Fatal("expected no delivery at drop rate 1")
	case <-time.After(20 * time.Millisecond):
	}
	if bus.Dropped() != 5 {
		t.Fatalf("expected 5 drops got %d", bus.Dropped())
	}

	bus.SetDropRate(0)
	if err := bus.Publish(context.Background(), "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected delivery after restoring drop rate")
	}
}

func TestEnvelopeRoundTripAndPlainPayload(t *testing.T) {
	env := NewEnvelope(PublishOptions{Origin: "n1"})
	got := DecodeEnvelope(env.Marshal())
	if got != env {
		t.Fatalf("expected %+v got %+v", env, got)
	}
	plain := DecodeEnvelope([]byte("abc"))
	if plain.ID != "abc" || plain.Origin != "" {
		t.Fatalf("unexpected plain envelope %+v", plain)
	}
}

func TestSeenDropsDuplicates(t *testing.T) {
	s := NewSeen(time.Minute)
	if s.Check("a") {
		t.Fatal("first check should be new")
	}
	if !s.Check("a") {
		t.Fatal("second check should be duplicate")
	}
	s.retention = -time.Second
	s.Sweep()
	if s.Check("a") {
		t.Fatal("expected id forgotten after sweep")
	}
}
