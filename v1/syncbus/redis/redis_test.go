package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	addr := os.Getenv("SHARDLOCK_TEST_REDIS_ADDR")
	var client *redis.Client
	var mr *miniredis.Miniredis

	if addr != "" {
		t.Logf("TestRedisBus: using real Redis at %s", addr)
		client = redis.NewClient(&redis.Options{Addr: addr})
	} else {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	bus := NewRedisBus(RedisBusOptions{Client: client, Prefix: "test:"})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key", syncbus.WithOrigin("node-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Origin != "node-1" || evt.Key != "key" {
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

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
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
	if bus.fan.Subscribers("key") > 0 {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestRedisBusDropsDuplicateIDs(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	env := syncbus.Envelope{ID: uuid.NewString(), Origin: "other"}
	if err := client.Publish(ctx, "test:key", env.Marshal()).Err(); err != nil {
		t.Fatalf("direct publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	if err := client.Publish(ctx, "test:key", env.Marshal()).Err(); err != nil {
		t.Fatalf("dup publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("duplicate delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBusTimeout(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	tCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if err := bus.Publish(tCtx, "key"); !errors.Is(err, shlerrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRedisBusCloseClosesSubscribers(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel closed")
	}
	if _, err := bus.Subscribe(ctx, "key"); !errors.Is(err, shlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
