package arbiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

func TestHostTryAcquireRelease(t *testing.T) {
	h := NewLocalHost("shard")
	ctx := context.Background()
	ok, err := h.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("tryAcquire: %v ok %v", err, ok)
	}
	if ok, err := h.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("expected flag set, got ok %v err %v", ok, err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release of clear flag: %v", err)
	}
	if ok, err := h.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("expected re-acquire, ok %v err %v", ok, err)
	}
}

func TestHostConcurrentTryAcquireHasOneWinner(t *testing.T) {
	h := NewLocalHost("shard")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := h.TryAcquire(context.Background()); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestProxyForwardsToHost(t *testing.T) {
	tr := NewInMemoryTransport()
	h, err := Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	p1 := Connect(tr, "shard")
	p2 := Connect(tr, "shard")
	ctx := context.Background()

	if ok, err := p1.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("p1 tryAcquire: %v ok %v", err, ok)
	}
	if ok, err := p2.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("p2 should lose, ok %v err %v", ok, err)
	}
	if !h.Occupied() {
		t.Fatal("host flag not set")
	}
	// Release is not owner-checked.
	if err := p2.Release(ctx); err != nil {
		t.Fatalf("p2 release: %v", err)
	}
	if h.Occupied() {
		t.Fatal("host flag still set after release")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	tr := NewInMemoryTransport()
	h, err := Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Create(tr, "shard"); !errors.Is(err, ErrHostExists) {
		t.Fatalf("expected ErrHostExists, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Create(tr, "shard"); err != nil {
		t.Fatalf("create after close: %v", err)
	}
}

func TestProxyWithoutHostIsUnreachable(t *testing.T) {
	p := Connect(NewInMemoryTransport(), "nobody")
	_, err := p.TryAcquire(context.Background())
	if !errors.Is(err, shlerrors.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestInjectedFailurePropagates(t *testing.T) {
	tr := NewInMemoryTransport()
	h, err := Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()
	p := Connect(tr, "shard")

	boom := errors.New("boom")
	tr.Fail(boom)
	if _, err := p.TryAcquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := p.Release(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom on release, got %v", err)
	}
	if h.Occupied() {
		t.Fatal("failed request must not touch the flag")
	}
	tr.Fail(nil)
	if ok, err := p.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("after recovery: ok %v err %v", ok, err)
	}
}

func TestLatencyRespectsContext(t *testing.T) {
	tr := NewInMemoryTransport()
	if _, err := Create(tr, "shard"); err != nil {
		t.Fatalf("create: %v", err)
	}
	tr.SetLatency(time.Second)
	p := Connect(tr, "shard")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.TryAcquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("request did not respect context")
	}
}

func TestClosedProxyAndUnknownMethod(t *testing.T) {
	tr := NewInMemoryTransport()
	h, err := Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := Connect(tr, "shard")
	_ = p.Close()
	if _, err := p.TryAcquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	resp := h.handle(context.Background(), Request{Method: "steal"})
	if resp.Err == "" || resp.OK {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestProxyWrapsHostErrors(t *testing.T) {
	tr := NewInMemoryTransport()
	h := NewLocalHost("shard")
	if _, err := tr.Serve("unknown", func(ctx context.Context, _ Request) Response {
		return h.handle(ctx, Request{Method: "steal"})
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := tr.Serve("broken", func(context.Context, Request) Response {
		return Response{Err: "disk on fire"}
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	ctx := context.Background()

	_, err := Connect(tr, "unknown").TryAcquire(ctx)
	if !errors.Is(err, ErrUnknownMethod) || errors.Is(err, ErrHostFailed) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	err = Connect(tr, "broken").Release(ctx)
	if !errors.Is(err, ErrHostFailed) || errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrHostFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("host message lost: %v", err)
	}
}

func TestCountingCountsCalls(t *testing.T) {
	c := NewCounting(NewLocalHost("shard"))
	ctx := context.Background()
	_, _ = c.TryAcquire(ctx)
	_, _ = c.TryAcquire(ctx)
	_ = c.Release(ctx)

	got := c.Counts()
	want := Counts{Attempts: 2, Acquired: 1, Releases: 1}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
