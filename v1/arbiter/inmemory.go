package arbiter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

// InMemoryTransport connects hosts and proxies living in one process. It can
// inject failures and latency so callers can exercise the error paths of the
// mutex.
type InMemoryTransport struct {
	mu      sync.RWMutex
	hosts   map[string]Handler
	fail    error
	latency time.Duration
}

// NewInMemoryTransport returns an empty transport.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{hosts: make(map[string]Handler)}
}

// Serve implements Transport.
func (t *InMemoryTransport) Serve(name string, h Handler) (io.Closer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hosts[name]; ok {
		return nil, ErrHostExists
	}
	t.hosts[name] = h
	return closerFunc(func() error {
		t.mu.Lock()
		delete(t.hosts, name)
		t.mu.Unlock()
		return nil
	}), nil
}

// Request implements Transport.
func (t *InMemoryTransport) Request(ctx context.Context, name string, req Request) (Response, error) {
	t.mu.RLock()
	h, ok := t.hosts[name]
	fail := t.fail
	latency := t.latency
	t.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if fail != nil {
		return Response{}, fail
	}
	if !ok {
		return Response{}, fmt.Errorf("%w: no host for %q", shlerrors.ErrUnreachable, name)
	}
	return h(ctx, req), nil
}

// Fail makes every following request return err. A nil err restores normal
// delivery.
func (t *InMemoryTransport) Fail(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

// SetLatency delays every following request by d.
func (t *InMemoryTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	t.latency = d
	t.mu.Unlock()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
