// Package arbiter provides the single authoritative boolean lock behind a
// named resource. Exactly one process hosts the state (Host); every other
// process reaches it through a Proxy that forwards each call over a
// request/response Transport. No process ever shares the flag's memory.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-shardlock/v1/arbiter")

var (
	// ErrHostExists is returned when a second host is created for a name.
	ErrHostExists = errors.New("arbiter: host already exists")
	// ErrClosed is returned by a lock after Close.
	ErrClosed = errors.New("arbiter: lock closed")
	// ErrUnknownMethod is answered by a host for requests it cannot serve.
	ErrUnknownMethod = errors.New("arbiter: unknown method")
	// ErrHostFailed wraps any other error a host reports in its reply.
	ErrHostFailed = errors.New("arbiter: host failed")
)

// Lock is the capability every arbiter role exposes.
type Lock interface {
	// TryAcquire atomically sets the flag if it is clear and reports whether
	// it did. It never waits for the flag to clear.
	TryAcquire(ctx context.Context) (bool, error)
	// Release clears the flag unconditionally. Releasing a clear flag is a
	// no-op.
	Release(ctx context.Context) error
	// Close detaches this role. It never releases the flag.
	Close() error
}

// Method names a remote operation.
type Method string

const (
	MethodTryAcquire Method = "tryAcquire"
	MethodRelease    Method = "release"
	// MethodPing lets a transport detect an existing host.
	MethodPing Method = "ping"
)

// Request is the wire form of a proxy call.
type Request struct {
	Method Method `json:"m"`
}

// Response is the wire form of a host reply.
type Response struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// Handler answers requests on the host side.
type Handler func(ctx context.Context, req Request) Response

// Transport is the reliable unicast request/response transport between
// proxies and the host of a name.
type Transport interface {
	// Serve registers h as the single host of name. It fails with
	// ErrHostExists when name already has a host.
	Serve(name string, h Handler) (io.Closer, error)
	// Request sends req to the host of name and waits for the reply.
	// Failures to reach the host wrap errors.ErrUnreachable.
	Request(ctx context.Context, name string, req Request) (Response, error)
}

// Host owns the authoritative flag for one name.
type Host struct {
	name     string
	occupied atomic.Bool

	mu     sync.Mutex
	server io.Closer
	closed bool
}

// Create makes the calling process the host of name on t. Only the first
// Create for a name succeeds.
func Create(t Transport, name string) (*Host, error) {
	h := &Host{name: name}
	srv, err := t.Serve(name, h.handle)
	if err != nil {
		return nil, fmt.Errorf("arbiter: create %q: %w", name, err)
	}
	h.server = srv
	return h, nil
}

// NewLocalHost returns a host that is not served on any transport. It is
// useful when every participant lives in one process.
func NewLocalHost(name string) *Host {
	return &Host{name: name}
}

// Name returns the resource name.
func (h *Host) Name() string { return h.name }

// TryAcquire implements Lock.
func (h *Host) TryAcquire(ctx context.Context) (bool, error) {
	return h.occupied.CompareAndSwap(false, true), nil
}

// Release implements Lock.
func (h *Host) Release(ctx context.Context) error {
	h.occupied.Store(false)
	return nil
}

// Occupied reports the current flag value.
func (h *Host) Occupied() bool {
	return h.occupied.Load()
}

// Close stops serving remote requests. The local flag keeps its value.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

func (h *Host) handle(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodTryAcquire:
		ok, _ := h.TryAcquire(ctx)
		return Response{OK: ok}
	case MethodRelease:
		_ = h.Release(ctx)
		return Response{OK: true}
	case MethodPing:
		return Response{OK: true}
	}
	return Response{Err: fmt.Sprintf("%s: %q", ErrUnknownMethod, req.Method)}
}

// Proxy forwards every call to the host of a name. It keeps no state besides
// its own closed flag.
type Proxy struct {
	name      string
	transport Transport
	closed    atomic.Bool
}

// Connect returns a proxy for name on t. Connecting does not contact the
// host, so calls fail with an unreachable error until one exists.
func Connect(t Transport, name string) *Proxy {
	return &Proxy{name: name, transport: t}
}

// Name returns the resource name.
func (p *Proxy) Name() string { return p.name }

// TryAcquire implements Lock.
func (p *Proxy) TryAcquire(ctx context.Context) (bool, error) {
	resp, err := p.call(ctx, MethodTryAcquire)
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Release implements Lock.
func (p *Proxy) Release(ctx context.Context) error {
	_, err := p.call(ctx, MethodRelease)
	return err
}

// Close implements Lock.
func (p *Proxy) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *Proxy) call(ctx context.Context, m Method) (Response, error) {
	if p.closed.Load() {
		return Response{}, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "arbiter.Proxy."+string(m), trace.WithAttributes(attribute.String("shardlock.resource", p.name)))
	defer span.End()

	resp, err := p.transport.Request(ctx, p.name, Request{Method: m})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("arbiter: %s %q: %w", m, p.name, err)
	}
	if resp.Err != "" {
		err := fmt.Errorf("arbiter: %s %q: %w", m, p.name, hostError(resp.Err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(attribute.Bool("shardlock.ok", resp.OK))
	return resp, nil
}

// hostError turns the error text of a reply back into a sentinel the caller
// can match.
func hostError(msg string) error {
	if strings.HasPrefix(msg, ErrUnknownMethod.Error()) {
		return fmt.Errorf("%w%s", ErrUnknownMethod, strings.TrimPrefix(msg, ErrUnknownMethod.Error()))
	}
	return fmt.Errorf("%w: %s", ErrHostFailed, msg)
}
