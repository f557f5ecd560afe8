// Package nats carries arbiter requests over NATS request/reply. Each name
// maps to one subject answered by exactly one host subscription.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

const (
	// DefaultPrefix is prepended to every resource name to build its subject.
	DefaultPrefix  = "shardlock.arbiter."
	defaultTimeout = 2 * time.Second
	checkTimeout   = 250 * time.Millisecond
)

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithTimeout bounds each request that carries no deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithLogger sets the logger used by served hosts.
func WithLogger(l logr.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport implements arbiter.Transport on a NATS connection.
type Transport struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  logr.Logger
}

// New returns a Transport using conn.
func New(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:    conn,
		prefix:  DefaultPrefix,
		timeout: defaultTimeout,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) subject(name string) string {
	return t.prefix + name
}

// Serve implements arbiter.Transport. It checks the subject first and refuses
// to serve a name that already answers.
func (t *Transport) Serve(name string, h arbiter.Handler) (io.Closer, error) {
	subject := t.subject(name)
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	_, err := t.Request(ctx, name, arbiter.Request{Method: arbiter.MethodPing})
	cancel()
	if err == nil {
		return nil, arbiter.ErrHostExists
	}

	logger := t.logger.WithValues("subject", subject)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		var req arbiter.Request
		var resp arbiter.Response
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp.Err = fmt.Sprintf("decode request: %v", err)
		} else {
			resp = h(context.Background(), req)
		}
		data, _ := json.Marshal(resp)
		if err := msg.Respond(data); err != nil {
			logger.Error(err, "respond failed", "method", req.Method)
		}
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if err := t.conn.FlushTimeout(defaultTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, mapErr(err)
	}
	logger.V(1).Info("serving arbiter")
	return closerFunc(sub.Unsubscribe), nil
}

// Request implements arbiter.Transport.
func (t *Transport) Request(ctx context.Context, name string, req arbiter.Request) (arbiter.Response, error) {
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return arbiter.Response{}, err
	}
	msg, err := t.conn.RequestWithContext(ctx, t.subject(name), data)
	if err != nil {
		return arbiter.Response{}, mapErr(err)
	}
	var resp arbiter.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return arbiter.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %v", shlerrors.ErrUnreachable, err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return shlerrors.ErrConnectionClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %v", shlerrors.ErrTimeout, err)
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
