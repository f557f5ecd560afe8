package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	"github.com/mirkobrombin/go-shardlock/v1/channel"
	"github.com/mirkobrombin/go-shardlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-shardlock/v1/mutex")

var (
	// ErrNotLocked is returned by Unlock without a matching Lock.
	ErrNotLocked = errors.New("mutex: not locked")
	// ErrDisconnected is returned by operations on a disconnected mutex.
	ErrDisconnected = errors.New("mutex: disconnected")
)

// grant is what a local waiter receives when the previous holder lets go.
type grant uint8

const (
	// grantOwned hands over the critical section as is.
	grantOwned grant = iota
	// grantAcquire means the previous acquirer failed and the waiter must
	// contact the arbiter itself.
	grantAcquire
)

// watch is the single-shot subscription for peers' "waiting" announcements.
// Its identity doubles as a generation token: a handler acts only while its
// watch is still the installed one.
type watch struct {
	cancel context.CancelFunc
}

// yield tracks one release of the arbiter lock back to the peers.
type yield struct {
	released chan struct{}
	done     chan struct{}
}

// Mutex is one process's handle on a named distributed lock. It owns its
// channel and arbiter lock exclusively. Methods are safe for concurrent use.
type Mutex struct {
	name     string
	ch       *channel.Channel
	lk       arbiter.Lock
	interval time.Duration
	logger   logr.Logger

	mu        sync.Mutex
	held      bool
	peerWatch *watch
	yielding  *yield
	waiters   []chan grant

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a Mutex over ch and lk. The resource name is the channel name.
func New(ch *channel.Channel, lk arbiter.Lock, opts ...Option) *Mutex {
	o := applyOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Mutex{
		name:     ch.Name(),
		ch:       ch,
		lk:       lk,
		interval: o.interval,
		logger:   o.logger.WithValues("resource", ch.Name()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Name returns the resource name.
func (m *Mutex) Name() string { return m.name }

// Lock blocks until the caller holds the resource exclusively, ctx is done or
// the arbiter fails. Callers in this process are served in the order they
// called Lock.
func (m *Mutex) Lock(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "mutex.Lock", trace.WithAttributes(attribute.String("shardlock.resource", m.name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.held {
		g := make(chan grant, 1)
		m.waiters = append(m.waiters, g)
		m.mu.Unlock()
		span.AddEvent("queued")
		return m.awaitLocal(ctx, g)
	}
	m.setHeldLocked(true)
	if m.peerWatch != nil {
		m.mu.Unlock()
		span.SetAttributes(attribute.String("shardlock.path", metrics.PathFast))
		metrics.LockCounter.WithLabelValues(metrics.PathFast).Inc()
		return nil
	}
	m.mu.Unlock()
	return m.acquire(ctx, span)
}

// Unlock leaves the critical section. The next local waiter, if any, takes
// over directly. Otherwise the arbiter lock is kept soft-held, or released
// right away when a peer has already asked for it.
func (m *Mutex) Unlock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "mutex.Unlock", trace.WithAttributes(attribute.String("shardlock.resource", m.name)))
	defer span.End()

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if !m.held {
		m.mu.Unlock()
		return ErrNotLocked
	}
	if len(m.waiters) > 0 {
		g := m.popWaiterLocked()
		m.mu.Unlock()
		g <- grantOwned
		return nil
	}
	m.setHeldLocked(false)
	if m.peerWatch != nil {
		m.mu.Unlock()
		return nil
	}
	y := m.beginYieldLocked()
	m.mu.Unlock()

	if err := m.yield(ctx, y); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Disconnect stops every timer and listener and detaches the channel and the
// arbiter lock. A held lock is not released. Blocked Lock calls return
// ErrDisconnected.
func (m *Mutex) Disconnect() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		if m.peerWatch != nil {
			m.peerWatch.cancel()
			m.peerWatch = nil
		}
		m.mu.Unlock()
		err = errors.Join(m.ch.Disconnect(), m.lk.Close())
	})
	return err
}

func (m *Mutex) awaitLocal(ctx context.Context, gch chan grant) error {
	var err error
	select {
	case g := <-gch:
		return m.granted(ctx, g)
	case <-ctx.Done():
		err = ctx.Err()
	case <-m.ctx.Done():
		err = ErrDisconnected
	}

	m.mu.Lock()
	for i, w := range m.waiters {
		if w == gch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	// The grant raced with cancellation; pass it on so the queue keeps moving.
	if g := <-gch; g == grantOwned {
		if uerr := m.Unlock(context.WithoutCancel(ctx)); uerr != nil && !errors.Is(uerr, ErrDisconnected) {
			m.logger.Error(uerr, "passing on abandoned grant")
		}
	} else {
		m.abort()
	}
	return err
}

func (m *Mutex) granted(ctx context.Context, g grant) error {
	if g == grantOwned {
		metrics.LockCounter.WithLabelValues(metrics.PathLocal).Inc()
		return nil
	}
	return m.acquire(ctx, trace.SpanFromContext(ctx))
}

// acquire runs with held already set and the arbiter lock not owned.
func (m *Mutex) acquire(ctx context.Context, span trace.Span) error {
	m.mu.Lock()
	y := m.yielding
	m.mu.Unlock()
	if y != nil {
		m.publish(ctx, channel.Waiting)
		select {
		case <-y.done:
		case <-ctx.Done():
			m.abort()
			return ctx.Err()
		case <-m.ctx.Done():
			m.abort()
			return ErrDisconnected
		}
	}

	m.watchPeers()

	ok, err := m.tryAcquire(ctx)
	if err != nil {
		m.abort()
		return err
	}
	path := metrics.PathArbiter
	if !ok {
		if err := m.contend(ctx); err != nil {
			m.abort()
			return err
		}
		path = metrics.PathContended
	}
	span.SetAttributes(attribute.String("shardlock.path", path))
	metrics.LockCounter.WithLabelValues(path).Inc()
	return nil
}

// watchPeers installs the single-shot "waiting" subscription. Without it the
// next Unlock yields at once, so a failed subscription only costs the fast
// path.
func (m *Mutex) watchPeers() {
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{cancel: cancel}

	m.mu.Lock()
	m.peerWatch = w
	m.mu.Unlock()

	_, err := m.ch.ListenFor(ctx, channel.Waiting, func(channel.Message) {
		m.onWaiting(w)
	})
	if err != nil {
		m.logger.Error(err, "watching peers failed, lock will not be soft-held")
		m.mu.Lock()
		if m.peerWatch == w {
			m.peerWatch = nil
		}
		m.mu.Unlock()
		cancel()
	}
}

func (m *Mutex) onWaiting(w *watch) {
	m.mu.Lock()
	if m.peerWatch != w {
		m.mu.Unlock()
		return
	}
	m.peerWatch = nil
	w.cancel()
	if m.held {
		// Unlock will see the missing watch and yield then.
		m.mu.Unlock()
		return
	}
	y := m.beginYieldLocked()
	m.mu.Unlock()

	if err := m.yield(m.ctx, y); err != nil {
		m.logger.Error(err, "yield to waiting peer failed")
	}
}

// contend retries the arbiter on every "unlocked" broadcast and on every
// interval tick until it wins. Both triggers feed one loop, so a tick racing
// a broadcast costs at most one extra attempt.
func (m *Mutex) contend(ctx context.Context) error {
	lctx, stop := context.WithCancel(ctx)
	defer stop()

	wake := make(chan struct{}, 1)
	_, err := m.ch.ListenFor(lctx, channel.Unlocked, func(channel.Message) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		m.logger.Error(err, "listening for unlocks failed, falling back to polling")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.publish(ctx, channel.Waiting)
	for {
		select {
		case <-wake:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrDisconnected
		}
		ok, err := m.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		m.publish(ctx, channel.Waiting)
	}
}

// abort undoes a failed acquisition. The first local waiter inherits the
// duty to acquire.
func (m *Mutex) abort() {
	m.mu.Lock()
	if m.peerWatch != nil {
		m.peerWatch.cancel()
		m.peerWatch = nil
	}
	if len(m.waiters) > 0 {
		g := m.popWaiterLocked()
		m.mu.Unlock()
		g <- grantAcquire
		return
	}
	m.setHeldLocked(false)
	m.mu.Unlock()
}

func (m *Mutex) beginYieldLocked() *yield {
	y := &yield{released: make(chan struct{}), done: make(chan struct{})}
	m.yielding = y
	return y
}

// yield releases the arbiter lock and announces it. The yield settles on the
// first peer "unlocked" broadcast or after one interval, and never before the
// release call returned, so a local Lock waiting on it cannot race its own
// release at the arbiter.
func (m *Mutex) yield(ctx context.Context, y *yield) error {
	metrics.YieldCounter.Inc()

	lctx, stop := context.WithCancel(m.ctx)
	wake := make(chan struct{}, 1)
	if _, err := m.ch.ListenFor(lctx, channel.Unlocked, func(channel.Message) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}); err != nil {
		m.logger.V(1).Info("yield settles on timer only", "err", err.Error())
	}

	go func() {
		timer := time.NewTimer(m.interval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-wake:
		case <-lctx.Done():
		}
		stop()
		<-y.released
		m.mu.Lock()
		if m.yielding == y {
			m.yielding = nil
		}
		m.mu.Unlock()
		close(y.done)
	}()

	// Once held is cleared no caller owns the flag, so the release must not
	// be abandoned halfway.
	err := m.lk.Release(context.WithoutCancel(ctx))
	close(y.released)
	if err != nil {
		return fmt.Errorf("mutex %q: release: %w", m.name, err)
	}
	m.publish(ctx, channel.Unlocked)
	return nil
}

// tryAcquire runs the arbiter round trip to completion even when ctx is
// canceled: a remote host may set the flag after the caller gave up, and only
// this mutex can clear it again. A flag won after cancellation is released.
func (m *Mutex) tryAcquire(ctx context.Context) (bool, error) {
	metrics.ArbiterAttempts.Inc()
	ok, err := m.lk.TryAcquire(context.WithoutCancel(ctx))
	if err != nil {
		if m.ctx.Err() != nil {
			return false, ErrDisconnected
		}
		return false, fmt.Errorf("mutex %q: try acquire: %w", m.name, err)
	}
	if cerr := ctx.Err(); cerr != nil {
		if ok {
			m.giveBack(context.WithoutCancel(ctx))
		}
		return false, cerr
	}
	return ok, nil
}

// giveBack releases a flag nobody is going to use and tells waiting peers.
func (m *Mutex) giveBack(ctx context.Context) {
	if err := m.lk.Release(ctx); err != nil {
		m.logger.Error(err, "releasing flag won after cancellation")
		return
	}
	m.publish(ctx, channel.Unlocked)
}

// publish is fire and forget: a lost announcement is absorbed by polling.
func (m *Mutex) publish(ctx context.Context, msg channel.Message) {
	if err := m.ch.Publish(ctx, msg); err != nil {
		m.logger.V(1).Info("publish failed", "message", msg.String(), "err", err.Error())
		return
	}
	metrics.PublishedCounter.WithLabelValues(msg.String()).Inc()
}

func (m *Mutex) popWaiterLocked() chan grant {
	g := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	return g
}

func (m *Mutex) setHeldLocked(v bool) {
	if m.held == v {
		return
	}
	m.held = v
	if v {
		metrics.HeldGauge.Inc()
	} else {
		metrics.HeldGauge.Dec()
	}
}
