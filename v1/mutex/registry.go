package mutex

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrRegistryClosed is returned by Get after Close.
var ErrRegistryClosed = errors.New("mutex: registry closed")

// Factory builds the Mutex for a resource name.
type Factory func(ctx context.Context, name string) (*Mutex, error)

// Registry keeps one Mutex per resource name in a process, so every component
// of the process shares the same local queue for a resource.
type Registry struct {
	factory Factory
	group   singleflight.Group

	mu      sync.RWMutex
	mutexes map[string]*Mutex
	onClose []func() error
	closed  bool
}

// NewRegistry returns a Registry building mutexes with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, mutexes: make(map[string]*Mutex)}
}

// OnClose registers fn to run after every mutex is disconnected by Close.
// Hooks run in reverse registration order.
func (r *Registry) OnClose(fn func() error) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// Get returns the Mutex for name, building it on first use. Concurrent first
// calls share one factory invocation.
func (r *Registry) Get(ctx context.Context, name string) (*Mutex, error) {
	r.mu.RLock()
	m, ok := r.mutexes[name]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return m, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		m, ok := r.mutexes[name]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}
		m, err := r.factory(ctx, name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = m.Disconnect()
			return nil, ErrRegistryClosed
		}
		r.mutexes[name] = m
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Mutex), nil
}

// Names returns the names of the mutexes built so far.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mutexes))
	for name := range r.mutexes {
		names = append(names, name)
	}
	return names
}

// Close disconnects every mutex and runs the OnClose hooks.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	mutexes := r.mutexes
	r.mutexes = make(map[string]*Mutex)
	hooks := r.onClose
	r.mu.Unlock()

	var errs []error
	for _, m := range mutexes {
		errs = append(errs, m.Disconnect())
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		errs = append(errs, hooks[i]())
	}
	return errors.Join(errs...)
}
