package presets

import (
	"context"
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	arbnats "github.com/mirkobrombin/go-shardlock/v1/arbiter/nats"
	arbredis "github.com/mirkobrombin/go-shardlock/v1/arbiter/redis"
	"github.com/mirkobrombin/go-shardlock/v1/channel"
	"github.com/mirkobrombin/go-shardlock/v1/mutex"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
	busnats "github.com/mirkobrombin/go-shardlock/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-shardlock/v1/syncbus/redis"
)

// LockFactory returns the arbiter lock for a resource name.
type LockFactory func(ctx context.Context, name string) (arbiter.Lock, error)

// HostLocks makes this process the host of every resource it locks.
func HostLocks(t arbiter.Transport) LockFactory {
	return func(ctx context.Context, name string) (arbiter.Lock, error) {
		return arbiter.Create(t, name)
	}
}

// ProxyLocks reaches every resource through a proxy.
func ProxyLocks(t arbiter.Transport) LockFactory {
	return func(ctx context.Context, name string) (arbiter.Lock, error) {
		return arbiter.Connect(t, name), nil
	}
}

// SharedLocks hosts a resource when nobody does yet and proxies otherwise.
func SharedLocks(t arbiter.Transport) LockFactory {
	return func(ctx context.Context, name string) (arbiter.Lock, error) {
		h, err := arbiter.Create(t, name)
		if errors.Is(err, arbiter.ErrHostExists) {
			return arbiter.Connect(t, name), nil
		}
		return h, err
	}
}

// RedisLocks keeps every flag in Redis.
func RedisLocks(client redis.UniversalClient, prefix string) LockFactory {
	return func(ctx context.Context, name string) (arbiter.Lock, error) {
		return arbredis.New(client, prefix, name), nil
	}
}

// New returns a registry whose mutexes broadcast on bus and arbitrate through
// locks.
func New(bus syncbus.Bus, locks LockFactory, opts ...mutex.Option) *mutex.Registry {
	return mutex.NewRegistry(func(ctx context.Context, name string) (*mutex.Mutex, error) {
		ch, err := channel.Create(ctx, bus, name)
		if err != nil {
			return nil, err
		}
		lk, err := locks(ctx, name)
		if err != nil {
			_ = ch.Disconnect()
			return nil, err
		}
		return mutex.New(ch, lk, opts...), nil
	})
}

// Network is an in-process stand-in for the broadcast and request/response
// transports. Registries built from one Network behave like separate
// processes.
type Network struct {
	Bus       *syncbus.InMemoryBus
	Transport *arbiter.InMemoryTransport
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{Bus: syncbus.NewInMemoryBus(), Transport: arbiter.NewInMemoryTransport()}
}

// NewRegistry returns a registry attached to n. The first registry to lock a
// resource hosts its arbiter.
func (n *Network) NewRegistry(opts ...mutex.Option) *mutex.Registry {
	return New(n.Bus, SharedLocks(n.Transport), opts...)
}

// NewInMemory returns a registry that runs entirely in memory with no
// external dependencies.
func NewInMemory(opts ...mutex.Option) *mutex.Registry {
	return NewNetwork().NewRegistry(opts...)
}

// CircuitOptions enables a circuit breaker on the bus when Threshold is
// positive.
type CircuitOptions struct {
	Threshold int
	Timeout   time.Duration
}

func (c CircuitOptions) wrap(bus syncbus.Bus) syncbus.Bus {
	if c.Threshold <= 0 {
		return bus
	}
	return syncbus.NewCircuitBreaker(bus, c.Threshold, c.Timeout)
}

// NATSOptions configures NewNATS.
type NATSOptions struct {
	Conn *nats.Conn
	// Host makes this process the arbiter host of every resource it locks.
	Host    bool
	Circuit CircuitOptions
}

// NewNATS returns a registry broadcasting on NATS subjects and arbitrating
// over NATS request/reply.
func NewNATS(opts NATSOptions, mopts ...mutex.Option) *mutex.Registry {
	bus := busnats.NewNATSBus(opts.Conn)
	tr := arbnats.New(opts.Conn)
	locks := ProxyLocks(tr)
	if opts.Host {
		locks = HostLocks(tr)
	}
	r := New(opts.Circuit.wrap(bus), locks, mopts...)
	r.OnClose(bus.Close)
	return r
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Client overrides Addr, Password and DB. It is not closed by the
	// registry.
	Client redis.UniversalClient
	// Prefix namespaces both the bus channels and the arbiter flag keys, so
	// registries with different prefixes share nothing on one Redis.
	Prefix  string
	Circuit CircuitOptions
}

// NewRedis returns a registry using Redis for both the broadcast bus and the
// arbiter flags.
func NewRedis(opts RedisOptions, mopts ...mutex.Option) *mutex.Registry {
	client := opts.Client
	owned := client == nil
	if owned {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	bus := busredis.NewRedisBus(busredis.RedisBusOptions{Client: client, Prefix: opts.Prefix})
	r := New(opts.Circuit.wrap(bus), RedisLocks(client, opts.Prefix+arbredis.DefaultPrefix), mopts...)
	if owned {
		r.OnClose(client.Close)
	}
	r.OnClose(bus.Close)
	return r
}
