// Package redis keeps the arbiter flag in a Redis key. The Redis server plays
// the host role, so every participant holds a Lock and none of them needs to
// be elected.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

// DefaultPrefix namespaces the flag keys.
const DefaultPrefix = "shardlock:arbiter:"

// Lock implements arbiter.Lock with SETNX and DEL. The flag never expires and
// Release deletes it whoever set it.
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string
	closed atomic.Bool
}

var _ arbiter.Lock = (*Lock)(nil)

// New returns a Lock for name. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix, name string) *Lock {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Lock{client: client, key: prefix + name, token: uuid.NewString()}
}

// Key returns the Redis key holding the flag.
func (l *Lock) Key() string { return l.key }

// Token returns the value this lock writes when it sets the flag. It only
// helps operators see who set it.
func (l *Lock) Token() string { return l.token }

// TryAcquire implements arbiter.Lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if l.closed.Load() {
		return false, arbiter.ErrClosed
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, 0).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// Release implements arbiter.Lock.
func (l *Lock) Release(ctx context.Context) error {
	if l.closed.Load() {
		return arbiter.ErrClosed
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return mapErr(err)
	}
	return nil
}

// Close implements arbiter.Lock. The client stays open.
func (l *Lock) Close() error {
	l.closed.Store(true)
	return nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, redis.ErrClosed):
		return shlerrors.ErrConnectionClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", shlerrors.ErrUnreachable, err)
}
