package arbiter

import (
	"context"
	"sync/atomic"
)

// Counts is a snapshot of the calls observed by a Counting lock.
type Counts struct {
	Attempts uint64
	Acquired uint64
	Releases uint64
}

// Counting wraps a Lock and counts the calls that reach it.
type Counting struct {
	Lock

	attempts atomic.Uint64
	acquired atomic.Uint64
	releases atomic.Uint64
}

// NewCounting wraps l.
func NewCounting(l Lock) *Counting {
	return &Counting{Lock: l}
}

// TryAcquire implements Lock.
func (c *Counting) TryAcquire(ctx context.Context) (bool, error) {
	c.attempts.Add(1)
	ok, err := c.Lock.TryAcquire(ctx)
	if ok && err == nil {
		c.acquired.Add(1)
	}
	return ok, err
}

// Release implements Lock.
func (c *Counting) Release(ctx context.Context) error {
	c.releases.Add(1)
	return c.Lock.Release(ctx)
}

// Counts returns the current counters.
func (c *Counting) Counts() Counts {
	return Counts{
		Attempts: c.attempts.Load(),
		Acquired: c.acquired.Load(),
		Releases: c.releases.Load(),
	}
}
