package syncbus

import (
	"sync"
	"sync/atomic"

	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

// Fanout multiplexes one upstream subscription per key onto any number of
// local subscriber channels. Remote buses keep their backend handle in U.
type Fanout[U any] struct {
	mu        sync.Mutex
	keys      map[string]*fanoutKey[U]
	seen      *Seen
	delivered atomic.Uint64
	closed    bool
}

type fanoutKey[U any] struct {
	upstream U
	chans    []chan Event
}

// NewFanout returns an empty Fanout. Payloads whose id is already in seen are
// dropped.
func NewFanout[U any](seen *Seen) *Fanout[U] {
	return &Fanout[U]{keys: make(map[string]*fanoutKey[U]), seen: seen}
}

// Join registers a new subscriber channel for key. open runs for the first
// subscriber of a key only, with the fanout locked, and must not call back
// into the Fanout.
func (f *Fanout[U]) Join(key string, open func() (U, error)) (chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, shlerrors.ErrConnectionClosed
	}
	k := f.keys[key]
	if k == nil {
		up, err := open()
		if err != nil {
			return nil, err
		}
		k = &fanoutKey[U]{upstream: up}
		f.keys[key] = k
	}
	ch := make(chan Event, 1)
	k.chans = append(k.chans, ch)
	return ch, nil
}

// Leave closes ch and forgets it. When ch was the last subscriber of key the
// upstream handle is returned with last set; the caller tears it down.
func (f *Fanout[U]) Leave(key string, ch <-chan Event) (up U, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keys[key]
	if k == nil {
		return up, false
	}
	for i, c := range k.chans {
		if c == ch {
			k.chans = append(k.chans[:i], k.chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(k.chans) > 0 {
		return up, false
	}
	delete(f.keys, key)
	return k.upstream, true
}

// Deliver decodes payload and offers the event to every subscriber of key.
// Subscribers with a full buffer miss it.
func (f *Fanout[U]) Deliver(key string, payload []byte) {
	env := DecodeEnvelope(payload)
	if f.seen != nil && f.seen.Check(env.ID) {
		return
	}
	evt := env.Event(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keys[key]
	if k == nil {
		return
	}
	for _, c := range k.chans {
		select {
		case c <- evt:
			f.delivered.Add(1)
		default:
		}
	}
}

// Subscribers returns the number of local subscribers of key.
func (f *Fanout[U]) Subscribers(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k := f.keys[key]; k != nil {
		return len(k.chans)
	}
	return 0
}

// Delivered returns how many events reached a subscriber channel.
func (f *Fanout[U]) Delivered() uint64 {
	return f.delivered.Load()
}

// Close closes every subscriber channel, refuses further joins and returns
// the upstream handles still open.
func (f *Fanout[U]) Close() []U {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	ups := make([]U, 0, len(f.keys))
	for key, k := range f.keys {
		for _, c := range k.chans {
			close(c)
		}
		ups = append(ups, k.upstream)
		delete(f.keys, key)
	}
	return ups
}
