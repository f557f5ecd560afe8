package mutex

import (
	"time"

	"github.com/go-logr/logr"
)

// DefaultInterval bounds both the contended retry loop and the yield settle
// wait.
const DefaultInterval = 500 * time.Millisecond

type options struct {
	interval time.Duration
	logger   logr.Logger
}

// Option configures a Mutex.
type Option func(*options)

// WithInterval overrides DefaultInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger sets the logger for failures that cannot be returned to a
// caller, such as a release triggered by a peer's announcement.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) options {
	o := options{interval: DefaultInterval, logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
