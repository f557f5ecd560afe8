package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquisition paths recorded by LockCounter.
const (
	PathLocal     = "local"
	PathFast      = "fast"
	PathArbiter   = "arbiter"
	PathContended = "contended"
)

var (
	// LockCounter tracks completed Lock calls by the path that granted them.
	LockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardlock_lock_total",
		Help: "Total number of granted Lock calls by acquisition path",
	}, []string{"path"})
	// ArbiterAttempts tracks TryAcquire round trips to the arbiter.
	ArbiterAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlock_arbiter_attempts_total",
		Help: "Total number of arbiter TryAcquire attempts",
	})
	// YieldCounter tracks soft-held holds given up to a remote participant.
	YieldCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardlock_yield_total",
		Help: "Total number of yields to remote waiters",
	})
	// HeldGauge reports the number of mutexes currently held locally.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardlock_held",
		Help: "Current number of locally held mutexes",
	})
	// PublishedCounter tracks channel messages sent by message type.
	PublishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardlock_channel_published_total",
		Help: "Total number of channel messages published",
	}, []string{"message"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMutexMetrics registers the mutex metrics on the provided registry.
func RegisterMutexMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockCounter, ArbiterAttempts, YieldCounter, HeldGauge, PublishedCounter)
}
