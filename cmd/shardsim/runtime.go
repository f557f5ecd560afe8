package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	arbnats "github.com/mirkobrombin/go-shardlock/v1/arbiter/nats"
	"github.com/mirkobrombin/go-shardlock/v1/channel"
	"github.com/mirkobrombin/go-shardlock/v1/metrics"
	"github.com/mirkobrombin/go-shardlock/v1/presets"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
	buskafka "github.com/mirkobrombin/go-shardlock/v1/syncbus/kafka"
	busnats "github.com/mirkobrombin/go-shardlock/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-shardlock/v1/syncbus/redis"
)

func newLogger(cfg config) logr.Logger {
	stdr.SetVerbosity(cfg.Verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("shardsim")
}

// setupTracing installs the stdout exporter when tracing is enabled. The
// returned function flushes and stops it.
func setupTracing(cfg config) (func(context.Context) error, error) {
	if !cfg.Trace {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newMetricsRegistry() *prometheus.Registry {
	reg := metrics.NewRegistry()
	metrics.RegisterMutexMetrics(reg)
	return reg
}

// serveHTTP exposes /metrics and, when bus is set, the /watch channel tap
// until ctx is done.
func serveHTTP(ctx context.Context, addr string, reg *prometheus.Registry, bus syncbus.Bus, logger logr.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if bus != nil {
		mux.Handle("/watch", channel.WebSocketHandler(bus))
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("http listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// backend is the bus and the arbiter access a process uses.
type backend struct {
	bus     syncbus.Bus
	locks   presets.LockFactory
	closers []func() error
}

func (b *backend) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func connectNATS(url string, logger logr.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("shardsim"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, "nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// newBackend builds the bus named by cfg.Bus. The nats and kafka buses reach
// arbiters hosted by `shardsim arbiter` over NATS; redis keeps the flags in
// Redis; memory hosts everything in this process.
func newBackend(ctx context.Context, cfg config, logger logr.Logger) (*backend, error) {
	b := &backend{}
	switch cfg.Bus {
	case "memory":
		n := presets.NewNetwork()
		b.bus = n.Bus
		b.locks = presets.SharedLocks(n.Transport)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		bus := busredis.NewRedisBus(busredis.RedisBusOptions{Client: client})
		b.bus = bus
		b.locks = presets.RedisLocks(client, "")
		b.closers = append(b.closers, client.Close, bus.Close)
	case "nats", "kafka":
		conn, err := connectNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
		b.locks = presets.ProxyLocks(arbnats.New(conn, arbnats.WithLogger(logger)))
		if cfg.Bus == "nats" {
			bus := busnats.NewNATSBus(conn)
			b.bus = bus
			b.closers = append(b.closers, bus.Close)
			break
		}
		bus, err := buskafka.NewKafkaBus(cfg.KafkaBrokers, nil)
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		b.bus = bus
		b.closers = append(b.closers, bus.Close)
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
	if cfg.CircuitThreshold > 0 {
		b.bus = syncbus.NewCircuitBreaker(b.bus, cfg.CircuitThreshold, cfg.CircuitTimeout)
	}
	return b, nil
}
