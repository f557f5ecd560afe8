package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	arbnats "github.com/mirkobrombin/go-shardlock/v1/arbiter/nats"
	"github.com/mirkobrombin/go-shardlock/v1/mutex"
	"github.com/mirkobrombin/go-shardlock/v1/presets"
	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

func newArbiterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "arbiter",
		Short: "Host the arbiter of every resource over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runArbiter(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

func newTickerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ticker",
		Short: "Run a tick processor that locks every resource once per tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runTicker(cmd.Context(), cfg, newLogger(cfg), cmd.OutOrStdout())
		},
	}
}

func newDemoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run several simulated processes in memory and check mutual exclusion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dropRate, _ := cmd.Flags().GetFloat64("drop-rate")
			return runDemo(cmd.Context(), cfg, dropRate, newLogger(cfg), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Float64("drop-rate", 0, "fraction of broadcasts to drop")
	return cmd
}

func runArbiter(ctx context.Context, cfg config, logger logr.Logger) error {
	url := cfg.NATSURL
	if cfg.EmbeddedNATS {
		s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: cfg.EmbeddedNATSPort, NoSigs: true})
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		go s.Start()
		defer s.Shutdown()
		if !s.ReadyForConnections(5 * time.Second) {
			return errors.New("embedded nats: not ready")
		}
		url = s.ClientURL()
		logger.Info("embedded nats started", "url", url)
	}

	conn, err := connectNATS(url, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	tr := arbnats.New(conn, arbnats.WithLogger(logger))
	hosts := make([]*arbiter.Host, 0, len(cfg.Resources))
	defer func() {
		for _, h := range hosts {
			_ = h.Close()
		}
	}()
	for _, name := range cfg.Resources {
		h, err := arbiter.Create(tr, name)
		if err != nil {
			return err
		}
		hosts = append(hosts, h)
		logger.Info("hosting arbiter", "resource", name)
	}

	reg := newMetricsRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "shardlock_arbiter_occupied",
		Help: "Number of hosted arbiter flags currently set",
	}, func() float64 {
		var n float64
		for _, h := range hosts {
			if h.Occupied() {
				n++
			}
		}
		return n
	}))
	return serveHTTP(ctx, cfg.HTTPAddr, reg, nil, logger)
}

func runTicker(ctx context.Context, cfg config, logger logr.Logger, out io.Writer) error {
	shutdown, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	be, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	reg := presets.New(be.bus, be.locks, mutex.WithInterval(cfg.Interval), mutex.WithLogger(logger))
	defer func() { _ = reg.Close() }()

	p := newTickProcessor(reg, cfg.Resources, logger)
	err = runWithHTTP(ctx, cfg, be.bus, logger, func(ctx context.Context) error {
		return p.run(ctx, cfg.Tick, cfg.Ticks, nil)
	})
	p.report(out, "ticker")
	return err
}

func runDemo(ctx context.Context, cfg config, dropRate float64, logger logr.Logger, out io.Writer) error {
	shutdown, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	network := presets.NewNetwork()
	bus := syncbus.NewLossyBus(network.Bus, dropRate, time.Now().UnixNano())

	guards := make(map[string]*atomic.Int32, len(cfg.Resources))
	for _, name := range cfg.Resources {
		guards[name] = new(atomic.Int32)
	}
	var overlaps atomic.Int64
	section := func(ctx context.Context, name string) error {
		if guards[name].Add(1) != 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		guards[name].Add(-1)
		return nil
	}

	procs := make([]*tickProcessor, cfg.Workers)
	for i := range procs {
		wl := logger.WithValues("worker", i)
		reg := presets.New(bus, presets.SharedLocks(network.Transport), mutex.WithInterval(cfg.Interval), mutex.WithLogger(wl))
		defer func() { _ = reg.Close() }()
		procs[i] = newTickProcessor(reg, cfg.Resources, wl)
	}

	err = runWithHTTP(ctx, cfg, bus, logger, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range procs {
			g.Go(func() error { return p.run(gctx, cfg.Tick, cfg.Ticks, section) })
		}
		return g.Wait()
	})
	for i, p := range procs {
		p.report(out, fmt.Sprintf("worker %d", i))
	}
	fmt.Fprintf(out, "broadcasts dropped: %d\n", bus.Dropped())
	if err != nil {
		return err
	}
	if n := overlaps.Load(); n > 0 {
		return fmt.Errorf("mutual exclusion violated %d times", n)
	}
	fmt.Fprintln(out, "mutual exclusion held")
	return nil
}

// runWithHTTP runs work next to the HTTP endpoints and stops them when work
// returns.
func runWithHTTP(ctx context.Context, cfg config, bus syncbus.Bus, logger logr.Logger, work func(context.Context) error) error {
	reg := newMetricsRegistry()
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	g.Go(func() error { return serveHTTP(runCtx, cfg.HTTPAddr, reg, bus, logger) })
	g.Go(func() error {
		defer stop()
		return work(runCtx)
	})
	return g.Wait()
}

// tickProcessor locks every resource in turn once per tick, the way a
// simulation step touches each shard it owns.
type tickProcessor struct {
	reg       *mutex.Registry
	resources []string
	logger    logr.Logger
	counts    map[string]int
}

func newTickProcessor(reg *mutex.Registry, resources []string, logger logr.Logger) *tickProcessor {
	return &tickProcessor{reg: reg, resources: resources, logger: logger, counts: make(map[string]int)}
}

// run stops after ticks ticks, or when ctx is done if ticks is zero.
func (p *tickProcessor) run(ctx context.Context, tick time.Duration, ticks int, section func(context.Context, string) error) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for n := 0; ticks == 0 || n < ticks; n++ {
		for _, name := range p.resources {
			m, err := p.reg.Get(ctx, name)
			if err != nil {
				return err
			}
			err = m.Scope(ctx, func(ctx context.Context) error {
				p.counts[name]++
				if section != nil {
					return section(ctx, name)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		p.logger.V(1).Info("tick done", "tick", n)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	return nil
}

func (p *tickProcessor) report(out io.Writer, label string) {
	names := make([]string, 0, len(p.counts))
	for name := range p.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "%s:", label)
	for _, name := range names {
		fmt.Fprintf(out, " %s=%d", name, p.counts[name])
	}
	fmt.Fprintln(out)
}
