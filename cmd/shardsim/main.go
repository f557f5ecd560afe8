// Command shardsim runs the processes of a sharded simulation around the
// distributed mutex: arbiter hosts, tick processors and a self-contained demo.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-shardlock/v1/mutex"
)

type config struct {
	Bus              string
	RedisAddr        string
	NATSURL          string
	KafkaBrokers     []string
	Resources        []string
	Interval         time.Duration
	Tick             time.Duration
	Ticks            int
	Workers          int
	HTTPAddr         string
	Trace            bool
	Verbosity        int
	EmbeddedNATS     bool
	EmbeddedNATSPort int
	CircuitThreshold int
	CircuitTimeout   time.Duration
}

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx = withSignalCancel(ctx)
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "shardsim: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shardsim",
		Short:         "Sharded simulation processes coordinated by distributed mutexes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("bus", "memory", "broadcast bus: memory, redis, nats or kafka")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS URL, also used for the arbiter with the nats and kafka buses")
	flags.StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka brokers")
	flags.StringSlice("resources", []string{"shard-0", "shard-1", "shard-2"}, "resource names")
	flags.Duration("interval", mutex.DefaultInterval, "mutex retry and settle interval")
	flags.Duration("tick", 50*time.Millisecond, "tick period")
	flags.Int("ticks", 0, "number of ticks to run, 0 runs until interrupted")
	flags.Int("workers", 4, "simulated processes in the demo")
	flags.String("http-addr", "", "address for /metrics and /watch, empty disables")
	flags.Bool("trace", false, "print OpenTelemetry spans to stdout")
	flags.IntP("verbosity", "v", 0, "log verbosity")
	flags.Bool("embedded-nats", false, "start an embedded NATS server (arbiter command)")
	flags.Int("embedded-nats-port", 4222, "client port of the embedded NATS server")
	flags.Int("circuit-threshold", 0, "consecutive publish failures that open the bus circuit, 0 disables")
	flags.Duration("circuit-timeout", 5*time.Second, "time the bus circuit stays open")

	flags.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
	viper.SetEnvPrefix("SHARDSIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newArbiterCommand(), newTickerCommand(), newDemoCommand())
	return cmd
}

func loadConfig() (config, error) {
	cfg := config{
		Bus:              strings.ToLower(strings.TrimSpace(viper.GetString("bus"))),
		RedisAddr:        viper.GetString("redis-addr"),
		NATSURL:          viper.GetString("nats-url"),
		KafkaBrokers:     viper.GetStringSlice("kafka-brokers"),
		Resources:        viper.GetStringSlice("resources"),
		Interval:         viper.GetDuration("interval"),
		Tick:             viper.GetDuration("tick"),
		Ticks:            viper.GetInt("ticks"),
		Workers:          viper.GetInt("workers"),
		HTTPAddr:         viper.GetString("http-addr"),
		Trace:            viper.GetBool("trace"),
		Verbosity:        viper.GetInt("verbosity"),
		EmbeddedNATS:     viper.GetBool("embedded-nats"),
		EmbeddedNATSPort: viper.GetInt("embedded-nats-port"),
		CircuitThreshold: viper.GetInt("circuit-threshold"),
		CircuitTimeout:   viper.GetDuration("circuit-timeout"),
	}
	if len(cfg.Resources) == 0 {
		return cfg, errors.New("at least one resource is required")
	}
	if cfg.Tick <= 0 {
		return cfg, fmt.Errorf("tick must be positive, got %s", cfg.Tick)
	}
	if cfg.Ticks < 0 {
		return cfg, fmt.Errorf("ticks must not be negative, got %d", cfg.Ticks)
	}
	switch cfg.Bus {
	case "memory", "redis", "nats", "kafka":
	default:
		return cfg, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
