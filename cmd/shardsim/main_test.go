package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	arbnats "github.com/mirkobrombin/go-shardlock/v1/arbiter/nats"
)

func TestDemoCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"demo", "--ticks", "5", "--tick", "1ms", "--interval", "5ms", "--workers", "3", "--resources", "a,b"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("demo: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "mutual exclusion held") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "worker 2: a=5 b=5") {
		t.Fatalf("missing worker counts:\n%s", out.String())
	}
}

func TestUnknownBusIsRejected(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"ticker", "--bus", "pigeon"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unknown bus") {
		t.Fatalf("expected unknown bus error, got %v", err)
	}
}

func TestTickerAgainstArbiterOverNATS(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	cfg := config{
		Bus:       "nats",
		NATSURL:   s.ClientURL(),
		Resources: []string{"shard-0", "shard-1"},
		Interval:  10 * time.Millisecond,
		Tick:      time.Millisecond,
		Ticks:     3,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arbiterDone := make(chan error, 1)
	go func() { arbiterDone <- runArbiter(ctx, cfg, logr.Discard()) }()

	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	tr := arbnats.New(conn)
	deadline := time.Now().Add(5 * time.Second)
	for _, name := range cfg.Resources {
		for {
			if _, err := tr.Request(ctx, name, arbiter.Request{Method: arbiter.MethodPing}); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("arbiter for %s never came up", name)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	var out bytes.Buffer
	if err := runTicker(ctx, cfg, logr.Discard(), &out); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if !strings.Contains(out.String(), "ticker: shard-0=3 shard-1=3") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	cancel()
	select {
	case err := <-arbiterDone:
		if err != nil {
			t.Fatalf("arbiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("arbiter did not stop")
	}
}
