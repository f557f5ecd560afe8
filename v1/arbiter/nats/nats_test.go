package nats

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-shardlock/v1/arbiter"
	shlerrors "github.com/mirkobrombin/go-shardlock/v1/errors"
)

func newTransport(t *testing.T) (*Transport, *nats.Conn) {
	t.Helper()
	addr := os.Getenv("SHARDLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error
	if addr != "" {
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	// Unique prefix keeps runs against a shared server apart.
	return New(conn, WithPrefix("test."+uuid.NewString()+".")), conn
}

func TestHostAndProxyOverNATS(t *testing.T) {
	tr, _ := newTransport(t)
	h, err := arbiter.Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	p := arbiter.Connect(tr, "shard")
	ctx := context.Background()
	if ok, err := p.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("tryAcquire: %v ok %v", err, ok)
	}
	if ok, err := p.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("second tryAcquire should fail, ok %v err %v", ok, err)
	}
	if err := p.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if h.Occupied() {
		t.Fatal("flag still set after remote release")
	}
}

func TestSecondHostIsRejected(t *testing.T) {
	tr, _ := newTransport(t)
	h, err := arbiter.Create(tr, "shard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()
	if _, err := arbiter.Create(tr, "shard"); !errors.Is(err, arbiter.ErrHostExists) {
		t.Fatalf("expected ErrHostExists, got %v", err)
	}
}

func TestRequestWithoutHost(t *testing.T) {
	tr, _ := newTransport(t)
	p := arbiter.Connect(tr, "missing")
	_, err := p.TryAcquire(context.Background())
	if !errors.Is(err, shlerrors.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestRequestOnClosedConnection(t *testing.T) {
	tr, conn := newTransport(t)
	conn.Close()
	_, err := tr.Request(context.Background(), "shard", arbiter.Request{Method: arbiter.MethodTryAcquire})
	if !errors.Is(err, shlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
