package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

func TestWebSocketHandlerStreamsFrames(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?name=shard-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	peer := Connect(bus, "shard-1")
	defer peer.Disconnect()
	done := make(chan struct{})
	defer close(done)
	// The tap subscribes asynchronously, so keep announcing until it hears us.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = peer.Publish(context.Background(), Waiting)
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Name != "shard-1" || f.Message != "waiting" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestWebSocketHandlerMissingName(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(syncbus.NewInMemoryBus()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
