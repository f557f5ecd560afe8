package channel

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

// Frame is one tapped announcement as streamed by WebSocketHandler.
type Frame struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the announcements of the channel named by the
// "name" query parameter as JSON frames. The tap only observes; it never
// publishes.
func WebSocketHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		tap := Connect(bus, name)
		defer tap.Disconnect()

		frames := make(chan Frame, 16)
		unsubscribe, err := tap.Listen(ctx, func(msg Message) {
			select {
			case frames <- Frame{Name: name, Message: msg.String()}:
			default:
			}
		})
		if err != nil {
			return
		}
		defer unsubscribe()

		// Reads only detect the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case f := <-frames:
				data, _ := json.Marshal(f)
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
