package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient is one WebSocket consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// reply pushes a frame to this client only, dropping it if the client is slow.
func (c *wsClient) reply(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// handleWS upgrades the connection and registers the client for frames.
// Incoming messages of the form {"command": "<hex>"} are forwarded to the
// blind; anything else earns an error frame.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	b.clientsMu.Lock()
	b.clients[client] = struct{}{}
	total := len(b.clients)
	b.clientsMu.Unlock()
	b.log.Info("websocket client connected", zap.Int("total", total))

	// Current state first, so consumers can render immediately.
	b.mu.Lock()
	state := b.client.State()
	b.mu.Unlock()
	client.reply(Frame{Type: "state", State: state.String(), Stamp: time.Now().UnixMilli()})

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine
	go func() {
		defer func() {
			// Closing under the lock keeps broadcast from sending on a
			// closed channel.
			b.clientsMu.Lock()
			delete(b.clients, client)
			close(client.send)
			total := len(b.clients)
			b.clientsMu.Unlock()
			b.log.Info("websocket client disconnected", zap.Int("total", total))
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cmd command
			if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Command == "" {
				client.reply(Frame{
					Type:    "error",
					Message: `expected {"command": "<hex>"}`,
					Stamp:   time.Now().UnixMilli(),
				})
				continue
			}
			if err := b.SendCommand(cmd.Command); err != nil {
				client.reply(Frame{Type: "error", Message: err.Error(), Stamp: time.Now().UnixMilli()})
			}
		}
	}()
}

// handleHealth reports bridge status as JSON.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	state := b.client.State()
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"device": b.device,
		"state":  state.String(),
	})
}

// broadcast fans a frame out to all WebSocket clients, skipping clients
// whose send buffers are full.
func (b *Bridge) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
