// Package api exposes the engine over HTTP and WebSocket: the strike table,
// ticket lifecycle operations, and live risk state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strikeline/trade-engine/internal/metrics"
	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/strike"
)

// WSMessage is the envelope for every message pushed to WebSocket clients.
type WSMessage struct {
	Type    string `json:"type"` // strike_table | ticket
	Payload any    `json:"payload"`
}

// Hub manages WebSocket connections and pushes strike table snapshots and
// ticket transitions to every connected client. All connection writes happen
// on the Run goroutine, so each connection has exactly one writer.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	ping       chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a hub; call Run in a goroutine before accepting clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		ping:       make(chan *websocket.Conn, 64),
	}
}

// Run is the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case conn := <-h.ping:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Set(float64(len(h.clients)))
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastTable pushes a full strike table snapshot.
func (h *Hub) BroadcastTable(snap *strike.TableSnapshot) {
	h.send(WSMessage{Type: "strike_table", Payload: snap})
}

// BroadcastTicket pushes one ticket after a lifecycle transition.
func (h *Hub) BroadcastTicket(t *model.TradeTicket) {
	h.send(WSMessage{Type: "ticket", Payload: t})
}

func (h *Hub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if the buffer is full; a table push is superseded by the
		// next one anyway.
	}
}

// WatchTables broadcasts the strike table whenever a new version is
// published, until ctx is cancelled.
func (h *Hub) WatchTables(ctx context.Context, tables TableSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tables.Latest()
			if snap == nil || snap.Version == last {
				continue
			}
			last = snap.Version
			h.BroadcastTable(snap)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. The write itself
	// happens on the hub loop; this goroutine only schedules it.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			select {
			case h.ping <- conn:
			default:
			}
		}
	}()
}
