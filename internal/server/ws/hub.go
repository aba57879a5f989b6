// Package ws bridges the Redis signal bus to WebSocket clients so operator
// dashboards can follow the position lifecycle live.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/fundinghunter/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the channel buffer for outgoing messages per client.
	// A client that cannot keep up is dropped rather than allowed to stall
	// the broadcast loop.
	sendBufferSize = 64
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS enforcement happens in the HTTP middleware chain.
		return true
	},
}

// client represents a single WebSocket connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans lifecycle events out from the signal bus to every connected
// WebSocket client.
type Hub struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	mode      string
	startedAt time.Time
}

// Config captures runtime metadata included in the snapshot sent to each
// client on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub that relays messages from the given bus channel.
func NewHub(bus domain.SignalBus, channel string, cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		channel:   channel,
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]bool),
		mode:      cfg.Mode,
		startedAt: cfg.StartedAt,
	}
}

// Run subscribes to the bus and relays every message until the context is
// cancelled. It blocks.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		return err
	}
	h.logger.Info("hub subscribed", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				h.closeAll()
				return nil
			}
			h.broadcast(payload)
		}
	}
}

// HandleWS upgrades the HTTP connection and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", slog.Int("clients", count))

	h.sendSnapshot(c)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// sendSnapshot queues a one-time status message for a newly connected client.
func (h *Hub) sendSnapshot(c *client) {
	snapshot, err := json.Marshal(map[string]any{
		"type":       "status",
		"mode":       h.mode,
		"started_at": h.startedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- snapshot:
	default:
	}
}

// broadcast queues a payload for every connected client, dropping clients
// whose send buffer is full.
func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("client dropped, send buffer full")
		}
	}
}

// remove unregisters a client if it is still tracked.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// writeLoop pushes queued messages and periodic pings to the client.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop drains client messages to keep pong handling alive. The feed is
// one-way; inbound payloads are discarded.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
