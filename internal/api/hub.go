package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lpwatch/internal/metrics"
	"lpwatch/internal/position"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBufSize = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans every published view out to the connected stream clients.
type Hub struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub creates a hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		clients: make(map[string]*client),
	}
}

// Run broadcasts views until ctx is done or views is closed.
func (h *Hub) Run(ctx context.Context, views <-chan position.View) error {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-views:
			if !ok {
				return nil
			}
			h.Broadcast(v)
		}
	}
}

// Broadcast sends v to every client. Clients that cannot keep up are
// dropped.
func (h *Hub) Broadcast(v position.View) {
	payload, err := json.Marshal(newViewResponse(v))
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode view")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	log.Debug().
		Str("status", string(v.Status)).
		Uint64("generation", v.Generation).
		Int("positions", len(v.Positions)).
		Int("clients", len(h.clients)).
		Msg("Broadcasting view")

	for id, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			log.Warn().Str("client", id).Msg("Stream client too slow, dropping")
			h.removeLocked(id)
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection. The client
// first receives the view returned by current, then every broadcast view.
// current is read after registration so no broadcast falls in between.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, current func() position.View) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}

	h.mu.Lock()
	h.register(c, current())
	h.mu.Unlock()

	log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("Stream client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// writePump owns all writes to the connection.
func (h *Hub) writePump(c *client) {
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
				log.Debug().Err(err).Str("client", c.id).Msg("Stream write failed")
				h.remove(c.id)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c.id)
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c.id)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// register adds c and queues initial ahead of any later broadcast. The
// caller holds h.mu.
func (h *Hub) register(c *client, initial position.View) {
	h.clients[c.id] = c
	h.setClientsLocked()

	payload, err := json.Marshal(newViewResponse(initial))
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode view")
		return
	}
	c.send <- payload
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(id)
}

func (h *Hub) removeLocked(id string) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(c.send)
	h.setClientsLocked()
	log.Info().Str("client", id).Msg("Stream client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.clients {
		h.removeLocked(id)
	}
}

func (h *Hub) setClientsLocked() {
	if h.metrics != nil {
		h.metrics.SetStreamClients(len(h.clients))
	}
}
