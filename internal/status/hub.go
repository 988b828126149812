package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/gridagent/internal/metrics"
)

// normalCloseCodes are WebSocket close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients bounds concurrent dashboard WebSocket connections.
const MaxClients = 64

// Subscription narrows what a client receives. An empty character list
// means the full snapshot.
type Subscription struct {
	Characters []string `json:"characters"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

// Hub relays bus snapshots to WebSocket clients.
type Hub struct {
	bus    *Bus
	logger *slog.Logger

	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	maxClients int
}

// NewHub creates a hub over the snapshot bus.
func NewHub(bus *Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:        bus,
		logger:     logger,
		clients:    map[*wsClient]bool{},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run relays bus publishes to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	feed, cancel := h.bus.Subscribe()
	defer cancel()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			// New clients get the current state without waiting for the
			// next change.
			if current := h.bus.Current(); current != nil {
				client.enqueue(h.payloadFor(client, current))
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case snapshot := <-feed:
			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.enqueue(h.payloadFor(client, snapshot)) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// payloadFor serializes a snapshot through the client's filter.
func (h *Hub) payloadFor(client *wsClient, s *Snapshot) []byte {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.Characters) > 0 {
		wanted := make(map[string]bool, len(sub.Characters))
		for _, name := range sub.Characters {
			wanted[name] = true
		}
		filtered := *s
		filtered.Characters = make([]CharacterStatus, 0, len(s.Characters))
		for _, cs := range s.Characters {
			if wanted[cs.Name] {
				filtered.Characters = append(filtered.Characters, cs)
			}
		}
		s = &filtered
	}
	data, err := json.Marshal(s)
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return nil
	}
	return data
}

// enqueue offers a payload without blocking; false means the client's
// buffer is full.
func (c *wsClient) enqueue(payload []byte) bool {
	if payload == nil {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump flushes queued payloads and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
