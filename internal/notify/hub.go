package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType tags every message pushed to dashboard clients
type MessageType string

const (
	MessageTypeViolation    MessageType = "violation"
	MessageTypeStatistics   MessageType = "statistics_update"
	MessageTypeCameraStatus MessageType = "camera_status"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	clientBuffer   = 256
	allCameras     = "*"
)

// Message is the envelope for every WebSocket frame
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// delivery is an encoded message and the camera it concerns. An empty
// camera reaches every client.
type delivery struct {
	camera string
	data   []byte
}

// Client is one dashboard connection and the cameras it follows
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

func (c *Client) subscribed(cameraID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[allCameras] || c.subscriptions[cameraID]
}

func (c *Client) wants(d delivery) bool {
	return d.camera == "" || c.subscribed(d.camera)
}

// Hub owns the dashboard clients. Run is the only goroutine that closes a
// client's send channel.
type Hub struct {
	clients    map[*Client]struct{}
	outbound   chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub creates a hub. An empty allowedOrigins, or "*", accepts any origin.
func NewHub(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*Client]struct{}),
		outbound:   make(chan delivery, clientBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "ws-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

// Run routes deliveries to clients until ctx is done, then drops every
// connection
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Dashboard client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Dashboard client disconnected", "clients", n)

		case d := <-h.outbound:
			h.route(d)
		}
	}
}

func (h *Hub) route(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(d) {
			continue
		}
		select {
		case c.send <- d.data:
		default:
			h.logger.Warn("Dashboard client too slow, dropping message", "camera", d.camera)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// Broadcast queues msg for every client
func (h *Hub) Broadcast(msg Message) {
	h.enqueue("", msg)
}

// BroadcastToCamera queues msg for clients following cameraID
func (h *Hub) BroadcastToCamera(cameraID string, msg Message) {
	h.enqueue(cameraID, msg)
}

func (h *Hub) enqueue(cameraID string, msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode message", "type", msg.Type, "error", err)
		return
	}

	select {
	case h.outbound <- delivery{camera: cameraID, data: data}:
	default:
		h.logger.Warn("Hub queue full, dropping message", "type", msg.Type, "camera", cameraID)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request. New clients follow every camera
// until they send a subscribe message.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, clientBuffer),
		subscriptions: map[string]bool{allCameras: true},
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientRequest is what dashboards send: a ping, or a camera id list to
// follow or drop
type clientRequest struct {
	Type    MessageType `json:"type"`
	Cameras []string    `json:"data"`
}

func (c *Client) handleMessage(data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	switch req.Type {
	case MessageTypePing:
		pong, err := json.Marshal(Message{Type: MessageTypePong, Timestamp: time.Now()})
		if err != nil {
			return
		}
		select {
		case c.send <- pong:
		default:
		}

	case MessageTypeSubscribe:
		c.mu.Lock()
		// An explicit list replaces the follow-everything default
		delete(c.subscriptions, allCameras)
		for _, id := range req.Cameras {
			c.subscriptions[id] = true
		}
		c.mu.Unlock()

	case MessageTypeUnsubscribe:
		c.mu.Lock()
		for _, id := range req.Cameras {
			delete(c.subscriptions, id)
		}
		c.mu.Unlock()
	}
}
