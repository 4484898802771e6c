package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/slotpool/pkg/events"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many frames a client may lag behind before it is
	// dropped.
	sendBuffer = 64
)

// StreamMessage is one frame on the /ws event stream.
type StreamMessage struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Seq       int64                  `json:"seq"`
}

type streamClient struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	send        chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend queues data without blocking. It reports false when the client's
// buffer is full.
func (c *streamClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans events out to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	seq      atomic.Int64

	mu      sync.RWMutex
	clients map[string]*streamClient
}

// NewHub creates a hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[string]*streamClient),
	}
}

// Attach subscribes the hub to every event on bus.
func (h *Hub) Attach(bus *events.Bus) {
	bus.On(events.Wildcard, h.Broadcast)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues event for every client without blocking. Clients that
// cannot keep up are dropped.
func (h *Hub) Broadcast(event events.Event) {
	msg := StreamMessage{
		Event:     event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp.UnixMilli(),
		Seq:       h.seq.Add(1),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, c := range clients {
		if !c.trySend(data) {
			h.logger.Warn().
				Str("client_id", c.id).
				Str("event", event.Type).
				Msg("Stream client too slow, dropping")
			h.remove(c)
			dropped++
		}
	}

	h.logger.Debug().
		Str("event", event.Type).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("dropped", dropped).
		Msg("Event streamed")
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	client := &streamClient{
		id:          id,
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	h.logger.Info().
		Str("client_id", id).
		Str("ip", r.RemoteAddr).
		Msg("Stream client connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *Hub) writeLoop(c *streamClient) {
	defer func() { _ = c.conn.Close() }()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.id).Msg("Failed to stream event to client")
			h.remove(c)
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readLoop drains client frames so close and ping control messages are
// processed.
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", c.id).Msg("Stream client error")
			}
			return
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()
	if ok {
		h.logger.Info().Str("client_id", c.id).Msg("Stream client disconnected")
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*streamClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
