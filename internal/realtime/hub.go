// Package realtime streams operational events to connected clients over
// WebSocket. The ops dashboard uses it to watch refunds and orphan sweeps as
// they happen.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Event is one message on the ops feed.
type Event struct {
	Type      string         `json:"type"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub fans events out to all connected WebSocket clients. A slow client is
// dropped rather than allowed to stall the feed.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	events     chan Event
	logger     *slog.Logger
}

// NewHub creates an event hub. Call Run in a goroutine before serving.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, 256),
		logger:     logger,
	}
}

// Emit publishes an event to all connected clients. Non-blocking: when the
// hub's buffer is full the event is dropped, because the feed is advisory
// and must never back-pressure the refund path.
func (h *Hub) Emit(event string, fields map[string]any) {
	select {
	case h.events <- Event{Type: event, Fields: fields, Timestamp: time.Now().UTC()}:
	default:
		h.logger.Warn("event feed buffer full, dropping event", "event", event)
	}
}

// Run processes registrations and broadcasts until the channel closes.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.events:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("failed to encode event", "event", ev.Type, "error", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump drains inbound frames so pings/pongs and close frames are
// processed. The feed is one-way; client payloads are discarded.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
