// Package realtime fans pipeline lifecycle events out to WebSocket clients:
// alert creation, reviewer assignment, and job completion. Dashboards
// subscribe instead of polling the alert list.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thanujathanu123/finsight/internal/alerts"
	"github.com/thanujathanu123/finsight/internal/metrics"
)

// Event types sent to subscribers.
const (
	EventAlertCreated  = "alert.created"
	EventAlertAssigned = "alert.assigned"
	EventJobCompleted  = "job.completed"
)

// Event is the wire envelope for one broadcast message.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard origins are enforced at the proxy layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected clients and broadcasts events to all of them.
// Slow clients are dropped rather than allowed to stall the pipeline.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan Event
	done      chan struct{}
	closeOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. Call Run in a goroutine before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Event, 256),
		done:      make(chan struct{}),
	}
}

// Run pumps broadcast events to clients until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal event", "type", ev.Type, "error", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client is not keeping up; close its send channel and
					// let the write pump tear it down.
					go h.remove(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Close shuts the hub down and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	})
}

// Publish queues an event for broadcast. Drops the event when the hub's
// buffer is full so publishers never block.
func (h *Hub) Publish(eventType string, payload interface{}) {
	ev := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("event dropped, broadcast buffer full", "type", eventType)
	}
}

// AlertCreated implements alerts.Notifier.
func (h *Hub) AlertCreated(a *alerts.Alert) {
	h.Publish(EventAlertCreated, a)
}

// AlertAssigned implements alerts.Notifier.
func (h *Hub) AlertAssigned(a *alerts.Alert) {
	h.Publish(EventAlertAssigned, a)
}

// JobCompleted broadcasts a finished pipeline job summary.
func (h *Hub) JobCompleted(payload interface{}) {
	h.Publish(EventJobCompleted, payload)
}

// ServeWS upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// readPump drains inbound frames to process control messages. Subscribers
// are read-only; any payload they send is discarded.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
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

func (h *Hub) writePump(c *client) {
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
