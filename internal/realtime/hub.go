package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"homepulse/core-go/internal/telemetry"
)

const (
	TypeDeviceUpdate = "device_update"
	TypeHealthAlert  = "health_alert"
	TypeSystemStatus = "system_status"
)

type Event struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

// Hub fans events out to connected WebSocket clients. Clients that cannot
// keep up are disconnected.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) Broadcast(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Str("type", ev.Type).Msg("encode event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RelayAnomalies broadcasts each anomaly as a health_alert until ctx ends or
// the channel closes.
func (h *Hub) RelayAnomalies(ctx context.Context, anomalies <-chan telemetry.Anomaly) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-anomalies:
			if !ok {
				return
			}
			h.Broadcast(Event{Type: TypeHealthAlert, DeviceID: a.DeviceID, Data: a, At: a.DetectedAt})
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
