// Package realtime maintains the live websocket connections displays hold
// open while waiting to be paired. Unlike a broadcast hub, connections are
// keyed by device id so events target a single display.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Event struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

type client struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Displays connect from embedded browsers on arbitrary origins.
				return true
			},
		},
		clients: map[string]map[*client]struct{}{},
	}
}

// Serve upgrades the request and parks the connection under the device id.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{deviceID: deviceID, conn: conn, send: make(chan []byte, 16)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// Notify delivers an event to every live connection for the device. Returns
// whether at least one connection accepted it.
func (h *Hub) Notify(deviceID, event string, payload any) bool {
	ev := Event{Type: event, DeviceID: deviceID, Payload: payload, At: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for c := range h.clients[deviceID] {
		select {
		case c.send <- b:
			delivered = true
		default:
			// Slow client; drop it.
			h.dropLocked(c)
		}
	}
	return delivered
}

// HasConnection reports whether the device currently holds a live connection.
func (h *Hub) HasConnection(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[deviceID]) > 0
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.deviceID]
	if !ok {
		set = map[*client]struct{}{}
		h.clients[c.deviceID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.deviceID]; ok {
		if _, ok := set[c]; ok {
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	set := h.clients[c.deviceID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.deviceID)
	}
	close(c.send)
	_ = c.conn.Close()
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
