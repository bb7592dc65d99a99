// Package engine — WebSocket hub for real-time rate broadcasting.
package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients when a new tick
// is ingested.
type WSMessage struct {
	Type         string `json:"type"`
	CurrencyCode string `json:"currency_code"`
	BaseRate     string `json:"base_rate"`
	BuyRate      string `json:"buy_rate,omitempty"`
	SellRate     string `json:"sell_rate,omitempty"`
	Source       string `json:"source"`
	ObservedAt   string `json:"observed_at"`
}

// wsClient is one connected subscriber. The write pump is the connection's
// only writer; broadcasts and pings both flow through it.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans rate updates out to connected WebSocket clients. The client
// map is owned exclusively by the Run loop; registration, eviction, and
// broadcast all go through its channels, so no lock guards the map.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	count      chan chan int
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		count:      make(chan chan int),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			slog.Info("ws client connected", "total", len(h.clients))

		case client := <-h.unregister:
			h.evict(client)

		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Client too slow to drain its queue: evict rather
					// than block the broadcast for everyone else.
					h.evict(client)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// evict runs only on the Run loop. Closing send stops the client's write
// pump, which closes the connection and unblocks its read pump.
func (h *WSHub) evict(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking ingestion.
	}
}

// ClientCount reports the number of registered clients.
func (h *WSHub) ClientCount() int {
	reply := make(chan int, 1)
	h.count <- reply
	return <-reply
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

// readPump drains inbound frames to detect disconnects and keep pong
// handling alive. On any read error the client unregisters itself.
func (c *wsClient) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers broadcasts and pings. It exits when the hub closes
// the send channel (eviction) or a write fails; closing the connection
// then unblocks the read pump.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
