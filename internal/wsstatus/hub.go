// Package wsstatus is the dashboard-facing WebSocket hub: it
// broadcasts health-score, startup-phase, and circuit-state documents
// so the out-of-scope dashboard doesn't have to poll the HTTP control
// surface. Adapted from the teacher's internal/websocket Hub, which
// broadcast market ticks to trading-UI clients; here it broadcasts
// operational telemetry instead.
package wsstatus

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "http://localhost:5173" || origin == "" || isLocalNetwork(origin)
	},
}

func isLocalNetwork(origin string) bool {
	// Mirrors the teacher's 10.10.10.0/24 dashboard-subnet allowance;
	// the relay's dashboard is expected to run on the operator's LAN.
	return len(origin) > len("http://10.10.10.") && origin[:len("http://10.10.10.")] == "http://10.10.10."
}

// StatusDoc is one broadcastable operational document.
type StatusDoc struct {
	Kind      string      `json:"kind"` // cmd/relay sends the telemetry event type, e.g. startup_phase, health_probe
	At        time.Time   `json:"at"`
	Payload   interface{} `json:"payload"`
}

// Client is one connected dashboard websocket.
type Client struct {
	conn *websocket.Conn
	send chan StatusDoc
}

// Hub fans a StatusDoc out to every connected dashboard client.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusDoc
	log        zerolog.Logger
}

// NewHub builds an unstarted Hub; call Run in its own goroutine.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusDoc, 256),
		log:        log.With().Str("component", "wsstatus").Logger(),
	}
}

// Run is the hub's single event loop owning the clients map; it must
// only ever be entered from one goroutine.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case doc := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- doc:
				default:
					// Slow dashboard client: drop rather than block
					// every other client on it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast enqueues doc for delivery to every connected client.
// Non-blocking: if the hub's internal buffer is full, the document is
// dropped rather than stalling the caller.
func (h *Hub) Broadcast(doc StatusDoc) {
	select {
	case h.broadcast <- doc:
	default:
		h.log.Warn().Str("kind", doc.Kind).Msg("wsstatus broadcast buffer full, dropping document")
	}
}

// ServeWS upgrades r to a websocket and registers the resulting
// client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &Client{conn: conn, send: make(chan StatusDoc, 64)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *Client) {
	defer c.conn.Close()
	for doc := range c.send {
		if err := c.conn.WriteJSON(doc); err != nil {
			h.unregister <- c
			return
		}
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	// Dashboard clients are receive-only; this pump exists solely to
	// detect disconnects via read errors.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
