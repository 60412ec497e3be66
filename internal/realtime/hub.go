// Package realtime is the notification surface of the worker: connected
// WebSocket clients display reminders, dismiss them, follow open-app intents
// and report clicks back.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-worker/internal/delivery"
)

// Outbound event types.
const (
	EventShow     = "notification.show"
	EventDismiss  = "notification.dismiss"
	EventNavigate = "navigate"
)

// Inbound message types.
const (
	MsgNotificationClick       = "notificationclick"
	MsgNotificationActionClick = "notificationactionclick"
	MsgMessage                 = "message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// ErrNoClients is returned when an event needs a listener and none is
// connected.
var ErrNoClients = errors.New("no connected clients")

// Event is one server-to-client frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Message is one client-to-server frame. Payload is decoded by the handler.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes inbound client messages.
type Handler func(ctx context.Context, msg Message)

// Options configures a Hub.
type Options struct {
	// AllowedOrigins restricts the WebSocket handshake. Empty or "*" allows
	// any origin.
	AllowedOrigins []string
	SendBuffer     int
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	upgrader websocket.Upgrader
	buf      int

	mu      sync.RWMutex
	clients map[*client]struct{}
	handler Handler
	closed  bool
}

// NewHub returns an empty Hub.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	h := &Hub{
		buf:     opts.SendBuffer,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// SetHandler installs the inbound message handler.
func (h *Hub) SetHandler(fn Handler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buf)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Debug().Int("clients", n).Msg("websocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast sends ev to every client and returns how many accepted it.
// Clients whose buffers are full are disconnected.
func (h *Hub) Broadcast(ev Event) (int, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- b:
			sent++
		default:
			h.dropLocked(c)
		}
	}
	return sent, nil
}

// Show implements delivery.Renderer. With nobody listening the notification
// cannot be displayed and ErrRenderDenied is returned.
func (h *Hub) Show(_ context.Context, n delivery.Notification) error {
	sent, err := h.Broadcast(Event{Type: EventShow, Payload: n})
	if err != nil {
		return err
	}
	if sent == 0 {
		return delivery.ErrRenderDenied
	}
	return nil
}

// Dismiss implements delivery.Renderer.
func (h *Hub) Dismiss(_ context.Context, id string) error {
	_, err := h.Broadcast(Event{Type: EventDismiss, Payload: map[string]string{"id": id}})
	return err
}

// Open implements delivery.Navigator.
func (h *Hub) Open(_ context.Context, in delivery.Intent) error {
	sent, err := h.Broadcast(Event{Type: EventNavigate, Payload: in})
	if err != nil {
		return err
	}
	if sent == 0 {
		return ErrNoClients
	}
	return nil
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			log.Debug().Err(err).Msg("websocket: ignoring malformed frame")
			continue
		}
		h.mu.RLock()
		fn := h.handler
		h.mu.RUnlock()
		if fn != nil {
			fn(context.Background(), msg)
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
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
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

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
