// Package ws fans archive change events out to connected browsers.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/metrics"
	"github.com/chatvault/chatvault/internal/store"
)

// CloseUnauthorized is sent when a socket is opened without a valid session.
const CloseUnauthorized = 4001

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only send small
	// subscription frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session cookies carry authentication; origin enforcement happens at the
	// CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the frame delivered to clients. The kind-specific keys sit
// alongside type and chat_id rather than under a nested object, matching
// what the front end expects.
type Event struct {
	Type      string          `json:"type"`
	ChatID    int64           `json:"chat_id"`
	Message   json.RawMessage `json:"message,omitempty"`    // new_message
	MessageID int64           `json:"message_id,omitempty"` // edit, delete
	NewText   string          `json:"new_text,omitempty"`   // edit
	EditDate  string          `json:"edit_date,omitempty"`  // edit
	Timestamp time.Time       `json:"timestamp"`
}

// clientCommand is a frame sent by the browser.
type clientCommand struct {
	Action string `json:"action"` // subscribe | unsubscribe | ping
	ChatID int64  `json:"chat_id,omitempty"`
}

type clientReply struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// Client is one connected browser. The id disambiguates multiple connections
// from the same account in logs.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	username string
	scope    *auth.ScopeSet

	mu            sync.Mutex
	subscriptions map[int64]struct{}
}

// wantsChat reports whether the client wants events for the chat. A client
// with no explicit subscriptions receives everything its scope allows.
func (c *Client) wantsChat(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	_, ok := c.subscriptions[chatID]
	return ok
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
}

// NewHub creates a hub. Call Run in a goroutine before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.WSConnections.Inc()
			log.Info().Str("client_id", client.id).Str("username", client.username).
				Int("client_count", count).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WSConnections.Dec()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			log.Info().Str("client_id", client.id).Str("username", client.username).
				Int("client_count", count).Msg("websocket client disconnected")

		case ev := <-h.broadcast:
			h.deliver(ev)

		case <-h.stop:
			h.mutex.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
				metrics.WSConnections.Dec()
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues an event for fan-out. Drops the event when the hub is
// saturated; the browser reconcile path catches up on reconnect.
func (h *Hub) Broadcast(ev store.ChangeEvent) {
	event := Event{
		Type:      string(ev.Type),
		ChatID:    ev.ChatID,
		Message:   ev.Data.Message,
		MessageID: ev.Data.MessageID,
		NewText:   ev.Data.NewText,
		EditDate:  ev.Data.EditDate,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.broadcast <- event:
	case <-h.stop:
	default:
		log.Warn().Int64("chat_id", ev.ChatID).Msg("broadcast channel full, dropping event")
	}
}

// deliver fans one event out to every client whose scope allows the chat and
// whose subscriptions include it.
func (h *Hub) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("marshal broadcast event")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !client.scope.Allows(ev.ChatID) {
			continue
		}
		if !client.wantsChat(ev.ChatID) {
			continue
		}
		select {
		case client.send <- payload:
			metrics.WSMessagesSent.Inc()
		default:
			// Slow consumer. Cut it loose rather than stalling the fan-out.
			log.Warn().Str("client_id", client.id).Str("username", client.username).
				Msg("websocket send buffer full, dropping client")
			close(client.send)
			delete(h.clients, client)
			metrics.WSConnections.Dec()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the client to the hub. The caller
// has already authenticated the session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, username string, scope *auth.ScopeSet) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		username:      username,
		scope:         scope,
		subscriptions: make(map[int64]struct{}),
	}
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// RejectUnauthorized upgrades the socket just far enough to deliver the
// close code browsers can distinguish from a network failure.
func RejectUnauthorized(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(CloseUnauthorized, "authentication required")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// readPump pumps subscription frames from the connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("username", c.username).Msg("websocket read error")
			}
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd clientCommand) {
	switch cmd.Action {
	case "subscribe":
		// Scope is enforced at delivery too; rejecting here keeps the client's
		// subscription list honest.
		if !c.scope.Allows(cmd.ChatID) {
			return
		}
		c.mu.Lock()
		c.subscriptions[cmd.ChatID] = struct{}{}
		c.mu.Unlock()
		c.reply(clientReply{Type: "subscribed", ChatID: cmd.ChatID})
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subscriptions, cmd.ChatID)
		c.mu.Unlock()
		c.reply(clientReply{Type: "unsubscribed", ChatID: cmd.ChatID})
	case "ping":
		c.reply(clientReply{Type: "pong"})
	}
}

func (c *Client) reply(r clientReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump pumps queued payloads to the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
