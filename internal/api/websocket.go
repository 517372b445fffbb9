package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client
	MsgTypeEvent      MessageType = "event"
	MsgTypeSubscribed MessageType = "subscribed"
	MsgTypeError      MessageType = "error"
	MsgTypeHeartbeat  MessageType = "heartbeat"

	// Client -> Server
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	heartbeatEvery = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// WSMessage is a WebSocket message. Channel is an event type
// ("regime_change") or a symbol filter ("symbol:BTCUSDT").
type WSMessage struct {
	Type      MessageType   `json:"type"`
	Channel   string        `json:"channel,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// wants reports whether the client receives ev. A client with no
// subscriptions receives everything.
func (c *Client) wants(ev events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[string(ev.Type)] || (ev.Symbol != "" && c.subscriptions["symbol:"+ev.Symbol])
}

// Hub relays bus events to WebSocket clients.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*Client]bool
	broadcast  chan events.Event
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool

	bus *events.Bus
	sub *events.Subscription
}

// NewHub creates a hub. Call Run to start relaying.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Event, sendBuffer),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the hub to every bus event.
func (h *Hub) Attach(bus *events.Bus) {
	h.bus = bus
	h.sub = bus.SubscribeAll(func(ev events.Event) error {
		select {
		case h.broadcast <- ev:
		case <-h.done:
		default:
			h.logger.Warn("Broadcast channel full, dropping event", zap.String("event_type", string(ev.Type)))
		}
		return nil
	})
}

// Run dispatches until Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case ev := <-h.broadcast:
			h.dispatch(ev)

		case <-ticker.C:
			h.sendHeartbeat()

		case <-h.done:
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) dispatch(ev events.Event) {
	data, err := json.Marshal(WSMessage{Type: MsgTypeEvent, Event: &ev, Timestamp: ev.Timestamp.UnixMilli()})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow client", zap.String("id", client.id))
		h.remove(client)
	}
}

func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		if h.sub != nil {
			h.bus.Unsubscribe(h.sub)
		}
		close(h.done)

		h.mu.Lock()
		h.closed = true
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
	})
}

// ServeWS upgrades the request and registers the client. Repeated
// ?channel= parameters preset its subscriptions.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	for _, ch := range r.URL.Query()["channel"] {
		client.subscriptions[ch] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", client.id))

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
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
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(WSMessage{Type: MsgTypeError, Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	channel := msg.Channel
	if strings.HasPrefix(channel, "symbol:") {
		channel = "symbol:" + strings.ToUpper(strings.TrimPrefix(channel, "symbol:"))
	} else if channel != "" && !knownEventType(channel) {
		c.reply(WSMessage{Type: MsgTypeError, Channel: msg.Channel, Error: "unknown channel"})
		return
	}

	switch msg.Type {
	case MsgTypeSubscribe:
		if channel == "" {
			c.reply(WSMessage{Type: MsgTypeError, Error: "channel required"})
			return
		}
		c.mu.Lock()
		c.subscriptions[channel] = true
		c.mu.Unlock()
		c.reply(WSMessage{Type: MsgTypeSubscribed, Channel: channel})
	case MsgTypeUnsubscribe:
		c.mu.Lock()
		delete(c.subscriptions, channel)
		c.mu.Unlock()
	default:
		c.reply(WSMessage{Type: MsgTypeError, Error: "unknown message type"})
	}
}

func knownEventType(s string) bool {
	for _, t := range events.AllEventTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// reply queues a direct message; it never blocks the read loop.
func (c *Client) reply(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

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
