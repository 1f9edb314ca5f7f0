package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Size of the send buffer
	sendBufferSize = 256

	maxSubscriptions = 64
)

// Stream channels a client can subscribe to.
const (
	ChannelAll    = "events"
	marketPrefix  = "market:"
	accountPrefix = "account:"
)

// ClientMessage is a request from a stream client.
type ClientMessage struct {
	Action  string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel"`
}

// StreamMessage is what the hub writes to clients.
type StreamMessage struct {
	Type    string                   `json:"type"`
	Channel string                   `json:"channel,omitempty"`
	Event   *ingestion.OutboundEvent `json:"event,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// Hub fans applied instructions out to websocket clients. Outputs arrive
// after persistence is confirmed; a client whose buffer is full is
// disconnected rather than slowing the hub down.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	metrics *observability.Metrics
	log     zerolog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
	closeOnce     sync.Once
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		metrics: metrics,
		log:     observability.NewLogger("stream"),
	}
}

// Run broadcasts every output from in until ctx is done or in closes.
func (h *Hub) Run(ctx context.Context, in <-chan core.CoreOutput) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			for _, ev := range ingestion.NewOutboundEvents(out) {
				h.Broadcast(ev)
			}
		}
	}
}

// Broadcast delivers one event to every client subscribed to any of its
// channels, at most once per client.
func (h *Hub) Broadcast(ev ingestion.OutboundEvent) {
	channels := EventChannels(ev)

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		channel, ok := c.matches(channels)
		if !ok {
			continue
		}
		data, err := json.Marshal(StreamMessage{Type: "event", Channel: channel, Event: &ev})
		if err != nil {
			h.log.Error().Err(err).Int64("sequence", ev.Sequence).Msg("marshal stream event")
			break
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.unregister(c)
	}
}

// EventChannels lists the channels an event is published on.
func EventChannels(ev ingestion.OutboundEvent) []string {
	channels := []string{ChannelAll}
	if ev.Market != nil {
		channels = append(channels, marketPrefix+ev.Market.Market.String())
	}
	for _, a := range ev.Accounts {
		channels = append(channels, accountPrefix+a.ID.String())
	}
	return channels
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	c.closeOnce.Do(func() { close(c.send) })
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

func (c *client) matches(channels []string) (string, bool) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			return ch, true
		}
	}
	return "", false
}

// readPump handles subscription requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(StreamMessage{Type: "error", Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if err := validChannel(msg.Channel); err != "" {
			c.reply(StreamMessage{Type: "error", Channel: msg.Channel, Error: err})
			return
		}
		c.subMu.Lock()
		if len(c.subscriptions) >= maxSubscriptions {
			c.subMu.Unlock()
			c.reply(StreamMessage{Type: "error", Channel: msg.Channel, Error: "subscription limit reached"})
			return
		}
		c.subscriptions[msg.Channel] = struct{}{}
		c.subMu.Unlock()
		c.reply(StreamMessage{Type: "subscribed", Channel: msg.Channel})

	case "unsubscribe":
		c.subMu.Lock()
		delete(c.subscriptions, msg.Channel)
		c.subMu.Unlock()
		c.reply(StreamMessage{Type: "unsubscribed", Channel: msg.Channel})

	case "ping":
		c.reply(StreamMessage{Type: "pong"})

	default:
		c.reply(StreamMessage{Type: "error", Error: "unknown action: " + msg.Action})
	}
}

func validChannel(channel string) string {
	switch {
	case channel == ChannelAll:
		return ""
	case strings.HasPrefix(channel, marketPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(channel, marketPrefix)); err != nil {
			return "invalid market id"
		}
		return ""
	case strings.HasPrefix(channel, accountPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(channel, accountPrefix)); err != nil {
			return "invalid account id"
		}
		return ""
	default:
		return "unknown channel"
	}
}

// reply queues a control message. It is dropped when the buffer is full
// or the client is already unregistered.
func (c *client) reply(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
