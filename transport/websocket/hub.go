package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wricardo/livetrack/tracking/broadcast"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// DefaultSendBuffer is the per-connection event queue size.
	DefaultSendBuffer = 64
)

const (
	typeJoinCode  = "join_code"
	typeLeaveCode = "leave_code"

	defaultRole = "user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Observers are served from any origin.
		return true
	},
}

// inboundMessage is a control message sent by an observer.
type inboundMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Role string `json:"role,omitempty"`
}

// Tracker is the subscription side of the tracker service.
type Tracker interface {
	Join(code string, ch broadcast.Channel)
	Leave(code string, ch broadcast.Channel)
	Disconnect(ch broadcast.Channel)
}

// Client is one observer connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Hub tracks live observer connections.
type Hub struct {
	tracker    Tracker
	sendBuffer int
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates a WebSocket hub. sendBuffer <= 0 uses DefaultSendBuffer.
func NewHub(tracker Tracker, sendBuffer int, logger *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tracker:    tracker,
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "websocket"),
		clients:    make(map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and, when code is non-empty, joins that room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, code string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := h.newClient(conn)
	h.register(client)

	if code = strings.TrimSpace(code); code != "" {
		h.tracker.Join(code, client)
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close sends a going-away frame to every connection and closes it.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	}
}

func (h *Hub) newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("observer connected", "client", c.id, "total", total)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("observer disconnected", "client", c.id, "remaining", remaining)
}

// ID returns the connection's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues ev for delivery. A full queue closes the connection.
func (c *Client) Send(ev broadcast.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.hub.logger.Error("failed to marshal event", "client", c.id, "code", ev.Code, "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn("observer too slow, dropping connection", "client", c.id, "code", ev.Code)
		c.closeSendLocked()
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSendLocked()
}

func (c *Client) closeSendLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handle applies one control message.
func (c *Client) handle(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Debug("ignoring malformed message", "client", c.id, "error", err)
		return
	}

	code := strings.TrimSpace(msg.Code)
	switch msg.Type {
	case typeJoinCode:
		if code == "" {
			return
		}
		role := msg.Role
		if role == "" {
			role = defaultRole
		}
		c.hub.tracker.Join(code, c)
		c.hub.logger.Info("observer joined", "client", c.id, "code", code, "role", role)

	case typeLeaveCode:
		if code == "" {
			return
		}
		c.hub.tracker.Leave(code, c)
		c.hub.logger.Info("observer left", "client", c.id, "code", code)

	default:
		c.hub.logger.Debug("ignoring unknown message type", "client", c.id, "type", msg.Type)
	}
}

// readPump reads control messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.tracker.Disconnect(c)
		c.hub.unregister(c)
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			break
		}
		c.handle(data)
	}
}

// writePump writes queued events, one per frame, and keeps the peer alive.
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
