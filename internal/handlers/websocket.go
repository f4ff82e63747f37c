package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mining-session-backend/internal/middleware"
	"mining-session-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type StatusReader interface {
	Status(ctx context.Context, userID string) (*services.MiningStatus, error)
}

type WebSocketHandler struct {
	engine StatusReader
	hub    *WebSocketHub
	clock  services.Clock
	audit  services.AuditSink
}

// WebSocketHub fans session events out to every connection of a user. It implements
// services.Notifier; all client bookkeeping happens on the run goroutine.
type WebSocketHub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	audit      services.AuditSink
}

type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan []byte
}

type Message struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Data   any    `json:"data"`

	// target restricts delivery to one connection.
	target *Client
}

func NewWebSocketHub(audit services.AuditSink) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		audit:      audit,
	}
	go hub.run()
	return hub
}

func NewWebSocketHandler(engine StatusReader, hub *WebSocketHub, clock services.Clock, audit services.AuditSink) *WebSocketHandler {
	return &WebSocketHandler{engine: engine, hub: hub, clock: clock, audit: audit}
}

// NotifyUser queues an event for userID. Events are dropped when the hub is saturated.
func (hub *WebSocketHub) NotifyUser(userID string, event string, payload any) {
	hub.enqueue(&Message{Type: event, UserID: userID, Data: payload})
}

func (hub *WebSocketHub) enqueue(msg *Message) {
	select {
	case hub.broadcast <- msg:
	case <-hub.done:
	default:
		hub.audit.Log(services.CategoryWarn, "websocket event dropped", services.Fields{
			"userId": msg.UserID,
			"type":   msg.Type,
		})
	}
}

func (hub *WebSocketHub) Stop() {
	select {
	case <-hub.done:
	default:
		close(hub.done)
	}
}

func (hub *WebSocketHub) run() {
	for {
		select {
		case client := <-hub.register:
			conns, ok := hub.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]struct{})
				hub.clients[client.UserID] = conns
			}
			conns[client] = struct{}{}

		case client := <-hub.unregister:
			hub.remove(client)

		case message := <-hub.broadcast:
			hub.broadcastMessage(message)

		case <-hub.done:
			for _, conns := range hub.clients {
				for client := range conns {
					close(client.send)
				}
			}
			hub.clients = map[string]map[*Client]struct{}{}
			return
		}
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	conns, ok := hub.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	close(client.send)
	if len(conns) == 0 {
		delete(hub.clients, client.UserID)
	}
}

func (hub *WebSocketHub) broadcastMessage(message *Message) {
	data, err := sonic.Marshal(message)
	if err != nil {
		hub.audit.Log(services.CategoryError, "failed to encode websocket message", services.Fields{
			"type":  message.Type,
			"error": err.Error(),
		})
		return
	}

	targets := hub.clients[message.UserID]
	if message.target != nil {
		if _, ok := targets[message.target]; !ok {
			return
		}
		targets = map[*Client]struct{}{message.target: {}}
	}

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// slow consumer
			hub.remove(client)
		}
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.audit.Log(services.CategoryWarn, "failed to upgrade to websocket", services.Fields{
			"userId": id.UserID,
			"error":  err.Error(),
		})
		return
	}

	client := &Client{
		UserID: id.UserID,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()

	h.sendBalance(c.Request.Context(), client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		select {
		case h.hub.unregister <- client:
		case <-h.hub.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.audit.Log(services.CategoryWarn, "websocket read error", services.Fields{
					"userId": client.UserID,
					"error":  err.Error(),
				})
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.handleMessage(client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		h.hub.enqueue(&Message{
			Type:   "PONG",
			UserID: client.UserID,
			Data:   gin.H{"timestamp": h.clock.Now().UnixMilli()},
			target: client,
		})
	}
}

func (h *WebSocketHandler) sendBalance(ctx context.Context, client *Client) {
	status, err := h.engine.Status(ctx, client.UserID)
	if err != nil {
		h.audit.Log(services.CategoryError, "failed to load status for websocket", services.Fields{
			"userId": client.UserID,
			"error":  err.Error(),
		})
		return
	}

	h.hub.enqueue(&Message{
		Type:   services.EventBalanceUpdate,
		UserID: client.UserID,
		Data: gin.H{
			"balance":     status.Balance,
			"totalMined":  status.TotalMined,
			"miningLevel": status.MiningLevel,
			"isMining":    status.IsMining,
		},
		target: client,
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
