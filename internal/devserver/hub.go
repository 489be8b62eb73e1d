package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"yochat/client/internal/models"
	"yochat/client/internal/realtime"
	"yochat/client/pkg/jwt"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/middleware"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// Client is one websocket connection. It is in at most one room at a time.
type Client struct {
	ID       string
	UserID   string
	Username string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *rate.Limiter
	log     *logger.Logger
}

type joinOp struct {
	client *Client
	roomID string
}

type broadcastOp struct {
	sender *Client
	msg    models.Message
}

type directOp struct {
	client *Client
	frame  []byte
}

// Hub routes events between connections. All maps are owned by Run.
type Hub struct {
	store *Store
	log   *logger.Logger

	clients map[*Client]string // client -> room id
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	joins      chan joinOp
	broadcasts chan broadcastOp
	direct     chan directOp
	done       chan struct{}

	active atomic.Int64

	sendLimit rate.Limit
	sendBurst int
}

// NewHub creates a Hub. Each connection may send sendLimit messages per
// second with bursts of sendBurst.
func NewHub(store *Store, log *logger.Logger, sendLimit rate.Limit, sendBurst int) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	if sendBurst <= 0 {
		sendBurst = 1
	}
	return &Hub{
		store:      store,
		log:        log.WithComponent("hub"),
		clients:    make(map[*Client]string),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinOp),
		broadcasts: make(chan broadcastOp),
		direct:     make(chan directOp),
		done:       make(chan struct{}),
		sendLimit:  sendLimit,
		sendBurst:  sendBurst,
	}
}

// ActiveConnections returns the number of registered connections.
func (h *Hub) ActiveConnections() int {
	return int(h.active.Load())
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run serves hub operations until ctx is done, then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = ""
			h.active.Add(1)
			h.log.Info("Client registered", "client_id", client.ID, "username", client.Username)

		case client := <-h.unregister:
			h.remove(client)

		case op := <-h.joins:
			h.join(op.client, op.roomID)

		case op := <-h.broadcasts:
			h.broadcast(op.sender, op.msg)

		case op := <-h.direct:
			if _, ok := h.clients[op.client]; ok {
				h.enqueue(op.client, op.frame)
			}

		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	roomID, ok := h.clients[client]
	if !ok {
		return
	}
	if members := h.rooms[roomID]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.clients, client)
	close(client.send)
	h.active.Add(-1)
	h.log.Info("Client unregistered", "client_id", client.ID)
}

// enqueue drops the client when its buffer is full.
func (h *Hub) enqueue(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		h.log.Warn("Client removed due to blocked channel", "client_id", client.ID)
		h.remove(client)
	}
}

func (h *Hub) join(client *Client, roomID string) {
	prev, ok := h.clients[client]
	if !ok {
		return
	}

	history, err := h.store.History(roomID)
	if err != nil {
		h.sendError(client, "Room not found")
		return
	}

	if members := h.rooms[prev]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, prev)
		}
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][client] = struct{}{}
	h.clients[client] = roomID

	frame, err := realtime.NewEnvelope(realtime.EventRoomHistory, models.HistorySnapshot{RoomID: roomID, Messages: history})
	if err != nil {
		h.log.LogError(err, "Failed to encode history", "room_id", roomID)
		return
	}
	h.enqueue(client, frame)
	client.log.Info("Joined room", "room_id", roomID, "messages", len(history))
}

// broadcast confirms msg to its sender and pushes it to everyone else in
// the room.
func (h *Hub) broadcast(sender *Client, msg models.Message) {
	delivered, err := realtime.NewEnvelope(realtime.EventMessageDelivered, models.Delivery{
		ClientToken: msg.ClientToken,
		ServerID:    msg.ServerID,
		RoomID:      msg.RoomID,
		Author:      msg.Author,
		Body:        msg.Body,
		SentAt:      msg.SentAt,
	})
	if err != nil {
		h.log.LogError(err, "Failed to encode delivery")
		return
	}
	received, err := realtime.NewEnvelope(realtime.EventReceiveMessage, msg)
	if err != nil {
		h.log.LogError(err, "Failed to encode message")
		return
	}

	if _, ok := h.clients[sender]; ok {
		h.enqueue(sender, delivered)
	}
	for client := range h.rooms[msg.RoomID] {
		if client != sender {
			h.enqueue(client, received)
		}
	}
}

func (h *Hub) sendError(client *Client, message string) {
	frame, err := realtime.NewEnvelope(realtime.EventError, map[string]string{"error": message})
	if err != nil {
		return
	}
	h.enqueue(client, frame)
}

// submit hands an operation to Run unless the hub has stopped.
func submit[T any](h *Hub, ch chan T, op T) bool {
	select {
	case ch <- op:
		return true
	case <-h.done:
		return false
	}
}

// ServeWs upgrades the request and serves the connection. A bearer token is
// optional; when present it must be valid and fixes the author of every
// message sent over the connection.
func (h *Hub) ServeWs(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c)

		var claims *jwt.Claims
		if token := middleware.BearerToken(c); token != "" {
			var err error
			claims, err = jwtService.ValidateToken(token)
			if err != nil {
				log.Warn("Rejected websocket handshake", "error", err.Error())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.LogError(err, "Websocket upgrade failed")
			return
		}

		client := &Client{
			ID:      newID(),
			conn:    conn,
			send:    make(chan []byte, sendBufferSize),
			hub:     h,
			limiter: rate.NewLimiter(h.sendLimit, h.sendBurst),
		}
		if claims != nil {
			client.UserID = claims.UserID
			client.Username = claims.Username
		}
		client.log = log.With("client_id", client.ID)

		if !submit(h, h.register, client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		submit(c.hub, c.hub.unregister, c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("Websocket read failed", "error", err.Error())
			}
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("Error unmarshaling message", "error", err.Error())
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env realtime.Envelope) {
	switch env.Event {
	case realtime.EventJoinRoom:
		var req models.JoinRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.RoomID == "" {
			c.reply(realtime.EventError, map[string]string{"error": "roomId is required"})
			return
		}
		if c.Username == "" {
			c.Username = strings.TrimSpace(req.Author)
		}
		submit(c.hub, c.hub.joins, joinOp{client: c, roomID: req.RoomID})

	case realtime.EventSendMessage:
		var req models.SendRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.reply(realtime.EventError, map[string]string{"error": "Invalid message"})
			return
		}
		c.handleSend(req)

	default:
		c.log.Debug("Unknown event", "event", env.Event)
	}
}

func (c *Client) handleSend(req models.SendRequest) {
	if !c.limiter.Allow() {
		c.log.Warn("Send rate limit exceeded", "room_id", req.RoomID)
		c.reply(realtime.EventError, map[string]string{"error": "Too many messages", "tempId": req.ClientToken})
		return
	}

	body := strings.TrimSpace(req.Body)
	if body == "" || req.RoomID == "" {
		c.reply(realtime.EventError, map[string]string{"error": "roomId and message are required"})
		return
	}

	author := c.Username
	if author == "" {
		author = strings.TrimSpace(req.Author)
	}

	msg, err := c.hub.store.AppendMessage(models.Message{
		ClientToken: req.ClientToken,
		RoomID:      req.RoomID,
		Author:      author,
		Body:        body,
	})
	if err != nil {
		c.reply(realtime.EventError, map[string]string{"error": "Room not found"})
		return
	}
	submit(c.hub, c.hub.broadcasts, broadcastOp{sender: c, msg: msg})
}

func (c *Client) reply(event string, payload any) {
	frame, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	submit(c.hub, c.hub.direct, directOp{client: c, frame: frame})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
