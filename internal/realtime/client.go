package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"yochat/client/internal/models"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frames buffered per connection
	sendBufferSize = 256

	// First retry delay, capped by MaxBackoff
	initialBackoff = 500 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	// PingPeriod must be less than PongWait.
	PingPeriod       time.Duration
	PongWait         time.Duration
	HandshakeTimeout time.Duration
	MaxBackoff       time.Duration

	// A connection that stays up this long resets the reconnect delay.
	// Shorter-lived connections keep growing it.
	StableAfter time.Duration

	Logger *logger.Logger
}

func (o *Options) setDefaults() {
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod == 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.StableAfter == 0 {
		o.StableAfter = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
}

// Client is a Channel over a single websocket connection that is
// re-established with exponential backoff when it drops.
type Client struct {
	opts   Options
	log    *logger.Logger
	dialer *websocket.Dialer

	subsMu sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	connMu    sync.Mutex
	conn      *connection
	last      *connection // most recently attached, kept after it drops
	connected int         // successful connections so far

	closeOnce sync.Once
	closed    chan struct{}
}

type connection struct {
	since time.Time
	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
}

type subscription struct {
	client *Client
	id     uint64
	h      Handlers
	active atomic.Bool
}

// Close unregisters the handlers.
func (s *subscription) Close() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.client.subsMu.Lock()
	delete(s.client.subs, s.id)
	s.client.subsMu.Unlock()
}

// NewClient creates a Client. Nothing is dialed until Connect or Run.
func NewClient(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts: opts,
		log:  opts.Logger.WithComponent("realtime"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		subs:   make(map[uint64]*subscription),
		closed: make(chan struct{}),
	}
}

// Subscribe registers h for inbound events.
func (c *Client) Subscribe(h Handlers) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextID++
	s := &subscription{client: c, id: c.nextID, h: h}
	s.active.Store(true)
	c.subs[s.id] = s
	return s
}

// Join asks the server to join a room and send its history.
func (c *Client) Join(ctx context.Context, req models.JoinRequest) error {
	return c.emit(ctx, EventJoinRoom, req)
}

// SendMessage emits a locally authored message.
func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) error {
	return c.emit(ctx, EventSendMessage, req)
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Connect dials once. Run keeps the connection alive afterwards.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.connMu.Lock()
	up := c.conn != nil
	c.connMu.Unlock()
	if up {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

// Run serves the connection until ctx is done or Close is called,
// reconnecting with exponential backoff whenever it drops.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Delays between a dropped connection and the next dial. It is not
	// reset by a successful handshake, only by a connection that lasted.
	drops := c.newBackOff()

	for {
		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrClosed) {
				return err
			}
			if err := c.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return c.exitErr(ctx)
				}
				return err
			}
		}

		c.connMu.Lock()
		conn := c.last
		c.connMu.Unlock()

		select {
		case <-conn.done:
		case <-ctx.Done():
			conn.ws.Close()
			<-conn.done
			return c.exitErr(ctx)
		}

		uptime := time.Since(conn.since)
		if uptime >= c.opts.StableAfter {
			drops.Reset()
		}
		wait := drops.NextBackOff()
		c.log.Warn("websocket connection lost, reconnecting",
			"uptime", uptime.Round(time.Millisecond).String(), "retry_in", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.exitErr(ctx)
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(initialBackoff, c.opts.MaxBackoff)
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) exitErr(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

// reconnect retries dialing with exponential backoff until it succeeds or
// ctx is done.
func (c *Client) reconnect(ctx context.Context) error {
	b := c.newBackOff()

	op := func() error {
		select {
		case <-c.closed:
			return backoff.Permanent(ErrClosed)
		default:
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.attach(conn)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("websocket dial failed", "error", err.Error(), "retry_in", wait.String())
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Close shuts the client down and drops the current connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.ws.Close()
		}
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	return ws, nil
}

// attach installs ws as the current connection, starts its pumps and
// notifies subscribers.
func (c *Client) attach(ws *websocket.Conn) {
	conn := &connection{
		since: time.Now(),
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}

	c.connMu.Lock()
	c.conn = conn
	c.last = conn
	c.connected++
	reconnect := c.connected > 1
	c.connMu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	if reconnect {
		metrics.SocketReconnects.Inc()
		c.log.Info("websocket reconnected", "url", c.opts.URL)
	} else {
		c.log.Info("websocket connected", "url", c.opts.URL)
	}
	for _, s := range c.snapshot() {
		if s.h.OnConnect != nil && s.active.Load() {
			s.h.OnConnect(reconnect)
		}
	}
}

func (c *Client) detach(conn *connection) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) emit(ctx context.Context, event string, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	frame, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	select {
	case conn.send <- frame:
		metrics.SocketEvents.WithLabelValues("out", event).Inc()
		return nil
	case <-conn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readPump(conn *connection) {
	defer func() {
		c.detach(conn)
		conn.ws.Close()
		close(conn.done)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err.Error())
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("websocket write failed", "error", err.Error())
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	metrics.SocketEvents.WithLabelValues("in", env.Event).Inc()

	switch env.Event {
	case EventRoomHistory:
		var snap models.HistorySnapshot
		if !c.decode(env, &snap) {
			return
		}
		for _, s := range c.snapshot() {
			if s.h.OnHistory != nil && s.active.Load() {
				s.h.OnHistory(snap)
			}
		}

	case EventReceiveMessage:
		var msg models.Message
		if !c.decode(env, &msg) {
			return
		}
		for _, s := range c.snapshot() {
			if s.h.OnIncoming != nil && s.active.Load() {
				s.h.OnIncoming(msg)
			}
		}

	case EventMessageDelivered:
		var d models.Delivery
		if !c.decode(env, &d) {
			return
		}
		for _, s := range c.snapshot() {
			if s.h.OnDelivery != nil && s.active.Load() {
				s.h.OnDelivery(d)
			}
		}

	case EventError:
		c.log.Warn("server reported error", "data", string(env.Data))

	default:
		c.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

func (c *Client) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.log.Warn("dropping undecodable event", "event", env.Event, "error", err.Error())
		return false
	}
	return true
}

// snapshot returns the active subscriptions in registration order.
func (c *Client) snapshot() []*subscription {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	out := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

var _ Channel = (*Client)(nil)
