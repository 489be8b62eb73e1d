package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yochat/client/internal/models"
)

// fakeServer upgrades every request and hands the connection to the test.
type fakeServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	header chan http.Header
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:  make(chan *websocket.Conn, 4),
		header: make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.header <- r.Header
		fs.conns <- ws
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fs.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func push(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func pushRaw(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func connect(t *testing.T, fs *fakeServer, token string) *Client {
	t.Helper()
	c := NewClient(Options{URL: fs.url(), Token: token})
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestJoinBeforeConnectFails(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"})
	err := c.Join(context.Background(), models.JoinRequest{RoomID: "r1", Author: "alice"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEmitAfterCloseFails(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1"})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendMessage(context.Background(), models.SendRequest{}), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestUnauthorizedHandshake(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(Options{URL: fs.url(), Token: "bad"})
	defer c.Close()

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJoinAndSendReachServer(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs, "secret")
	ws := fs.accept(t)
	assert.Equal(t, "Bearer secret", (<-fs.header).Get("Authorization"))

	require.NoError(t, c.Join(context.Background(), models.JoinRequest{RoomID: "r1", Author: "alice"}))
	require.NoError(t, c.SendMessage(context.Background(), models.SendRequest{
		RoomID: "r1", Body: "hi", Author: "alice", ClientToken: "tok",
	}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, EventJoinRoom, env.Event)
	assert.JSONEq(t, `{"roomId":"r1","username":"alice"}`, string(env.Data))

	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, EventSendMessage, env.Event)
	var req map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "tok", req["tempId"])
	assert.Equal(t, "hi", req["message"])
}

func TestDispatchToHandlers(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(Options{URL: fs.url()})
	t.Cleanup(func() { c.Close() })

	history := make(chan models.HistorySnapshot, 2)
	incoming := make(chan models.Message, 1)
	delivered := make(chan models.Delivery, 1)
	connected := make(chan bool, 1)
	c.Subscribe(Handlers{
		OnHistory:  func(h models.HistorySnapshot) { history <- h },
		OnIncoming: func(m models.Message) { incoming <- m },
		OnDelivery: func(d models.Delivery) { delivered <- d },
		OnConnect:  func(reconnect bool) { connected <- reconnect },
	})

	require.NoError(t, c.Connect(context.Background()))
	ws := fs.accept(t)
	assert.False(t, <-connected)

	push(t, ws, EventRoomHistory, models.HistorySnapshot{
		RoomID:   "r1",
		Messages: []models.Message{{ServerID: "s1", Author: "bob", Body: "old"}},
	})
	pushRaw(t, ws, `{"event":"room-history","data":[{"_id":"s2","username":"bob","message":"bare"}]}`)
	pushRaw(t, ws, `not json`)
	pushRaw(t, ws, `{"event":"unknown","data":{}}`)
	push(t, ws, EventReceiveMessage, models.Message{ServerID: "s3", RoomID: "r1", Author: "carol", Body: "live"})
	pushRaw(t, ws, `{"event":"message-delivered","data":{"tempId":"tok","_id":"s4","username":"alice","message":"mine","roomId":"r1"}}`)

	h := <-history
	assert.Equal(t, "r1", h.RoomID)
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "s1", h.Messages[0].ServerID)

	h = <-history
	assert.Equal(t, "", h.RoomID)
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "bare", h.Messages[0].Body)

	m := <-incoming
	assert.Equal(t, "s3", m.ServerID)
	assert.Equal(t, "live", m.Body)

	d := <-delivered
	assert.Equal(t, "tok", d.ClientToken)
	assert.Equal(t, "s4", d.ServerID)
	assert.Equal(t, "alice", d.Author)
}

func TestClosedSubscriptionReceivesNothing(t *testing.T) {
	fs := newFakeServer(t)
	c := connect(t, fs, "")
	ws := fs.accept(t)

	var mu sync.Mutex
	var closedCalls int
	sub := c.Subscribe(Handlers{OnIncoming: func(models.Message) {
		mu.Lock()
		closedCalls++
		mu.Unlock()
	}})
	sub.Close()
	sub.Close()

	got := make(chan models.Message, 1)
	c.Subscribe(Handlers{OnIncoming: func(m models.Message) { got <- m }})

	push(t, ws, EventReceiveMessage, models.Message{ServerID: "s1", Body: "hi"})

	select {
	case m := <-got:
		assert.Equal(t, "s1", m.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("live subscription not called")
	}
	mu.Lock()
	assert.Equal(t, 0, closedCalls)
	mu.Unlock()
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(Options{URL: fs.url(), MaxBackoff: 50 * time.Millisecond})

	connects := make(chan bool, 4)
	c.Subscribe(Handlers{OnConnect: func(reconnect bool) { connects <- reconnect }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := fs.accept(t)
	assert.False(t, <-connects)
	first.Close()

	fs.accept(t)
	select {
	case reconnect := <-connects:
		assert.True(t, reconnect)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunBacksOffWhenConnectionsFlap(t *testing.T) {
	var (
		mu       sync.Mutex
		accepted int
	)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepted++
		mu.Unlock()
		ws.Close()
	}))
	defer srv.Close()

	c := NewClient(Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxBackoff:  200 * time.Millisecond,
		StableAfter: time.Minute,
	})
	var connects int
	c.Subscribe(Handlers{OnConnect: func(bool) {
		mu.Lock()
		connects++
		mu.Unlock()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	// Every delay is at least half of the first 200ms interval.
	assert.GreaterOrEqual(t, accepted, 2, "client keeps reconnecting")
	assert.LessOrEqual(t, accepted, 12, "reconnects are paced")
	assert.LessOrEqual(t, connects, accepted)
}
