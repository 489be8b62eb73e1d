package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yochat/client/internal/models"
	"yochat/client/internal/realtime"
	"yochat/client/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.DevServer.Env = "development"
	cfg.DevServer.JWTSecret = "test-secret"
	cfg.DevServer.JWTExpiry = time.Hour
	cfg.DevServer.RateLimit = 1000
	cfg.DevServer.RateLimitBurst = 1000
	cfg.DevServer.HistoryLimit = 50
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := New(testConfig(), nil)
	s.Store.bcryptCost = 4

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	ts := httptest.NewServer(s.Engine)
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func register(t *testing.T, base, username string) models.AuthResponse {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, base+"/auth/register", "", models.RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "password1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var auth models.AuthResponse
	require.NoError(t, json.Unmarshal(body, &auth))
	return auth
}

func TestRegisterLoginMe(t *testing.T) {
	_, ts := newTestServer(t)
	auth := register(t, ts.URL, "alice")
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "alice", auth.User.Username)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", models.RegisterRequest{
		Username: "alice2", Email: "alice@example.com", Password: "password1",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), `"error"`)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", models.LoginRequest{
		Email: "alice@example.com", Password: "password1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login models.AuthResponse
	require.NoError(t, json.Unmarshal(body, &login))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", models.LoginRequest{
		Email: "alice@example.com", Password: "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/users/me", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"username":"alice"`)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoomRoutes(t *testing.T) {
	_, ts := newTestServer(t)
	alice := register(t, ts.URL, "alice")
	bob := register(t, ts.URL, "bob")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/rooms", alice.Token, models.CreateRoomRequest{Name: "general"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room models.Room
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Len(t, room.ID, 24)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rooms", alice.Token, models.CreateRoomRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rooms/my", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rooms/join/"+room.ID, bob.Token, struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/rooms/join/nope", bob.Token, struct{}{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rooms/my", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), room.ID)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/rooms/"+room.ID, bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"general"`)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/rooms", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s, ts := newTestServer(t)
	require.Eventually(t, s.Health.IsSystemHealthy, time.Second, 10*time.Millisecond)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"hub"`)
}

func dialWS(t *testing.T, base, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeEvent(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := realtime.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, ws *websocket.Conn) realtime.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env realtime.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws",
		http.Header{"Authorization": {"Bearer garbage"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketJoinAndSend(t *testing.T) {
	s, ts := newTestServer(t)
	alice := register(t, ts.URL, "alice")
	bob := register(t, ts.URL, "bob")
	room := s.Store.CreateRoom("general", alice.User.ID)
	_, err := s.Store.AppendMessage(models.Message{RoomID: room.ID, Author: "bob", Body: "earlier"})
	require.NoError(t, err)

	aws := dialWS(t, ts.URL, alice.Token)
	bws := dialWS(t, ts.URL, bob.Token)

	writeEvent(t, aws, realtime.EventJoinRoom, models.JoinRequest{RoomID: room.ID, Author: "alice"})
	env := readEvent(t, aws)
	require.Equal(t, realtime.EventRoomHistory, env.Event)
	var snap models.HistorySnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, room.ID, snap.RoomID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "earlier", snap.Messages[0].Body)

	writeEvent(t, bws, realtime.EventJoinRoom, models.JoinRequest{RoomID: room.ID, Author: "bob"})
	require.Equal(t, realtime.EventRoomHistory, readEvent(t, bws).Event)

	writeEvent(t, aws, realtime.EventSendMessage, models.SendRequest{
		RoomID: room.ID, Body: "hello", Author: "mallory", ClientToken: "tok-1",
	})

	env = readEvent(t, aws)
	require.Equal(t, realtime.EventMessageDelivered, env.Event)
	var d models.Delivery
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Equal(t, "tok-1", d.ClientToken)
	assert.NotEmpty(t, d.ServerID)
	assert.Equal(t, "alice", d.Author, "author comes from the token")

	env = readEvent(t, bws)
	require.Equal(t, realtime.EventReceiveMessage, env.Event)
	var m models.Message
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, d.ServerID, m.ServerID)
	assert.Equal(t, "hello", m.Body)
}

func TestWebsocketJoinUnknownRoom(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts.URL, "")

	writeEvent(t, ws, realtime.EventJoinRoom, models.JoinRequest{RoomID: "nope", Author: "guest"})
	assert.Equal(t, realtime.EventError, readEvent(t, ws).Event)
}

func TestStoreHistoryLimit(t *testing.T) {
	store := NewStore(2)
	room := store.CreateRoom("r", "u1")
	for _, body := range []string{"a", "b", "c"} {
		_, err := store.AppendMessage(models.Message{RoomID: room.ID, Body: body})
		require.NoError(t, err)
	}

	history, err := store.History(room.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].Body)
	assert.Equal(t, "c", history[1].Body)

	_, err = store.AppendMessage(models.Message{RoomID: "missing", Body: "x"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
