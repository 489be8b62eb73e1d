// Package realtime is the websocket side of the chat client: a named-event
// channel that delivers room history, live messages and delivery
// confirmations, and carries joins and sends to the server.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"yochat/client/internal/models"
)

// Event names on the wire.
const (
	EventJoinRoom         = "join-room"
	EventSendMessage      = "send-message"
	EventRoomHistory      = "room-history"
	EventReceiveMessage   = "receive-message"
	EventMessageDelivered = "message-delivered"
	EventError            = "error"
)

var (
	// ErrNotConnected is returned by outbound calls while no connection is up.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("realtime: client closed")
	// ErrUnauthorized is returned when the server rejects the handshake.
	// Reconnecting stops.
	ErrUnauthorized = errors.New("realtime: handshake unauthorized")
)

// Envelope frames every websocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload under event.
func NewEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Handlers receives inbound events. Nil fields are skipped. Handlers run on
// the connection's read goroutine and must not block for long.
type Handlers struct {
	OnHistory  func(models.HistorySnapshot)
	OnIncoming func(models.Message)
	OnDelivery func(models.Delivery)
	// OnConnect fires after every established connection; reconnect is false
	// only for the first one.
	OnConnect func(reconnect bool)
}

// Subscription is a handle on registered Handlers. Close is idempotent. Once
// it returns no new event is dispatched to the subscription, though a handler
// call already under way may still finish. Close never waits for it, so it is
// safe to call from inside a handler.
type Subscription interface {
	Close()
}

// Channel is the realtime collaborator of the chat session.
type Channel interface {
	Join(ctx context.Context, req models.JoinRequest) error
	SendMessage(ctx context.Context, req models.SendRequest) error
	Subscribe(h Handlers) Subscription
}
