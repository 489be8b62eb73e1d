package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Message is one transcript entry. ServerID is assigned by the server once the
// message is persisted; ClientToken correlates a locally authored message with
// its later confirmation.
type Message struct {
	ServerID    string    `json:"_id,omitempty"`
	ClientToken string    `json:"tempId,omitempty"`
	RoomID      string    `json:"roomId"`
	Author      string    `json:"username"`
	Body        string    `json:"message"`
	SentAt      time.Time `json:"time"`
	Pending     bool      `json:"isPending,omitempty"`
}

// Key returns the identity of the message within a transcript: the server id
// when present, else the client token. Empty if the message carries neither.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientToken
}

// Delivery confirms that a locally authored message was persisted.
type Delivery struct {
	ClientToken string    `json:"tempId"`
	ServerID    string    `json:"_id"`
	RoomID      string    `json:"roomId,omitempty"`
	Author      string    `json:"username"`
	Body        string    `json:"message"`
	SentAt      time.Time `json:"time"`
}

// Message converts the confirmation into a confirmed transcript entry.
func (d Delivery) Message() Message {
	return Message{
		ServerID:    d.ServerID,
		ClientToken: d.ClientToken,
		RoomID:      d.RoomID,
		Author:      d.Author,
		Body:        d.Body,
		SentAt:      d.SentAt,
	}
}

// SendRequest is the outbound payload of a locally authored message.
type SendRequest struct {
	RoomID      string    `json:"roomId"`
	Body        string    `json:"message"`
	Author      string    `json:"username"`
	SentAt      time.Time `json:"time"`
	ClientToken string    `json:"tempId"`
}

// JoinRequest asks the realtime server to subscribe the connection to a room
// and deliver its history.
type JoinRequest struct {
	RoomID string `json:"roomId"`
	Author string `json:"username"`
}

// HistorySnapshot is the authoritative backlog delivered once per join.
type HistorySnapshot struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// UnmarshalJSON accepts both the object form and a bare array of messages,
// which some servers send on room-history.
func (h *HistorySnapshot) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.RoomID = ""
		return json.Unmarshal(trimmed, &h.Messages)
	}

	type snapshot HistorySnapshot
	var s snapshot
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return err
	}
	*h = HistorySnapshot(s)
	return nil
}
