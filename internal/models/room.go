package models

// Room is a chat room as listed by the HTTP API.
type Room struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required"`
}
