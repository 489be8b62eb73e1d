package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"yochat/client/internal/models"
	"yochat/client/pkg/cache"
	"yochat/client/pkg/errors"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/metrics"
)

// Placeholders shown instead of a room name.
const (
	UnnamedRoom = "Unnamed Room"
	UnknownRoom = "Unknown Room"
)

const roomNameKeyPrefix = "room-name:"

// Rooms is the room directory.
type Rooms struct {
	client *Client
	names  cache.Store
	log    *logger.Logger
}

// NewRooms creates a Rooms on top of c. names may be nil, in which case
// every RoomName call goes to the server.
func NewRooms(c *Client, names cache.Store) *Rooms {
	return &Rooms{
		client: c,
		names:  names,
		log:    c.log.With("lookup", "room"),
	}
}

// Get fetches a single room.
func (r *Rooms) Get(ctx context.Context, roomID string) (*models.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, errors.NewBadRequestError(errors.CodeBadRequest, "room id is required")
	}
	var room models.Room
	if err := r.client.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RoomName returns the display name of a room. It never fails: an empty
// name yields UnnamedRoom and a failed lookup yields UnknownRoom. Only real
// names are cached.
func (r *Rooms) RoomName(ctx context.Context, roomID string) string {
	key := roomNameKeyPrefix + roomID
	if r.names != nil {
		if name, ok := r.names.Get(ctx, key); ok {
			return name
		}
	}

	room, err := r.Get(ctx, roomID)
	if err != nil {
		r.log.Warn("Room lookup failed", "room_id", roomID, "error", err.Error())
		metrics.APIFallbacks.WithLabelValues("room_name").Inc()
		return UnknownRoom
	}

	name := strings.TrimSpace(room.Name)
	if name == "" {
		return UnnamedRoom
	}
	if r.names != nil {
		r.names.Set(ctx, key, name)
	}
	return name
}

// List returns every room on the server.
func (r *Rooms) List(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := r.client.do(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Mine returns the rooms the current user is a member of.
func (r *Rooms) Mine(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := r.client.do(ctx, http.MethodGet, "/rooms/my", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Discover returns the rooms the current user has not joined yet, in server
// order.
func (r *Rooms) Discover(ctx context.Context) ([]models.Room, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	mine, err := r.Mine(ctx)
	if err != nil {
		return nil, err
	}

	joined := make(map[string]struct{}, len(mine))
	for _, room := range mine {
		joined[room.ID] = struct{}{}
	}
	out := make([]models.Room, 0, len(all))
	for _, room := range all {
		if _, ok := joined[room.ID]; !ok {
			out = append(out, room)
		}
	}
	return out, nil
}

// Create creates a room owned by the current user.
func (r *Rooms) Create(ctx context.Context, name string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewBadRequestError(errors.CodeBadRequest, "room name cannot be empty")
	}

	var room models.Room
	if err := r.client.do(ctx, http.MethodPost, "/rooms", models.CreateRoomRequest{Name: name}, &room); err != nil {
		return nil, err
	}
	if r.names != nil && room.ID != "" && strings.TrimSpace(room.Name) != "" {
		r.names.Set(ctx, roomNameKeyPrefix+room.ID, room.Name)
	}
	return &room, nil
}

// Join makes the current user a member of a room.
func (r *Rooms) Join(ctx context.Context, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return errors.NewBadRequestError(errors.CodeBadRequest, "room id is required")
	}
	return r.client.do(ctx, http.MethodPost, "/rooms/join/"+url.PathEscape(roomID), struct{}{}, nil)
}
