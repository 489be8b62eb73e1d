package devserver

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"yochat/client/internal/models"
	"yochat/client/pkg/errors"
	"yochat/client/pkg/jwt"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/middleware"
)

// AuthHandler handles authentication-related requests
type AuthHandler struct {
	store      *Store
	jwtService *jwt.Service
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(store *Store, jwtService *jwt.Service) *AuthHandler {
	return &AuthHandler{store: store, jwtService: jwtService}
}

// Register handles user registration
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.FromContext(c).Warn("Error binding JSON for register", "error", err.Error())
		c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Invalid request format"))
		return
	}

	user, err := h.store.CreateUser(req)
	if err != nil {
		switch {
		case stderrors.Is(err, ErrUserAlreadyExists):
			c.Error(errors.NewConflictError(errors.CodeConflict, "A user with this email already exists"))
		case stderrors.Is(err, ErrUsernameTaken):
			c.Error(errors.NewConflictError(errors.CodeConflict, "This username is already taken"))
		default:
			logger.FromContext(c).LogError(err, "Error creating user")
			c.Error(errors.NewInternalServerError(errors.CodeInternal, "Failed to create user account"))
		}
		return
	}

	h.respondWithToken(c, http.StatusCreated, user)
}

// Login handles user authentication
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.FromContext(c).Warn("Error binding JSON for login", "error", err.Error())
		c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Invalid request format"))
		return
	}

	user, err := h.store.Authenticate(req.Email, req.Password)
	if err != nil {
		c.Error(errors.NewUnauthorizedError(errors.CodeUnauthorized, "Invalid email or password"))
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

func (h *AuthHandler) respondWithToken(c *gin.Context, status int, user *models.User) {
	token, err := h.jwtService.GenerateToken(user.ID, user.Username)
	if err != nil {
		logger.FromContext(c).LogError(err, "Error generating token")
		c.Error(errors.NewInternalServerError(errors.CodeInternal, "Failed to issue token"))
		return
	}
	c.JSON(status, models.AuthResponse{Token: token, User: *user})
}

// Me returns the authenticated user
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.store.User(c.GetString(middleware.UserIDKey))
	if err != nil {
		c.Error(errors.NewNotFoundError(errors.CodeNotFound, "User not found"))
		return
	}
	c.JSON(http.StatusOK, user)
}

// RoomHandler serves the room directory.
type RoomHandler struct {
	store *Store
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(store *Store) *RoomHandler {
	return &RoomHandler{store: store}
}

// List returns every room.
func (h *RoomHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Rooms())
}

// Mine returns the rooms of the authenticated user.
func (h *RoomHandler) Mine(c *gin.Context) {
	rooms := h.store.RoomsOf(c.GetString(middleware.UserIDKey))
	if rooms == nil {
		rooms = []models.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

// Get returns a single room.
func (h *RoomHandler) Get(c *gin.Context) {
	room, err := h.store.Room(c.Param("id"))
	if err != nil {
		c.Error(errors.NewNotFoundError(errors.CodeNotFound, "Room not found"))
		return
	}
	c.JSON(http.StatusOK, room)
}

// Create creates a room owned by the authenticated user.
func (h *RoomHandler) Create(c *gin.Context) {
	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.Error(errors.NewBadRequestError(errors.CodeBadRequest, "Room name cannot be empty"))
		return
	}

	room := h.store.CreateRoom(strings.TrimSpace(req.Name), c.GetString(middleware.UserIDKey))
	logger.FromContext(c).Info("Room created", "room_id", room.ID, "name", room.Name)
	c.JSON(http.StatusCreated, room)
}

// Join adds the authenticated user to a room.
func (h *RoomHandler) Join(c *gin.Context) {
	room, err := h.store.JoinRoom(c.Param("id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		c.Error(errors.NewNotFoundError(errors.CodeNotFound, "Room not found"))
		return
	}
	c.JSON(http.StatusOK, room)
}
