package devserver

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"yochat/client/internal/models"
)

var (
	ErrUserAlreadyExists  = errors.New("user with this email already exists")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
)

type account struct {
	user         models.User
	passwordHash []byte
}

// Store keeps users, rooms and room transcripts in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*account // by id
	byEmail  map[string]string   // email -> id
	byName   map[string]string   // username -> id
	rooms    []*models.Room
	roomByID map[string]*models.Room
	messages map[string][]models.Message // by room id

	historyLimit int
	bcryptCost   int
	now          func() time.Time
}

// NewStore creates an empty Store. historyLimit caps the messages kept per
// room; zero keeps everything.
func NewStore(historyLimit int) *Store {
	return &Store{
		users:        make(map[string]*account),
		byEmail:      make(map[string]string),
		byName:       make(map[string]string),
		roomByID:     make(map[string]*models.Room),
		messages:     make(map[string][]models.Message),
		historyLimit: historyLimit,
		bcryptCost:   bcrypt.DefaultCost,
		now:          time.Now,
	}
}

// newID returns a 24 character hex id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// CreateUser registers an account.
func (s *Store) CreateUser(req models.RegisterRequest) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, ErrUserAlreadyExists
	}
	if _, ok := s.byName[username]; ok {
		return nil, ErrUsernameTaken
	}

	acct := &account{
		user:         models.User{ID: newID(), Username: username, Email: email},
		passwordHash: hash,
	}
	s.users[acct.user.ID] = acct
	s.byEmail[email] = acct.user.ID
	s.byName[username] = acct.user.ID

	user := acct.user
	return &user, nil
}

// Authenticate checks credentials.
func (s *Store) Authenticate(email, password string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	var acct *account
	if ok {
		acct = s.users[id]
	}
	s.mu.RUnlock()

	if acct == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	user := acct.user
	return &user, nil
}

// User returns the account with the given id.
func (s *Store) User(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	user := acct.user
	return &user, nil
}

// CreateRoom creates a room with owner as its first member.
func (s *Store) CreateRoom(name, ownerID string) models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := &models.Room{ID: newID(), Name: name, Members: []string{ownerID}}
	s.rooms = append(s.rooms, room)
	s.roomByID[room.ID] = room
	return copyRoom(room)
}

// Room returns a room by id.
func (s *Store) Room(id string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.roomByID[id]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

// Rooms returns every room in creation order.
func (s *Store) Rooms() []models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, copyRoom(room))
	}
	return out
}

// RoomsOf returns the rooms userID is a member of.
func (s *Store) RoomsOf(userID string) []models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Room
	for _, room := range s.rooms {
		if isMember(room, userID) {
			out = append(out, copyRoom(room))
		}
	}
	return out
}

// JoinRoom adds userID to a room. Joining twice is a no-op.
func (s *Store) JoinRoom(roomID, userID string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.roomByID[roomID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	if !isMember(room, userID) {
		room.Members = append(room.Members, userID)
	}
	return copyRoom(room), nil
}

// AppendMessage persists a message and assigns its server id and time.
func (s *Store) AppendMessage(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roomByID[msg.RoomID]; !ok {
		return models.Message{}, ErrRoomNotFound
	}

	msg.ServerID = newID()
	msg.SentAt = s.now().UTC()
	msg.Pending = false

	history := append(s.messages[msg.RoomID], msg)
	if s.historyLimit > 0 && len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	s.messages[msg.RoomID] = history
	return msg, nil
}

// History returns a room's messages, oldest first.
func (s *Store) History(roomID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.roomByID[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	history := s.messages[roomID]
	out := make([]models.Message, len(history))
	copy(out, history)
	return out, nil
}

func isMember(room *models.Room, userID string) bool {
	for _, m := range room.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func copyRoom(room *models.Room) models.Room {
	out := *room
	out.Members = append([]string(nil), room.Members...)
	return out
}
