// Package chat runs the transcript of the room a user is looking at. A
// Session owns one transcript.Reconciler and applies every mutation to it
// from a single goroutine, whatever the source: realtime events, sends, or
// room switches.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"yochat/client/internal/models"
	"yochat/client/internal/realtime"
	"yochat/client/internal/transcript"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/metrics"
)

var (
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("chat: session stopped")
	// ErrNotBound is returned by Send while no room is bound.
	ErrNotBound = errors.New("chat: no room bound")
	// ErrEmptyMessage is returned by Send for a blank body.
	ErrEmptyMessage = errors.New("chat: message is empty")
)

// IdentitySource resolves the current user. It must not fail; see
// api.Session.
type IdentitySource interface {
	CurrentIdentity(ctx context.Context) string
}

// RoomNamer resolves a room's display name. It must not fail; see api.Rooms.
type RoomNamer interface {
	RoomName(ctx context.Context, roomID string) string
}

// View is a snapshot of the session for rendering.
type View struct {
	RoomID   string
	RoomName string
	Identity string
	Messages []models.Message
	Pending  int
}

// Options configures a Session.
type Options struct {
	Channel  realtime.Channel
	Identity IdentitySource
	Rooms    RoomNamer
	Logger   *logger.Logger

	// Reconciler options, for tests.
	Transcript []transcript.Option
	QueueSize  int
}

// Session is the chat actor.
type Session struct {
	channel  realtime.Channel
	identity IdentitySource
	rooms    RoomNamer
	log      *logger.Logger

	queue   chan func()
	stopped chan struct{}
	started sync.Once

	// Owned by the Run goroutine.
	rec      *transcript.Reconciler
	gen      uint64
	sub      realtime.Subscription
	roomName string
	runCtx   context.Context

	listenersMu sync.RWMutex
	listeners   []func(View)

	// Joins leave the actor before they reach the channel. joinedGen is
	// the generation of the last join sent; older ones are dropped.
	joinMu    sync.Mutex
	joinedGen uint64
}

// NewSession creates a Session. Nothing happens until Run is started.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Session{
		channel:  opts.Channel,
		identity: opts.Identity,
		rooms:    opts.Rooms,
		log:      opts.Logger.WithComponent("chat"),
		queue:    make(chan func(), opts.QueueSize),
		stopped:  make(chan struct{}),
		rec:      transcript.New(opts.Transcript...),
		runCtx:   context.Background(),
	}
}

// Run executes queued work until ctx is done. The active subscription is
// closed on the way out.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.started.Do(func() { started = true })
	if !started {
		return errors.New("chat: session already running")
	}
	defer close(s.stopped)

	s.runCtx = ctx
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-ctx.Done():
			if s.sub != nil {
				s.sub.Close()
				s.sub = nil
			}
			s.rec.Unbind()
			metrics.PendingMessages.Set(0)
			return ctx.Err()
		}
	}
}

// post enqueues fn without waiting for it to run.
func (s *Session) post(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// call runs fn on the actor and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case s.queue <- wrapped:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bind switches the session to roomID: the previous room's subscription is
// closed, the transcript is reset and the server is asked for the new room's
// history. Binding the current room again rejoins it.
func (s *Session) Bind(ctx context.Context, roomID string) error {
	if roomID == "" {
		return transcript.ErrEmptyRoom
	}

	identity := transcript.AnonymousIdentity
	if s.identity != nil {
		identity = s.identity.CurrentIdentity(ctx)
	}

	var (
		req     models.JoinRequest
		gen     uint64
		bindErr error
	)
	err := s.call(ctx, func() {
		if bindErr = s.bind(roomID, identity); bindErr != nil {
			return
		}
		gen = s.gen
		s.lookupRoomName(gen, roomID)
		req = models.JoinRequest{RoomID: roomID, Author: s.rec.Identity()}
	})
	if err != nil {
		return err
	}
	if bindErr != nil {
		return bindErr
	}
	return s.join(ctx, gen, req)
}

// bind runs on the actor.
func (s *Session) bind(roomID, identity string) error {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	if err := s.rec.Bind(roomID, identity); err != nil {
		return err
	}

	s.gen++
	s.roomName = ""
	s.sub = s.channel.Subscribe(s.handlers(s.gen))

	metrics.RoomBinds.Inc()
	metrics.PendingMessages.Set(0)
	s.log.Info("Bound room", "room_id", roomID, "identity", s.rec.Identity())
	s.notify()
	return nil
}

// join asks the server for the room bound at generation gen. A join for an
// older generation than one already sent is skipped, so the channel always
// ends up in the most recently bound room. A missing connection is not an
// error: the subscription rejoins once the channel connects.
func (s *Session) join(ctx context.Context, gen uint64, req models.JoinRequest) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	if gen < s.joinedGen {
		s.log.Debug("Skipping superseded join", "room_id", req.RoomID)
		return nil
	}
	s.joinedGen = gen

	err := s.channel.Join(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, realtime.ErrNotConnected):
		s.log.Debug("Channel not connected, join deferred", "room_id", req.RoomID)
		return nil
	default:
		return fmt.Errorf("join room %s: %w", req.RoomID, err)
	}
}

// lookupRoomName runs on the actor; the lookup itself does not.
func (s *Session) lookupRoomName(gen uint64, roomID string) {
	if s.rooms == nil {
		return
	}
	ctx := s.runCtx
	go func() {
		name := s.rooms.RoomName(ctx, roomID)
		s.post(func() {
			if s.gen != gen || s.rec.RoomID() != roomID {
				return
			}
			s.roomName = name
			s.notify()
		})
	}()
}

// handlers tags every callback with the generation it was created for.
// Events for an older generation are dropped on the actor.
func (s *Session) handlers(gen uint64) realtime.Handlers {
	return realtime.Handlers{
		OnHistory: func(h models.HistorySnapshot) {
			s.post(func() {
				if s.gen != gen {
					return
				}
				s.record("history", s.rec.ApplyHistory(h.RoomID, h.Messages))
			})
		},
		OnIncoming: func(m models.Message) {
			s.post(func() {
				if s.gen != gen {
					return
				}
				s.record("incoming", s.rec.ApplyIncoming(m))
			})
		},
		OnDelivery: func(d models.Delivery) {
			s.post(func() {
				if s.gen != gen {
					return
				}
				s.record("delivery", s.rec.ApplyDelivery(d))
			})
		},
		OnConnect: func(reconnect bool) {
			s.post(func() {
				if s.gen != gen || s.rec.RoomID() == "" {
					return
				}
				s.rebind()
			})
		},
	}
}

// rebind runs on the actor after the channel (re)connects: the room is bound
// afresh and joined again so the server resends its history.
func (s *Session) rebind() {
	roomID, identity := s.rec.RoomID(), s.rec.Identity()
	name := s.roomName

	if err := s.bind(roomID, identity); err != nil {
		s.log.LogError(err, "Rebind after reconnect failed", "room_id", roomID)
		return
	}
	if name == "" {
		s.lookupRoomName(s.gen, roomID)
	} else {
		s.roomName = name
	}

	ctx, gen := s.runCtx, s.gen
	req := models.JoinRequest{RoomID: roomID, Author: identity}
	go func() {
		if err := s.join(ctx, gen, req); err != nil {
			s.log.LogError(err, "Rejoin after reconnect failed", "room_id", roomID)
		}
	}()
}

// Leave closes the subscription and discards the transcript.
func (s *Session) Leave(ctx context.Context) error {
	return s.call(ctx, func() {
		if s.sub != nil {
			s.sub.Close()
			s.sub = nil
		}
		if s.rec.RoomID() == "" {
			return
		}
		s.log.Info("Left room", "room_id", s.rec.RoomID())
		s.gen++
		s.rec.Unbind()
		s.roomName = ""
		metrics.PendingMessages.Set(0)
		s.notify()
	})
}

// Send appends body as a pending message and emits it. When emitting fails
// the error is returned and the message stays pending; nothing is retried.
func (s *Session) Send(ctx context.Context, body string) error {
	var (
		req   models.SendRequest
		ok    bool
		bound bool
	)
	err := s.call(ctx, func() {
		bound = s.rec.RoomID() != ""
		req, ok = s.rec.Send(body, "")
		if ok {
			s.record("send", transcript.Appended)
		} else {
			s.record("send", transcript.Rejected)
		}
	})
	if err != nil {
		return err
	}
	if !bound {
		return ErrNotBound
	}
	if !ok {
		return ErrEmptyMessage
	}

	if err := s.channel.SendMessage(ctx, req); err != nil {
		s.log.Warn("Send failed, message stays pending",
			"room_id", req.RoomID,
			"temp_id", req.ClientToken,
			"error", err.Error(),
		)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// View returns a snapshot of the session.
func (s *Session) View(ctx context.Context) (View, error) {
	var v View
	err := s.call(ctx, func() { v = s.view() })
	return v, err
}

// OnChange registers fn to receive a View after every change to the
// transcript or room. fn runs on the actor and must not call back into the
// Session synchronously.
func (s *Session) OnChange(fn func(View)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Session) view() View {
	return View{
		RoomID:   s.rec.RoomID(),
		RoomName: s.roomName,
		Identity: s.rec.Identity(),
		Messages: s.rec.Messages(),
		Pending:  s.rec.PendingCount(),
	}
}

func (s *Session) record(kind string, outcome transcript.Outcome) {
	metrics.RecordTranscript(kind, string(outcome))
	if !outcome.Changed() {
		s.log.Debug("Transcript event discarded", "kind", kind, "outcome", string(outcome))
		return
	}
	metrics.PendingMessages.Set(float64(s.rec.PendingCount()))
	s.notify()
}

func (s *Session) notify() {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	v := s.view()
	for _, fn := range listeners {
		fn(v)
	}
}
