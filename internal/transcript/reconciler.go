// Package transcript keeps one room's ordered, de-duplicated message list and
// merges history snapshots, live pushes, delivery confirmations and locally
// authored sends into it.
//
// A Reconciler is not safe for concurrent use. Callers marshal every
// operation onto a single goroutine (see internal/chat).
package transcript

import (
	"errors"
	"strings"
	"time"

	"yochat/client/internal/models"
)

// AnonymousIdentity is used when the current user could not be resolved.
const AnonymousIdentity = "Anonymous"

// ErrEmptyRoom is returned when binding without a room id.
var ErrEmptyRoom = errors.New("transcript: room id must not be empty")

// Outcome describes what an operation did to the transcript.
type Outcome string

const (
	Appended  Outcome = "appended"
	Replaced  Outcome = "replaced"
	Confirmed Outcome = "confirmed"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
	Unmatched Outcome = "unmatched"
	Rejected  Outcome = "rejected"
)

// Changed reports whether the outcome modified the transcript.
func (o Outcome) Changed() bool {
	return o == Appended || o == Replaced || o == Confirmed
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used to stamp sends.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithTokenSource overrides client token generation.
func WithTokenSource(next func(time.Time) string) Option {
	return func(r *Reconciler) { r.token = next }
}

// Reconciler owns the transcript of the bound room.
type Reconciler struct {
	roomID   string
	identity string
	messages []models.Message

	now   func() time.Time
	token func(time.Time) string
}

// New creates an unbound Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		now:   time.Now,
		token: NewClientToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind scopes the reconciler to roomID and clears the transcript. Binding the
// same room again still resets: a rejoin always waits for a fresh snapshot.
func (r *Reconciler) Bind(roomID, identity string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	if strings.TrimSpace(identity) == "" {
		identity = AnonymousIdentity
	}
	r.roomID = roomID
	r.identity = identity
	r.messages = nil
	return nil
}

// Unbind discards the transcript and the room binding.
func (r *Reconciler) Unbind() {
	r.roomID = ""
	r.identity = ""
	r.messages = nil
}

// RoomID returns the bound room, or "" when unbound.
func (r *Reconciler) RoomID() string { return r.roomID }

// Identity returns the display name resolved at bind time.
func (r *Reconciler) Identity() string { return r.identity }

// Len returns the number of transcript entries.
func (r *Reconciler) Len() int { return len(r.messages) }

// Messages returns a copy of the transcript in display order.
func (r *Reconciler) Messages() []models.Message {
	out := make([]models.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// PendingCount returns the number of unconfirmed local sends.
func (r *Reconciler) PendingCount() int {
	n := 0
	for _, m := range r.messages {
		if m.Pending {
			n++
		}
	}
	return n
}

// ApplyHistory replaces the whole transcript with the snapshot. Anything
// appended before the snapshot arrived is dropped. An empty roomID is taken
// to mean the bound room.
func (r *Reconciler) ApplyHistory(roomID string, history []models.Message) Outcome {
	if !r.active(roomID) {
		return Stale
	}

	seen := make(map[string]struct{}, len(history))
	messages := make([]models.Message, 0, len(history))
	for _, m := range history {
		if r.seen(seen, m) {
			continue
		}
		m.Pending = false
		messages = append(messages, m)
	}
	r.messages = messages
	return Replaced
}

// ApplyIncoming appends a live message unless it is already present. A
// pending local entry matched by client token is confirmed in place instead.
func (r *Reconciler) ApplyIncoming(msg models.Message) Outcome {
	if !r.active(msg.RoomID) {
		return Stale
	}

	if i := r.indexByServerID(msg.ServerID); i >= 0 {
		return Duplicate
	}
	if i := r.indexByToken(msg.ClientToken); i >= 0 {
		if !r.messages[i].Pending {
			return Duplicate
		}
		r.confirm(i, msg)
		return Confirmed
	}

	msg.Pending = false
	r.messages = append(r.messages, msg)
	return Appended
}

// ApplyDelivery confirms the pending entry authored by the bound identity
// whose client token matches. Unmatched confirmations are discarded.
func (r *Reconciler) ApplyDelivery(d models.Delivery) Outcome {
	if !r.active(d.RoomID) {
		return Stale
	}
	if d.ClientToken == "" {
		return Unmatched
	}

	for i, m := range r.messages {
		if m.Pending && m.ClientToken == d.ClientToken && m.Author == r.identity {
			r.confirm(i, d.Message())
			return Confirmed
		}
	}
	return Unmatched
}

// Send appends an optimistic pending entry and returns the request to emit.
// A blank body is rejected: nothing is appended and ok is false.
func (r *Reconciler) Send(body, author string) (req models.SendRequest, ok bool) {
	body = strings.TrimSpace(body)
	if body == "" || r.roomID == "" {
		return models.SendRequest{}, false
	}
	if author == "" {
		author = r.identity
	}

	now := r.now().UTC()
	req = models.SendRequest{
		RoomID:      r.roomID,
		Body:        body,
		Author:      author,
		SentAt:      now,
		ClientToken: r.token(now),
	}

	r.messages = append(r.messages, models.Message{
		ClientToken: req.ClientToken,
		RoomID:      req.RoomID,
		Author:      req.Author,
		Body:        req.Body,
		SentAt:      req.SentAt,
		Pending:     true,
	})
	return req, true
}

// confirm overwrites entry i with the confirmed payload, keeping its position
// and client token. A later entry already holding the confirmed server id
// (an echo that arrived without a token) is collapsed into this one.
func (r *Reconciler) confirm(i int, confirmed models.Message) {
	if confirmed.ClientToken == "" {
		confirmed.ClientToken = r.messages[i].ClientToken
	}
	if confirmed.RoomID == "" {
		confirmed.RoomID = r.messages[i].RoomID
	}
	confirmed.Pending = false
	r.messages[i] = confirmed

	if confirmed.ServerID == "" {
		return
	}
	kept := r.messages[:i+1]
	for _, m := range r.messages[i+1:] {
		if m.ServerID != confirmed.ServerID {
			kept = append(kept, m)
		}
	}
	r.messages = kept
}

func (r *Reconciler) active(roomID string) bool {
	if r.roomID == "" {
		return false
	}
	return roomID == "" || roomID == r.roomID
}

func (r *Reconciler) indexByServerID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range r.messages {
		if m.ServerID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexByToken(token string) int {
	if token == "" {
		return -1
	}
	for i, m := range r.messages {
		if m.ClientToken == token {
			return i
		}
	}
	return -1
}

// seen records both identities of m and reports whether either was already
// present in the batch.
func (r *Reconciler) seen(set map[string]struct{}, m models.Message) bool {
	keys := make([]string, 0, 2)
	if m.ServerID != "" {
		keys = append(keys, "s:"+m.ServerID)
	}
	if m.ClientToken != "" {
		keys = append(keys, "t:"+m.ClientToken)
	}
	for _, k := range keys {
		if _, ok := set[k]; ok {
			return true
		}
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return false
}
