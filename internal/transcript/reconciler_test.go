package transcript

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yochat/client/internal/models"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, roomID, identity string) *Reconciler {
	t.Helper()
	n := 0
	r := New(
		WithClock(func() time.Time { return epoch }),
		WithTokenSource(func(time.Time) string {
			n++
			return fmt.Sprintf("t%d", n)
		}),
	)
	require.NoError(t, r.Bind(roomID, identity))
	return r
}

func msg(serverID, token, author, body string) models.Message {
	return models.Message{
		ServerID:    serverID,
		ClientToken: token,
		RoomID:      "room-a",
		Author:      author,
		Body:        body,
		SentAt:      epoch,
	}
}

func TestBindRequiresRoom(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Bind("", "alice"), ErrEmptyRoom)
	assert.Equal(t, "", r.RoomID())
}

func TestBindFallsBackToAnonymous(t *testing.T) {
	r := New()
	require.NoError(t, r.Bind("room-a", "  "))
	assert.Equal(t, AnonymousIdentity, r.Identity())
}

func TestRebindSameRoomResets(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s1", "", "bob", "hi"))
	require.Equal(t, 1, r.Len())

	require.NoError(t, r.Bind("room-a", "alice"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "room-a", r.RoomID())
}

func TestApplyIncomingDedupIdempotent(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	m := msg("s1", "x1", "bob", "hello")

	assert.Equal(t, Appended, r.ApplyIncoming(m))
	assert.Equal(t, Duplicate, r.ApplyIncoming(m))
	assert.Len(t, r.Messages(), 1)
}

func TestApplyIncomingDedupByEitherIdentity(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s1", "", "bob", "one"))
	r.ApplyIncoming(msg("", "x2", "bob", "two"))

	assert.Equal(t, Duplicate, r.ApplyIncoming(msg("s1", "other", "bob", "one again")))
	assert.Equal(t, Duplicate, r.ApplyIncoming(msg("s9", "x2", "bob", "two again")))
	assert.Len(t, r.Messages(), 2)
}

func TestApplyIncomingWithoutIdentityAlwaysAppends(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	m := msg("", "", "bob", "anon")

	assert.Equal(t, Appended, r.ApplyIncoming(m))
	assert.Equal(t, Appended, r.ApplyIncoming(m))
	assert.Len(t, r.Messages(), 2)
}

func TestApplyIncomingPreservesArrivalOrder(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	late := msg("s2", "", "bob", "second")
	late.SentAt = epoch.Add(time.Minute)
	early := msg("s1", "", "bob", "first")

	r.ApplyIncoming(late)
	r.ApplyIncoming(early)

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ServerID)
	assert.Equal(t, "s1", got[1].ServerID)
}

func TestApplyIncomingEchoConfirmsPending(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	req, ok := r.Send("hello", "alice")
	require.True(t, ok)

	echo := msg("s1", req.ClientToken, "alice", "hello")
	assert.Equal(t, Confirmed, r.ApplyIncoming(echo))

	got := r.Messages()
	require.Len(t, got, 1)
	assert.False(t, got[0].Pending)
	assert.Equal(t, "s1", got[0].ServerID)

	assert.Equal(t, Duplicate, r.ApplyIncoming(echo))
}

func TestApplyDeliveryResolvesInPlace(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s0", "", "bob", "before"))
	req, ok := r.Send("hello", "alice")
	require.True(t, ok)
	require.Equal(t, "t1", req.ClientToken)
	r.ApplyIncoming(msg("s5", "", "bob", "after"))

	outcome := r.ApplyDelivery(models.Delivery{
		ClientToken: "t1",
		ServerID:    "s1",
		Author:      "alice",
		Body:        "hello",
		SentAt:      epoch.Add(time.Second),
	})
	assert.Equal(t, Confirmed, outcome)

	got := r.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "s1", got[1].ServerID)
	assert.Equal(t, "t1", got[1].ClientToken)
	assert.Equal(t, "room-a", got[1].RoomID)
	assert.False(t, got[1].Pending)
	assert.Equal(t, 0, r.PendingCount())
}

func TestApplyDeliveryStaleIsNoop(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	_, ok := r.Send("hello", "alice")
	require.True(t, ok)
	before := r.Messages()

	assert.Equal(t, Unmatched, r.ApplyDelivery(models.Delivery{ClientToken: "nope", ServerID: "s1", Author: "alice"}))
	assert.Equal(t, Unmatched, r.ApplyDelivery(models.Delivery{ClientToken: "t1", ServerID: "s1", Author: "mallory"}))
	assert.Equal(t, Unmatched, r.ApplyDelivery(models.Delivery{ServerID: "s1", Author: "alice"}))
	assert.Equal(t, before, r.Messages())
}

func TestApplyDeliveryOnlyOnce(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.Send("hello", "alice")
	d := models.Delivery{ClientToken: "t1", ServerID: "s1", Author: "alice", Body: "hello"}

	assert.Equal(t, Confirmed, r.ApplyDelivery(d))
	assert.Equal(t, Unmatched, r.ApplyDelivery(d))
	assert.Len(t, r.Messages(), 1)
}

func TestApplyDeliveryCollapsesEarlierEcho(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.Send("hello", "alice")
	assert.Equal(t, Appended, r.ApplyIncoming(msg("s1", "", "alice", "hello")))

	assert.Equal(t, Confirmed, r.ApplyDelivery(models.Delivery{ClientToken: "t1", ServerID: "s1", Author: "alice", Body: "hello"}))

	got := r.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ServerID)
	assert.Equal(t, "t1", got[0].ClientToken)
}

func TestApplyHistoryReplacesWholesale(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s3", "", "bob", "m3"))

	m1 := msg("s1", "", "bob", "m1")
	m2 := msg("s2", "", "carol", "m2")
	m2.Pending = true
	assert.Equal(t, Replaced, r.ApplyHistory("room-a", []models.Message{m1, m2}))

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ServerID)
	assert.Equal(t, "s2", got[1].ServerID)
	assert.False(t, got[0].Pending)
	assert.False(t, got[1].Pending)
}

func TestApplyHistoryDropsDuplicatesInBatch(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	batch := []models.Message{
		msg("s1", "", "bob", "first"),
		msg("s1", "", "bob", "first again"),
		msg("s2", "x", "bob", "second"),
		msg("", "x", "bob", "token dup"),
	}

	r.ApplyHistory("", batch)

	got := r.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, "second", got[1].Body)
}

func TestSendProducesOptimisticEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Bind("room-a", "alice"))

	req, ok := r.Send("  hello  ", "alice")
	require.True(t, ok)

	got := r.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].Pending)
	assert.NotEmpty(t, got[0].ClientToken)
	assert.Equal(t, "alice", got[0].Author)
	assert.Equal(t, "hello", got[0].Body)
	assert.Equal(t, "room-a", req.RoomID)
	assert.Equal(t, got[0].ClientToken, req.ClientToken)
	assert.Equal(t, "hello", req.Body)
}

func TestSendDefaultsToBoundIdentity(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	req, ok := r.Send("hi", "")
	require.True(t, ok)
	assert.Equal(t, "alice", req.Author)
	assert.Equal(t, epoch, req.SentAt)
}

func TestSendRejectsBlankBody(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")

	_, ok := r.Send("   ", "alice")
	assert.False(t, ok)
	_, ok = r.Send("\n\t", "alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestSendWhileUnboundRejected(t *testing.T) {
	r := New()
	_, ok := r.Send("hello", "alice")
	assert.False(t, ok)
}

func TestRoomSwitchResetsAndIgnoresStaleEvents(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s1", "", "bob", "hi"))
	r.Send("hello", "alice")

	require.NoError(t, r.Bind("room-b", "alice"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "room-b", r.RoomID())

	assert.Equal(t, Stale, r.ApplyIncoming(msg("s2", "", "bob", "late")))
	assert.Equal(t, Stale, r.ApplyHistory("room-a", []models.Message{msg("s3", "", "bob", "old")}))
	assert.Equal(t, Stale, r.ApplyDelivery(models.Delivery{ClientToken: "t1", ServerID: "s4", RoomID: "room-a", Author: "alice"}))
	assert.Equal(t, 0, r.Len())
}

func TestUnboundIgnoresEverything(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.Unbind()

	assert.Equal(t, Stale, r.ApplyIncoming(msg("s1", "", "bob", "hi")))
	assert.Equal(t, Stale, r.ApplyHistory("", nil))
	assert.Equal(t, "", r.Identity())
}

func TestMessagesReturnsCopy(t *testing.T) {
	r := newTestReconciler(t, "room-a", "alice")
	r.ApplyIncoming(msg("s1", "", "bob", "hi"))

	got := r.Messages()
	got[0].Body = "mutated"
	assert.Equal(t, "hi", r.Messages()[0].Body)
}

func TestNewClientToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok := NewClientToken(epoch)
		assert.Regexp(t, `^\d+-[0-9a-f]{12}$`, tok)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}
