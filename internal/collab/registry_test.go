package collab

import (
	"testing"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(userID string) *Session {
	return &Session{
		ID:     "sess-" + userID + "-" + time.Now().Format("150405.000000000"),
		UserID: userID,
		pages:  make(map[string]bool),
		spaces: make(map[string]bool),
		send:   make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func TestConnectionCaps(t *testing.T) {
	r := NewRegistry(2, 3)

	require.NoError(t, r.AcceptConn("1.2.3.4", "tok-a"))
	require.NoError(t, r.AcceptConn("1.2.3.4", "tok-b"))
	assert.ErrorIs(t, r.AcceptConn("1.2.3.4", "tok-c"), ErrConnectionLimit)

	// A different IP is unaffected.
	require.NoError(t, r.AcceptConn("5.6.7.8", "tok-c"))

	r.ReleaseConn("1.2.3.4", "tok-a")
	assert.NoError(t, r.AcceptConn("1.2.3.4", "tok-d"))
}

func TestSessionCap(t *testing.T) {
	r := NewRegistry(100, 2)

	require.NoError(t, r.AcceptConn("1.1.1.1", "tok"))
	require.NoError(t, r.AcceptConn("2.2.2.2", "tok"))
	assert.ErrorIs(t, r.AcceptConn("3.3.3.3", "tok"), ErrConnectionLimit)
}

func TestSubscribeAndLookup(t *testing.T) {
	r := NewRegistry(0, 0)
	s := newTestSession("u1")

	evicted := r.SubscribePage("p1", Record{Session: s, UserID: "u1", Color: "#fff", Role: models.RoleEdit, SpaceID: "sp1", CheckedAt: time.Now()})
	assert.Nil(t, evicted)

	rec, ok := r.RecordFor("p1", s)
	require.True(t, ok)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, models.RoleEdit, rec.Role)
	assert.Equal(t, 1, r.PageCount("p1"))
}

func TestDuplicateUserSubscriptionEvictsOlder(t *testing.T) {
	r := NewRegistry(0, 0)
	old := newTestSession("u1")
	fresh := newTestSession("u1")

	r.SubscribePage("p1", Record{Session: old, UserID: "u1"})
	evicted := r.SubscribePage("p1", Record{Session: fresh, UserID: "u1"})

	assert.Same(t, old, evicted)
	assert.Equal(t, 1, r.PageCount("p1"))

	_, ok := r.RecordFor("p1", old)
	assert.False(t, ok)
	_, ok = r.RecordFor("p1", fresh)
	assert.True(t, ok)
	assert.Empty(t, old.subscribedPages())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(0, 0)
	s := newTestSession("u1")

	r.SubscribePage("p1", Record{Session: s, UserID: "u1"})

	_, ok := r.UnsubscribePage("p1", s)
	assert.True(t, ok)
	_, ok = r.UnsubscribePage("p1", s)
	assert.False(t, ok)
	assert.Equal(t, 0, r.PageCount("p1"))
}

func TestUpdateRole(t *testing.T) {
	r := NewRegistry(0, 0)
	s := newTestSession("u1")
	r.SubscribePage("p1", Record{Session: s, UserID: "u1", Role: models.RoleEdit, CheckedAt: time.Now().Add(-time.Hour)})

	now := time.Now()
	r.UpdateRole("p1", s, models.RoleRead, now)

	rec, ok := r.RecordFor("p1", s)
	require.True(t, ok)
	assert.Equal(t, models.RoleRead, rec.Role)
	assert.Equal(t, now, rec.CheckedAt)
}

func TestStaleRecords(t *testing.T) {
	r := NewRegistry(0, 0)
	fresh := newTestSession("u1")
	stale := newTestSession("u2")

	r.SubscribePage("p1", Record{Session: fresh, UserID: "u1", CheckedAt: time.Now()})
	r.SubscribePage("p1", Record{Session: stale, UserID: "u2", CheckedAt: time.Now().Add(-time.Minute)})

	out := r.StaleRecords(30 * time.Second)
	require.Len(t, out["p1"], 1)
	assert.Equal(t, "u2", out["p1"][0].UserID)
}

func TestDropSessionCleansEverything(t *testing.T) {
	r := NewRegistry(0, 0)
	s := newTestSession("u1")

	r.SubscribePage("p1", Record{Session: s, UserID: "u1"})
	r.SubscribePage("p2", Record{Session: s, UserID: "u1"})
	r.SubscribeSpace("sp1", s)
	r.SubscribeUser("u1", s)

	pages := r.DropSession(s)
	assert.ElementsMatch(t, []string{"p1", "p2"}, pages)
	assert.Equal(t, 0, r.PageCount("p1"))
	assert.Equal(t, 0, r.PageCount("p2"))
	assert.Empty(t, r.SpaceSubscribers("sp1"))
	assert.Empty(t, r.UserSessions("u1"))

	// Second drop is harmless.
	assert.Empty(t, r.DropSession(s))
}

func TestSpaceSubscriptions(t *testing.T) {
	r := NewRegistry(0, 0)
	s1 := newTestSession("u1")
	s2 := newTestSession("u2")

	r.SubscribeSpace("sp1", s1)
	r.SubscribeSpace("sp1", s2)
	assert.Len(t, r.SpaceSubscribers("sp1"), 2)

	r.UnsubscribeSpace("sp1", s1)
	subs := r.SpaceSubscribers("sp1")
	require.Len(t, subs, 1)
	assert.Same(t, s2, subs[0])
}
