package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_RosterAndBroadcast(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()

	now := time.Now().UTC()
	alice := models.PresenceMember{Handle: "alice", JoinedAt: now, Status: models.PresenceWaiting}
	bob := models.PresenceMember{Handle: "bob", JoinedAt: now.Add(time.Second), Status: models.PresenceWaiting}

	aliceInbox := make(chan models.PresenceMessage, 4)
	a, err := ch.JoinPresence(ctx, "lobby", alice, func(m models.PresenceMessage) { aliceInbox <- m })
	require.NoError(t, err)
	defer a.Leave()

	b, err := ch.JoinPresence(ctx, "lobby", bob, func(models.PresenceMessage) {})
	require.NoError(t, err)

	members, err := a.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, handles(members))

	require.NoError(t, b.Broadcast(ctx, models.PresenceMessage{Type: models.PresencePropose, From: "bob", Target: "alice", RoomID: "r"}))
	select {
	case m := <-aliceInbox:
		assert.Equal(t, models.PresencePropose, m.Type)
		assert.Equal(t, "r", m.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("proposal not delivered")
	}

	require.NoError(t, b.Leave())
	require.NoError(t, b.Leave())

	members, err = a.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, handles(members))

	select {
	case m := <-aliceInbox:
		assert.Equal(t, models.PresenceSync, m.Type)
		assert.Equal(t, "bob", m.From)
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not trigger a resync")
	}
}

func TestPresence_StaleEntriesPruned(t *testing.T) {
	ch, mr := newChannel(t)
	ch.PresenceHeartbeat = time.Hour
	ctx := context.Background()

	alice := models.PresenceMember{Handle: "alice", JoinedAt: time.Now().UTC(), Status: models.PresenceWaiting}
	a, err := ch.JoinPresence(ctx, "lobby", alice, func(models.PresenceMessage) {})
	require.NoError(t, err)
	defer a.Leave()

	mr.HSet("anonchat:presence:lobby", "ghost", `{"member":{"handle":"ghost"},"seen_at":"2001-01-01T00:00:00Z"}`)

	members, err := a.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, handles(members))
	assert.Empty(t, mr.HGet("anonchat:presence:lobby", "ghost"), "stale entry should be deleted")
}

func TestPresence_RosterExpiresWithoutHeartbeat(t *testing.T) {
	ch, mr := newChannel(t)
	ch.PresenceHeartbeat = time.Minute

	a, err := ch.JoinPresence(context.Background(), "quiet", models.PresenceMember{Handle: "alice", JoinedAt: time.Now().UTC()}, func(models.PresenceMessage) {})
	require.NoError(t, err)
	defer a.Leave()

	assert.Equal(t, 3*time.Minute, mr.TTL("anonchat:presence:quiet"))
	mr.FastForward(4 * time.Minute)
	assert.False(t, mr.Exists("anonchat:presence:quiet"))
}

func handles(ms []models.PresenceMember) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Handle)
	}
	return out
}
