// internal/matchmaking/presence_test.go
package matchmaking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/memory"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock hands out strictly increasing instants so join order is deterministic.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newPresenceEngine(bus *memory.Bus, rooms matchmaking.RoomCreator) *matchmaking.Engine {
	clock := &tickingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	strategy := matchmaking.NewPresenceStrategy(bus, rooms, matchmaking.PresenceOptions{
		ResyncInterval:  testPoll,
		ProposalTimeout: time.Second,
		Now:             clock.Now,
	})
	return matchmaking.NewEngine(strategy, quietLogger())
}

func TestPresenceStrategyPairsTwoClients(t *testing.T) {
	bus := memory.NewBus()
	store := memory.NewStore(bus)
	e := newPresenceEngine(bus, store)
	assert.Equal(t, "presence", e.Strategy())

	a := e.StartMatching(context.Background(), identity("alice"), nil)
	waitState(t, a, matchmaking.StateHosting)
	b := e.StartMatching(context.Background(), identity("bob"), nil)

	ar, err := wait(t, a)
	require.NoError(t, err)
	br, err := wait(t, b)
	require.NoError(t, err)

	assert.Equal(t, ar.RoomID, br.RoomID)
	assert.Equal(t, matchmaking.RoleHost, ar.Role, "oldest waiter is the proposal target")
	assert.Equal(t, matchmaking.RoleJoiner, br.Role)
	assert.Equal(t, "bob", ar.Peer)
	assert.Equal(t, "alice", br.Peer)

	r, err := store.GetRoom(context.Background(), ar.RoomID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "alice", r.HostHandle)
	assert.Equal(t, "bob", r.JoinerHandle)
}

func TestPresenceStrategyCancelLeavesLobby(t *testing.T) {
	bus := memory.NewBus()
	e := newPresenceEngine(bus, nil)

	a := e.StartMatching(context.Background(), identity("alice"), nil)
	waitState(t, a, matchmaking.StateHosting)
	a.Cancel()

	_, err := wait(t, a)
	require.ErrorIs(t, err, matchmaking.ErrCancelled)

	// a later client finds the lobby empty and keeps waiting
	b := e.StartMatching(context.Background(), identity("bob"), nil)
	waitState(t, b, matchmaking.StateHosting)
	time.Sleep(3 * testPoll)
	assert.Equal(t, matchmaking.StateHosting, b.State())
	b.Cancel()
}

// recordingRooms remembers every room the strategy creates and drops.
type recordingRooms struct {
	*memory.Store
	mu      sync.Mutex
	created []string
	deleted []string
}

func (r *recordingRooms) CreateRoom(ctx context.Context, roomID, host, joiner string) error {
	r.mu.Lock()
	r.created = append(r.created, roomID)
	r.mu.Unlock()
	return r.Store.CreateRoom(ctx, roomID, host, joiner)
}

func (r *recordingRooms) DeleteRoom(ctx context.Context, roomID string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, roomID)
	r.mu.Unlock()
	return r.Store.DeleteRoom(ctx, roomID)
}

func (r *recordingRooms) snapshot() (created, deleted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.created...), append([]string(nil), r.deleted...)
}

func TestPresenceStrategyRetractsUnansweredProposal(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewBus()
	rooms := &recordingRooms{Store: memory.NewStore(bus)}

	// an older waiter that never acknowledges anything
	silent, err := bus.JoinPresence(ctx, matchmaking.DefaultPresenceLobby, models.PresenceMember{
		Handle:   "silent",
		JoinedAt: time.Now().Add(-time.Hour),
		Status:   models.PresenceWaiting,
	}, func(models.PresenceMessage) {})
	require.NoError(t, err)
	defer silent.Leave()

	strategy := matchmaking.NewPresenceStrategy(bus, rooms, matchmaking.PresenceOptions{
		ResyncInterval:  testPoll,
		ProposalTimeout: 3 * testPoll,
	})
	e := matchmaking.NewEngine(strategy, quietLogger())
	defer e.Shutdown()

	states := &statusLog{}
	m := e.StartMatching(ctx, identity("bob"), states.record)

	require.Eventually(t, func() bool {
		_, deleted := rooms.snapshot()
		return len(deleted) > 0
	}, 2*time.Second, 5*time.Millisecond, "unanswered proposal was never retracted")

	created, deleted := rooms.snapshot()
	assert.Equal(t, created[0], deleted[0], "the first proposal's room is dropped")
	r, err := rooms.GetRoom(ctx, created[0])
	require.NoError(t, err)
	assert.Nil(t, r)

	states.mu.Lock()
	seq := append([]matchmaking.State(nil), states.states...)
	states.mu.Unlock()
	assert.Subset(t, seq, []matchmaking.State{matchmaking.StateJoining, matchmaking.StateSearching, matchmaking.StateHosting})
	retracted := false
	for i := 0; i+2 < len(seq); i++ {
		if seq[i] == matchmaking.StateJoining && seq[i+1] == matchmaking.StateSearching && seq[i+2] == matchmaking.StateHosting {
			retracted = true
			break
		}
	}
	assert.True(t, retracted, "proposer must fall back to hosting, got %v", seq)

	m.Cancel()
	_, err = wait(t, m)
	require.ErrorIs(t, err, matchmaking.ErrCancelled)

	// a proposal still pending at cancel time is dropped too
	created, deleted = rooms.snapshot()
	assert.ElementsMatch(t, created, deleted)
}

func TestWaitingOrder(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	members := []models.PresenceMember{
		{Handle: "c", JoinedAt: t0.Add(2 * time.Second), Status: models.PresenceWaiting},
		{Handle: "b", JoinedAt: t0, Status: models.PresenceWaiting},
		{Handle: "a", JoinedAt: t0, Status: models.PresenceWaiting},
		{Handle: "z", JoinedAt: t0.Add(-time.Hour), Status: models.PresenceMatched},
	}
	got := matchmaking.WaitingOrder(members)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Handle)
	assert.Equal(t, "b", got[1].Handle)
	assert.Equal(t, "c", got[2].Handle)
}
