package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/jason-s-yu/anonchat/internal/realtime"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newChannel(t *testing.T) (*realtime.Channel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return realtime.NewChannel(rdb, quietLogger()), mr
}

func matchedTicket(id uuid.UUID) models.WaitingTicket {
	room, peer := "room-1", "bob"
	return models.WaitingTicket{
		ID:                   id,
		RequesterHandle:      "alice",
		RequesterFingerprint: "fp-alice",
		AssignedRoom:         &room,
		MatchedPeerHandle:    &peer,
		CreatedAt:            time.Now().UTC(),
	}
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := realtime.Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rdb.Close()

	_, err = realtime.Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestTicketChanges_DeliveredToSubscriber(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()
	id := uuid.New()

	got := make(chan models.WaitingTicket, 1)
	sub, err := ch.SubscribeToTicketChanges(ctx, id, func(t models.WaitingTicket) { got <- t })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, ch.PublishTicketUpdate(ctx, matchedTicket(id)))

	select {
	case update := <-got:
		assert.Equal(t, id, update.ID)
		assert.Equal(t, "room-1", update.Room())
		assert.Equal(t, "bob", update.Peer())
	case <-time.After(2 * time.Second):
		t.Fatal("ticket update not delivered")
	}
}

func TestTicketChanges_OtherTicketsIgnored(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()
	mine, other := uuid.New(), uuid.New()

	got := make(chan models.WaitingTicket, 1)
	sub, err := ch.SubscribeToTicketChanges(ctx, mine, func(t models.WaitingTicket) { got <- t })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, ch.PublishTicketUpdate(ctx, matchedTicket(other)))

	select {
	case <-got:
		t.Fatal("received an update for another ticket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTicketChanges_UnsubscribeIsIdempotent(t *testing.T) {
	ch, _ := newChannel(t)
	sub, err := ch.SubscribeToTicketChanges(context.Background(), uuid.New(), func(models.WaitingTicket) {})
	require.NoError(t, err)

	assert.NoError(t, sub.Unsubscribe())
	assert.NoError(t, sub.Unsubscribe())
}

func TestTicketChanges_SubscribeFailsWhenServerDown(t *testing.T) {
	ch, mr := newChannel(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.SubscribeToTicketChanges(ctx, uuid.New(), func(models.WaitingTicket) {})
	assert.Error(t, err)
}

func TestRoomEvents(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()

	got := make(chan models.RoomEvent, 2)
	sub, err := ch.SubscribeRoom(ctx, "room-1", func(e models.RoomEvent) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg := &models.ChatMessage{ID: uuid.New(), RoomID: "room-1", Sender: "alice", Body: "hi"}
	require.NoError(t, ch.PublishRoomEvent(ctx, models.RoomEvent{Type: models.RoomEventMessage, RoomID: "room-1", Message: msg}))
	require.NoError(t, ch.PublishRoomEvent(ctx, models.RoomEvent{Type: models.RoomEventClosed, RoomID: "room-1"}))

	first := <-got
	require.NotNil(t, first.Message)
	assert.Equal(t, "hi", first.Message.Body)
	assert.Equal(t, models.RoomEventClosed, (<-got).Type)
}

func TestPublishTicketUpdate_ReportsRedisError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ch := realtime.NewChannel(rdb, quietLogger())

	ticket := matchedTicket(uuid.New())
	payload, err := json.Marshal(ticket)
	require.NoError(t, err)

	down := errors.New("connection refused")
	mock.ExpectPublish("anonchat:ticket:"+ticket.ID.String(), string(payload)).SetErr(down)

	err = ch.PublishTicketUpdate(context.Background(), ticket)
	assert.ErrorIs(t, err, down)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRoomEvent_UsesRoomTopic(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	ch := realtime.NewChannel(rdb, quietLogger())

	evt := models.RoomEvent{Type: models.RoomEventClosed, RoomID: "room-9"}
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	mock.ExpectPublish("anonchat:room:room-9", string(payload)).SetVal(2)

	require.NoError(t, ch.PublishRoomEvent(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
