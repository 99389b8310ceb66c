package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/anonchat/internal/database"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/jason-s-yu/anonchat/internal/realtime"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturing(t *testing.T) (pgxmock.PgxPoolIface, *realtime.Channel, *realtime.CapturingStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	ch, _ := newChannel(t)
	return mock, ch, realtime.NewCapturingStore(database.NewStore(mock), ch, quietLogger())
}

func TestCapture_WinningAssignIsPublished(t *testing.T) {
	mock, ch, store := newCapturing(t)
	ctx := context.Background()
	id := uuid.New()

	got := make(chan models.WaitingTicket, 1)
	sub, err := ch.SubscribeToTicketChanges(ctx, id, func(t models.WaitingTicket) { got <- t })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mock.ExpectExec(`UPDATE waiting_tickets SET assigned_room`).
		WithArgs(id, "room-1", "bob").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`FROM waiting_tickets WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "requester_handle", "requester_fingerprint", "assigned_room", "matched_peer_handle", "created_at"}).
			AddRow(id, "alice", "fp-alice", "room-1", "bob", time.Now()))

	n, err := store.ConditionalAssignRoom(ctx, id, "room-1", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	select {
	case update := <-got:
		assert.Equal(t, "room-1", update.Room())
	case <-time.After(2 * time.Second):
		t.Fatal("winning assign was not captured")
	}
}

func TestCapture_LosingAssignIsSilent(t *testing.T) {
	mock, ch, store := newCapturing(t)
	ctx := context.Background()
	id := uuid.New()

	got := make(chan models.WaitingTicket, 1)
	sub, err := ch.SubscribeToTicketChanges(ctx, id, func(t models.WaitingTicket) { got <- t })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mock.ExpectExec(`UPDATE waiting_tickets SET assigned_room`).
		WithArgs(id, "room-2", "carol").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	n, err := store.ConditionalAssignRoom(ctx, id, "room-2", "carol")
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case <-got:
		t.Fatal("losing assign must not publish")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCapture_RoomClosureAndMessages(t *testing.T) {
	mock, ch, store := newCapturing(t)
	ctx := context.Background()

	events := make(chan models.RoomEvent, 2)
	sub, err := ch.SubscribeRoom(ctx, "room-1", func(e models.RoomEvent) { events <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs("room-1", "alice", "hello").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM messages WHERE room_id = \$1`).WithArgs("room-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM rooms WHERE id = \$1`).WithArgs("room-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, store.InsertMessage(ctx, &models.ChatMessage{RoomID: "room-1", Sender: "alice", Body: "hello"}))
	require.NoError(t, store.DeleteRoom(ctx, "room-1"))

	chat := <-events
	assert.Equal(t, models.RoomEventMessage, chat.Type)
	require.NotNil(t, chat.Message)
	assert.Equal(t, "hello", chat.Message.Body)
	assert.Equal(t, models.RoomEventClosed, (<-events).Type)
}
