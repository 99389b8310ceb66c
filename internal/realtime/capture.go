package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/database"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 2 * time.Second

// CapturingStore decorates the Postgres store with change capture: every write a
// subscriber cares about is followed by a publish on the Redis channel. Publishing is
// best effort. Hosts fall back to polling, and room clients notice a closed room on
// their next write.
type CapturingStore struct {
	*database.Store
	channel *Channel
	logger  logrus.FieldLogger
}

// NewCapturingStore wraps store so its writes are published on channel.
func NewCapturingStore(store *database.Store, channel *Channel, logger logrus.FieldLogger) *CapturingStore {
	return &CapturingStore{Store: store, channel: channel, logger: logger}
}

func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}

// ConditionalAssignRoom publishes the matched row image when this writer won.
func (s *CapturingStore) ConditionalAssignRoom(ctx context.Context, ticketID uuid.UUID, roomID, matchedPeerHandle string) (int64, error) {
	n, err := s.Store.ConditionalAssignRoom(ctx, ticketID, roomID, matchedPeerHandle)
	if err != nil || n != 1 {
		return n, err
	}

	pctx, cancel := publishContext(ctx)
	defer cancel()
	t, gerr := s.Store.GetTicket(pctx, ticketID)
	switch {
	case gerr != nil:
		s.logger.Warnf("assign of ticket %s not captured: %v", ticketID, gerr)
	case t == nil:
		// host already cleaned up
	default:
		if perr := s.channel.PublishTicketUpdate(pctx, *t); perr != nil {
			s.logger.Warnf("assign of ticket %s not captured: %v", ticketID, perr)
		}
	}
	return n, nil
}

// DeleteRoom publishes a closure event after the room is gone.
func (s *CapturingStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.Store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	pctx, cancel := publishContext(ctx)
	defer cancel()
	evt := models.RoomEvent{Type: models.RoomEventClosed, RoomID: roomID}
	if err := s.channel.PublishRoomEvent(pctx, evt); err != nil {
		s.logger.Warnf("closure of room %s not captured: %v", roomID, err)
	}
	return nil
}

// InsertMessage publishes the stored message to the room topic.
func (s *CapturingStore) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.Store.InsertMessage(ctx, msg); err != nil {
		return err
	}
	pctx, cancel := publishContext(ctx)
	defer cancel()
	saved := *msg
	evt := models.RoomEvent{Type: models.RoomEventMessage, RoomID: msg.RoomID, Message: &saved}
	if err := s.channel.PublishRoomEvent(pctx, evt); err != nil {
		s.logger.Warnf("message in room %s not captured: %v", msg.RoomID, err)
	}
	return nil
}
