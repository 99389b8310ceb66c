package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// MaxMessageLength is counted in runes.
	MaxMessageLength = 2000
	// HistoryLimit is how many messages a joining client is shown.
	HistoryLimit = 100

	teardownTimeout = 5 * time.Second
)

var (
	// ErrRoomClosed is returned once either party has left the room.
	ErrRoomClosed = errors.New("room closed")
	// ErrNotRoomMember is returned when someone other than the two matched parties
	// tries to open a room.
	ErrNotRoomMember  = errors.New("not a member of this room")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

// Store is the part of the rendezvous store a room session touches.
type Store interface {
	// GetRoom returns nil, nil once the room is closed.
	GetRoom(ctx context.Context, roomID string) (*models.RoomSession, error)
	InsertMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	DeleteRoom(ctx context.Context, roomID string) error
	DeleteTicketByID(ctx context.Context, ticketID uuid.UUID) error
}

// Subscriber delivers a room's events.
type Subscriber interface {
	SubscribeRoom(ctx context.Context, roomID string, onEvent func(models.RoomEvent)) (matchmaking.Subscription, error)
}

// Session is one party's view of a matched room.
type Session struct {
	RoomID   string
	Handle   string
	TicketID uuid.UUID

	store  Store
	sub    matchmaking.Subscription
	events chan models.RoomEvent
	logger logrus.FieldLogger

	closeOnce sync.Once
	done      chan struct{}
}

// Open attaches handle to roomID. Only the two handles recorded on the room may open
// it. ticketID is the ticket that carried the match and may be uuid.Nil. Subscribing
// happens before the existence check so a closure racing the open is never missed.
func Open(ctx context.Context, store Store, subscriber Subscriber, roomID, handle string, ticketID uuid.UUID, logger logrus.FieldLogger) (*Session, error) {
	s := &Session{
		RoomID:   roomID,
		Handle:   handle,
		TicketID: ticketID,
		store:    store,
		events:   make(chan models.RoomEvent, 64),
		logger:   logger.WithFields(logrus.Fields{"room_id": roomID, "handle": handle}),
		done:     make(chan struct{}),
	}

	sub, err := subscriber.SubscribeRoom(ctx, roomID, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribe to room: %w", err)
	}
	s.sub = sub

	r, err := store.GetRoom(ctx, roomID)
	switch {
	case err != nil:
		err = fmt.Errorf("look up room: %w", err)
	case r == nil:
		err = ErrRoomClosed
	case !r.HasMember(handle):
		err = ErrNotRoomMember
	}
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return s, nil
}

func (s *Session) deliver(evt models.RoomEvent) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// Events streams chat messages, including this party's own, and the closure event.
func (s *Session) Events() <-chan models.RoomEvent { return s.events }

// Done is closed once the session is closed locally.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns the latest messages, oldest first.
func (s *Session) History(ctx context.Context) ([]models.ChatMessage, error) {
	return s.store.ListMessages(ctx, s.RoomID, HistoryLimit)
}

// Send stores a message from this party. Delivery to both parties happens through the
// room topic.
func (s *Session) Send(ctx context.Context, body string) (*models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	switch {
	case body == "":
		return nil, ErrEmptyMessage
	case utf8.RuneCountInString(body) > MaxMessageLength:
		return nil, ErrMessageTooLong
	}
	select {
	case <-s.done:
		return nil, ErrRoomClosed
	default:
	}

	msg := &models.ChatMessage{RoomID: s.RoomID, Sender: s.Handle, Body: body}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if r, xerr := s.store.GetRoom(ctx, s.RoomID); xerr == nil && r == nil {
			return nil, ErrRoomClosed
		}
		return nil, err
	}
	return msg, nil
}

// Leave tears the room down for both parties and discards the ticket that carried the
// match. The remaining party receives a room_closed event.
func (s *Session) Leave(ctx context.Context) error {
	s.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := s.store.DeleteRoom(ctx, s.RoomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if s.TicketID != uuid.Nil {
		if err := s.store.DeleteTicketByID(ctx, s.TicketID); err != nil {
			s.logger.Warnf("failed to discard ticket %s: %v", s.TicketID, err)
		}
	}
	s.logger.Info("left room")
	return nil
}

// Close detaches from the room without closing it for the peer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warnf("failed to unsubscribe from room: %v", err)
		}
	})
}
