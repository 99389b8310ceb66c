package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/models"
)

// ErrRoomExists is returned when a room id is reused.
var ErrRoomExists = errors.New("room already exists")

// Store is an in-process rendezvous store. Every method holds one mutex, which makes
// ConditionalAssignRoom a true compare-and-set. When a Bus is attached, successful
// assigns, room deletions and message inserts are published the way change data
// capture would publish them.
type Store struct {
	mu       sync.Mutex
	tickets  map[uuid.UUID]*models.WaitingTicket
	seen     map[uuid.UUID]time.Time
	rooms    map[string]models.RoomSession
	messages map[string][]models.ChatMessage
	bans     map[string]struct{}
	last     time.Time

	bus *Bus
	now func() time.Time
}

// NewStore returns an empty store publishing to bus. bus may be nil.
func NewStore(bus *Bus) *Store {
	return &Store{
		tickets:  make(map[uuid.UUID]*models.WaitingTicket),
		seen:     make(map[uuid.UUID]time.Time),
		rooms:    make(map[string]models.RoomSession),
		messages: make(map[string][]models.ChatMessage),
		bans:     make(map[string]struct{}),
		bus:      bus,
		now:      time.Now,
	}
}

// stamp returns a strictly increasing timestamp so created_at ordering is total.
// Caller holds s.mu.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func copyTicket(t *models.WaitingTicket) *models.WaitingTicket {
	c := *t
	if t.AssignedRoom != nil {
		room := *t.AssignedRoom
		c.AssignedRoom = &room
	}
	if t.MatchedPeerHandle != nil {
		peer := *t.MatchedPeerHandle
		c.MatchedPeerHandle = &peer
	}
	return &c
}

func (s *Store) DeleteTicketsByHandle(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tickets {
		if t.RequesterHandle == handle {
			s.dropTicket(id)
		}
	}
	return nil
}

func (s *Store) FindOldestOpenTicket(ctx context.Context, excludeHandle string) (*models.WaitingTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.WaitingTicket
	for _, t := range s.tickets {
		if t.AssignedRoom != nil || t.RequesterHandle == excludeHandle {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return copyTicket(oldest), nil
}

func (s *Store) InsertTicket(ctx context.Context, handle, fingerprint string) (*models.WaitingTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.WaitingTicket{
		ID:                   uuid.New(),
		RequesterHandle:      handle,
		RequesterFingerprint: fingerprint,
		CreatedAt:            s.stamp(),
	}
	s.tickets[t.ID] = t
	s.seen[t.ID] = t.CreatedAt
	return copyTicket(t), nil
}

func (s *Store) ConditionalAssignRoom(ctx context.Context, ticketID uuid.UUID, roomID, matchedPeerHandle string) (int64, error) {
	s.mu.Lock()
	t, ok := s.tickets[ticketID]
	if !ok || t.AssignedRoom != nil {
		s.mu.Unlock()
		return 0, nil
	}
	room, peer := roomID, matchedPeerHandle
	t.AssignedRoom = &room
	t.MatchedPeerHandle = &peer
	updated := copyTicket(t)
	s.mu.Unlock()

	if s.bus != nil {
		_ = s.bus.PublishTicketUpdate(ctx, *updated)
	}
	return 1, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID uuid.UUID) (*models.WaitingTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, nil
	}
	return copyTicket(t), nil
}

func (s *Store) DeleteTicketByID(ctx context.Context, ticketID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropTicket(ticketID)
	return nil
}

func (s *Store) WithdrawTicket(ctx context.Context, ticketID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.AssignedRoom != nil {
		return 0, nil
	}
	s.dropTicket(ticketID)
	return 1, nil
}

// TouchTicket refreshes the last-seen time of an open ticket.
func (s *Store) TouchTicket(ctx context.Context, ticketID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tickets[ticketID]; ok && t.AssignedRoom == nil {
		s.seen[ticketID] = s.now().UTC()
	}
	return nil
}

// dropTicket removes a ticket and its bookkeeping. Caller holds s.mu.
func (s *Store) dropTicket(id uuid.UUID) {
	delete(s.tickets, id)
	delete(s.seen, id)
}

// DeleteStaleTickets implements matchmaking.Sweeper. Open tickets not touched since the
// cutoff go, and so do matched ones whose room is already gone.
func (s *Store) DeleteStaleTickets(ctx context.Context, seenBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tickets {
		if !s.seen[id].Before(seenBefore) {
			continue
		}
		if t.AssignedRoom != nil {
			if _, live := s.rooms[*t.AssignedRoom]; live {
				continue
			}
		}
		s.dropTicket(id)
		n++
	}
	return n, nil
}

// OpenTickets returns every unmatched ticket, oldest first.
func (s *Store) OpenTickets() []models.WaitingTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WaitingTicket
	for _, t := range s.tickets {
		if t.AssignedRoom == nil {
			out = append(out, *copyTicket(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) CreateRoom(ctx context.Context, roomID, hostHandle, joinerHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return fmt.Errorf("create room %s: %w", roomID, ErrRoomExists)
	}
	s.rooms[roomID] = models.RoomSession{
		ID:           roomID,
		HostHandle:   hostHandle,
		JoinerHandle: joinerHandle,
		CreatedAt:    s.now().UTC(),
	}
	return nil
}

// GetRoom returns a copy of the live room, or nil once it is closed.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.RoomSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// DeleteRoom removes the room and its messages. Deleting a missing room is a no-op and
// publishes nothing.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	s.mu.Unlock()

	if ok && s.bus != nil {
		_ = s.bus.PublishRoomEvent(ctx, models.RoomEvent{Type: models.RoomEventClosed, RoomID: roomID})
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	if _, ok := s.rooms[msg.RoomID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("insert message: room %s does not exist", msg.RoomID)
	}
	msg.ID = uuid.New()
	msg.CreatedAt = s.stamp()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	saved := *msg
	s.mu.Unlock()

	if s.bus != nil {
		_ = s.bus.PublishRoomEvent(ctx, models.RoomEvent{Type: models.RoomEventMessage, RoomID: saved.RoomID, Message: &saved})
	}
	return nil
}

// ListMessages returns up to limit of the most recent messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Ban marks a fingerprint hash as banned.
func (s *Store) Ban(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[fingerprint] = struct{}{}
}

func (s *Store) IsFingerprintBanned(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bans[fingerprint]
	return ok, nil
}
